package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"videoSearch/config"
	"videoSearch/core"
)

var (
	// ErrNotFound is returned when a video does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid processing status transition")
)

// Store 关系型存储：视频、片段与台词
type Store interface {
	CreateVideo(ctx context.Context, v *core.Video) error
	GetVideo(ctx context.Context, id string) (*core.Video, error)
	ListVideos(ctx context.Context, ownerID string, skip, limit int) ([]core.Video, error)
	// ListUnfinished returns every PENDING or PROCESSING video, oldest first.
	ListUnfinished(ctx context.Context) ([]core.Video, error)
	// DeleteVideo removes the video row; segments and transcripts go with it.
	DeleteVideo(ctx context.Context, id string) error

	ListSegments(ctx context.Context, videoID string) ([]core.VideoSegment, error)
	// ListTranscripts returns one page of a video's transcripts ordered by start time.
	ListTranscripts(ctx context.Context, videoID string, skip, limit int) ([]core.Transcript, error)

	// MarkProcessing moves a PENDING video to PROCESSING and commits immediately.
	// Any other current state yields ErrInvalidTransition.
	MarkProcessing(ctx context.Context, id string) error
	// MarkFailed moves a non-terminal video to FAILED, recording the stage that failed.
	MarkFailed(ctx context.Context, id, reason string) error
	// CommitIngestion writes probe metadata, segments and transcripts and marks the
	// video COMPLETED, all in one transaction.
	CommitIngestion(ctx context.Context, res *core.IngestionResult) error

	// FindByVectorIDs returns transcripts whose vector_id is in ids, joined to
	// their video, restricted to videos owned by ownerID and to transcripts with
	// confidence >= minConfidence. A transcript without confidence only passes
	// when minConfidence <= 0.
	FindByVectorIDs(ctx context.Context, ownerID string, ids []string, minConfidence float64) ([]core.TranscriptMatch, error)

	// IndexedEmbeddings returns the vector_id and stored embedding of every
	// indexed transcript of a COMPLETED video, in upload then segment order.
	IndexedEmbeddings(ctx context.Context) ([]string, [][]float32, error)

	Close() error
}

// Open 按配置打开关系库
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// mergeProbe folds probe results into the video's free-form metadata.
func mergeProbe(existing map[string]any, res *core.IngestionResult) map[string]any {
	merged := make(map[string]any, len(existing)+len(res.Metadata)+2)
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range res.Metadata {
		merged[k] = v
	}
	merged["codec"] = res.Probe.VideoCodec
	if res.Probe.AudioCodec != "" {
		merged["audio_codec"] = res.Probe.AudioCodec
	}
	return merged
}

func clampPage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return skip, limit
}
