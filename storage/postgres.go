package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"videoSearch/core"
)

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore migrates the schema and opens a connection pool.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	// 先迁移，保证 vector 扩展存在后再注册类型
	if err := MigrateDSN("postgres", dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgVideoColumns = `v.id, v.owner_id, v.title, v.description, v.file_path, v.duration, v.file_size,
	v.format, v.resolution, v.processing_status, v.failure_reason, v.metadata, v.created_at, v.updated_at`

const pgTranscriptColumns = `t.id, t.video_id, t.start_time, t.end_time, t.text, t.vector_id,
	t.confidence, t.segment_index, t.created_at`

type pgVideoRow struct {
	v        core.Video
	status   string
	metadata []byte
}

func (r *pgVideoRow) dest() []any {
	return []any{&r.v.ID, &r.v.OwnerID, &r.v.Title, &r.v.Description, &r.v.FilePath, &r.v.Duration, &r.v.FileSize,
		&r.v.Format, &r.v.Resolution, &r.status, &r.v.FailureReason, &r.metadata, &r.v.CreatedAt, &r.v.UpdatedAt}
}

func (r *pgVideoRow) video() (core.Video, error) {
	v := r.v
	v.Status = core.ProcessingStatus(r.status)
	md, err := decodeMetadata(r.metadata)
	if err != nil {
		return v, err
	}
	v.Metadata = md
	return v, nil
}

func pgTranscriptDest(t *core.Transcript) []any {
	return []any{&t.ID, &t.VideoID, &t.StartTime, &t.EndTime, &t.Text, &t.VectorID,
		&t.Confidence, &t.SegmentIndex, &t.CreatedAt}
}

func (s *PostgresStore) CreateVideo(ctx context.Context, v *core.Video) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = core.StatusPending
	}
	md, err := encodeMetadata(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO videos (id, owner_id, title, description, file_path, duration, file_size,
			format, resolution, processing_status, failure_reason, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)`,
		v.ID, v.OwnerID, v.Title, v.Description, v.FilePath, v.Duration, v.FileSize,
		v.Format, v.Resolution, string(v.Status), v.FailureReason, string(md), v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id string) (*core.Video, error) {
	var row pgVideoRow
	err := s.pool.QueryRow(ctx, `SELECT `+pgVideoColumns+` FROM videos v WHERE v.id = $1`, id).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	v, err := row.video()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) ListVideos(ctx context.Context, ownerID string, skip, limit int) ([]core.Video, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := s.pool.Query(ctx, `SELECT `+pgVideoColumns+` FROM videos v
		WHERE v.owner_id = $1 ORDER BY v.created_at DESC, v.id LIMIT $2 OFFSET $3`, ownerID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := []core.Video{}
	for rows.Next() {
		var row pgVideoRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		v, err := row.video()
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *PostgresStore) ListUnfinished(ctx context.Context) ([]core.Video, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgVideoColumns+` FROM videos v
		WHERE v.processing_status = ANY($1) ORDER BY v.created_at, v.id`,
		[]string{string(core.StatusPending), string(core.StatusProcessing)})
	if err != nil {
		return nil, fmt.Errorf("list unfinished videos: %w", err)
	}
	defer rows.Close()

	videos := []core.Video{}
	for rows.Next() {
		var row pgVideoRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		v, err := row.video()
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *PostgresStore) DeleteVideo(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSegments(ctx context.Context, videoID string) ([]core.VideoSegment, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, video_id, start_time, end_time, segment_path, created_at
		FROM video_segments WHERE video_id = $1 ORDER BY start_time, id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := []core.VideoSegment{}
	for rows.Next() {
		var seg core.VideoSegment
		if err := rows.Scan(&seg.ID, &seg.VideoID, &seg.StartTime, &seg.EndTime, &seg.SegmentPath, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *PostgresStore) ListTranscripts(ctx context.Context, videoID string, skip, limit int) ([]core.Transcript, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := s.pool.Query(ctx, `SELECT `+pgTranscriptColumns+` FROM transcripts t
		WHERE t.video_id = $1 ORDER BY t.start_time, t.segment_index LIMIT $2 OFFSET $3`, videoID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	transcripts := []core.Transcript{}
	for rows.Next() {
		var t core.Transcript
		if err := rows.Scan(pgTranscriptDest(&t)...); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, rows.Err()
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, []string{string(core.StatusPending)}, core.StatusProcessing, "")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, []string{string(core.StatusPending), string(core.StatusProcessing)}, core.StatusFailed, reason)
}

func (s *PostgresStore) transition(ctx context.Context, id string, from []string, to core.ProcessingStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE videos SET processing_status = $1, failure_reason = $2, updated_at = now()
		WHERE id = $3 AND processing_status = ANY($4)`, string(to), reason, id, from)
	if err != nil {
		return fmt.Errorf("update status to %s: %w", to, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT processing_status FROM videos WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func (s *PostgresStore) CommitIngestion(ctx context.Context, res *core.IngestionResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status   string
		existing []byte
	)
	err = tx.QueryRow(ctx, `SELECT processing_status, metadata FROM videos WHERE id = $1 FOR UPDATE`, res.VideoID).Scan(&status, &existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read video: %w", err)
	}
	if core.ProcessingStatus(status) != core.StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, core.StatusCompleted)
	}
	prev, err := decodeMetadata(existing)
	if err != nil {
		return err
	}
	md, err := encodeMetadata(mergeProbe(prev, res))
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE videos SET duration = $1, file_size = $2, format = $3, resolution = $4,
		metadata = $5::jsonb, processing_status = $6, failure_reason = '', updated_at = now() WHERE id = $7`,
		res.Probe.Duration, res.Probe.FileSize, res.Probe.Format, res.Probe.Resolution(),
		string(md), string(core.StatusCompleted), res.VideoID)
	if err != nil {
		return fmt.Errorf("update video: %w", err)
	}

	batch := &pgx.Batch{}
	for _, seg := range res.Segments {
		batch.Queue(`INSERT INTO video_segments (id, video_id, start_time, end_time, segment_path)
			VALUES ($1, $2, $3, $4, $5)`, seg.ID, res.VideoID, seg.StartTime, seg.EndTime, seg.SegmentPath)
	}
	for _, t := range res.Transcripts {
		var embedding any
		if t.VectorID != nil && len(t.Embedding) > 0 {
			embedding = pgvector.NewVector(t.Embedding)
		}
		batch.Queue(`INSERT INTO transcripts (id, video_id, start_time, end_time, text, vector_id,
			confidence, segment_index, embedding) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, res.VideoID, t.StartTime, t.EndTime, t.Text, t.VectorID, t.Confidence, t.SegmentIndex, embedding)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert segments and transcripts: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByVectorIDs(ctx context.Context, ownerID string, ids []string, minConfidence float64) ([]core.TranscriptMatch, error) {
	if len(ids) == 0 {
		return []core.TranscriptMatch{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgTranscriptColumns+`, `+pgVideoColumns+`
		FROM transcripts t JOIN videos v ON v.id = t.video_id
		WHERE t.vector_id = ANY($1)
		  AND v.owner_id = $2
		  AND (t.confidence >= $3 OR ($3 <= 0 AND t.confidence IS NULL))`, ids, ownerID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("find transcripts: %w", err)
	}
	defer rows.Close()

	matches := []core.TranscriptMatch{}
	for rows.Next() {
		var (
			t  core.Transcript
			vr pgVideoRow
		)
		if err := rows.Scan(append(pgTranscriptDest(&t), vr.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		v, err := vr.video()
		if err != nil {
			return nil, err
		}
		matches = append(matches, core.TranscriptMatch{Transcript: t, Video: v})
	}
	return matches, rows.Err()
}

func (s *PostgresStore) IndexedEmbeddings(ctx context.Context) ([]string, [][]float32, error) {
	rows, err := s.pool.Query(ctx, `SELECT t.vector_id, t.embedding
		FROM transcripts t JOIN videos v ON v.id = t.video_id
		WHERE v.processing_status = $1 AND t.vector_id IS NOT NULL AND t.embedding IS NOT NULL
		ORDER BY v.created_at, v.id, t.segment_index`, string(core.StatusCompleted))
	if err != nil {
		return nil, nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var (
		ids  []string
		vecs [][]float32
	)
	for rows.Next() {
		var (
			id  string
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, nil, fmt.Errorf("scan embedding: %w", err)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec.Slice())
	}
	return ids, vecs, rows.Err()
}
