package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"videoSearch/core"
	"videoSearch/storage"
	"videoSearch/utils"
)

// ErrNotPending is returned by Run for a video that is not waiting to be processed.
var ErrNotPending = errors.New("video is not pending")

// ReasonCancelled is the failure reason of a run stopped by its context.
const ReasonCancelled = "cancelled"

// vectorBatch holds the embeddings of one run until they are inserted.
type vectorBatch struct {
	ids  []string
	vecs [][]float32
}

// Pipeline 视频入库流水线：探测 → 音频 → 转写 → 切片/向量化 → 索引 → 提交
type Pipeline struct {
	store     storage.Store
	index     *storage.VectorIndex
	prober    Prober
	extractor AudioExtractor
	cutter    Cutter
	asr       Transcriber
	embedder  Embedder

	segmentDir string
	scratchDir string
	metrics    *core.Metrics
	logger     *slog.Logger
}

// PipelineDeps 流水线依赖
type PipelineDeps struct {
	Store      storage.Store
	Index      *storage.VectorIndex
	Prober     Prober
	Extractor  AudioExtractor
	Cutter     Cutter
	ASR        Transcriber
	Embedder   Embedder
	SegmentDir string
	ScratchDir string
	Metrics    *core.Metrics
	Logger     *slog.Logger
}

// NewPipeline 创建流水线
func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Metrics == nil {
		d.Metrics = core.NewMetrics(nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Pipeline{
		store:      d.Store,
		index:      d.Index,
		prober:     d.Prober,
		extractor:  d.Extractor,
		cutter:     d.Cutter,
		asr:        d.ASR,
		embedder:   d.Embedder,
		segmentDir: d.SegmentDir,
		scratchDir: d.ScratchDir,
		metrics:    d.Metrics,
		logger:     d.Logger,
	}
}

// Run ingests one PENDING video and leaves it COMPLETED or FAILED. The returned
// error is for the dispatcher's logs; the outcome is recorded on the video.
func (p *Pipeline) Run(ctx context.Context, videoID string) (err error) {
	start := time.Now()
	logger := p.logger.With("video_id", videoID)

	video, err := p.store.GetVideo(ctx, videoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", videoID, err)
	}
	if video.Status != core.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, videoID, video.Status)
	}
	if err := p.store.MarkProcessing(ctx, videoID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	logger.Info("ingestion started", "path", video.FilePath)

	stage := core.StageLoad
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", stage, r)
		}
		p.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.fail(ctx, logger, videoID, stage, err)
			return
		}
		p.metrics.IngestRuns.WithLabelValues(string(core.StatusCompleted)).Inc()
		logger.Info("ingestion completed", "elapsed", time.Since(start).Round(time.Millisecond))
	}()

	res, batch, err := p.process(ctx, logger, video, &stage)
	if err != nil {
		return err
	}

	// 索引写入与提交之间不允许重建索引
	release := p.index.HoldWrites()
	defer release()
	stage = core.StageIndex
	p.insertVectors(ctx, logger, res, batch)

	stage = core.StageCommit
	if err := p.store.CommitIngestion(ctx, res); err != nil {
		return fmt.Errorf("commit ingestion: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, videoID string, stage core.Stage, cause error) {
	p.metrics.IngestRuns.WithLabelValues(string(core.StatusFailed)).Inc()
	p.metrics.StageFailures.WithLabelValues(string(stage)).Inc()
	reason := string(stage)
	if ctx.Err() != nil {
		reason = ReasonCancelled
	}
	logger.Error("ingestion failed", "stage", stage, "reason", reason, "err", cause)

	// 取消的上下文也要能写入失败状态
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), videoID, reason); err != nil {
		logger.Error("mark failed", "err", err)
	}
}

func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, video *core.Video, stage *core.Stage) (*core.IngestionResult, vectorBatch, error) {
	var batch vectorBatch
	scratch, err := os.MkdirTemp(p.scratchDir, "ingest-"+video.ID+"-")
	if err != nil {
		return nil, batch, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	// 1. 探测
	*stage = core.StageProbe
	probe, err := p.prober.Probe(ctx, video.FilePath)
	if err != nil {
		return nil, batch, err
	}
	logger.Info("probed", "duration", probe.Duration, "format", probe.Format, "resolution", probe.Resolution())

	// 2. 提取音频
	*stage = core.StageExtract
	audioPath := filepath.Join(scratch, "audio.wav")
	if err := p.extractor.ExtractAudio(ctx, video.FilePath, audioPath); err != nil {
		return nil, batch, err
	}

	// 3. 转写，空结果视为失败
	*stage = core.StageTranscribe
	utterances, err := p.asr.Transcribe(ctx, audioPath)
	if err != nil {
		return nil, batch, err
	}
	if len(utterances) == 0 {
		return nil, batch, &core.TranscriptionError{Path: audioPath, Err: core.ErrEmptyTranscription}
	}
	logger.Info("transcribed", "utterances", len(utterances))

	res := &core.IngestionResult{
		VideoID:     video.ID,
		Probe:       probe,
		Metadata:    map[string]any{"utterances": len(utterances)},
		Transcripts: make([]core.Transcript, 0, len(utterances)),
	}

	// 4. 逐句切片与向量化
	*stage = core.StageCut
	var cutFails, embedFail int
	segDir := filepath.Join(p.segmentDir, video.ID)
	for i, u := range utterances {
		if err := ctx.Err(); err != nil {
			return nil, batch, fmt.Errorf("cancelled at utterance %d: %w", i, err)
		}
		segmentID := utils.NewID()

		outPath := filepath.Join(segDir, SegmentFileName(video.ID, i, video.FilePath))
		if err := p.cutter.Cut(ctx, video.FilePath, u.Start, u.End, outPath); err != nil {
			cutFails++
			p.metrics.StageFailures.WithLabelValues(string(core.StageCut)).Inc()
			logger.Warn("cut failed, keeping text only", "segment_index", i, "err", err)
		} else {
			res.Segments = append(res.Segments, core.VideoSegment{
				ID:          segmentID,
				VideoID:     video.ID,
				StartTime:   u.Start,
				EndTime:     u.End,
				SegmentPath: outPath,
			})
		}

		t := core.Transcript{
			ID:           segmentID,
			VideoID:      video.ID,
			StartTime:    u.Start,
			EndTime:      u.End,
			Text:         u.Text,
			Confidence:   u.Confidence,
			SegmentIndex: i,
		}
		vec, err := p.embedder.Embed(ctx, u.Text)
		if err == nil && len(vec) != p.index.Dimension() {
			err = &core.EmbeddingError{Err: fmt.Errorf("dimension %d, index expects %d", len(vec), p.index.Dimension())}
		}
		if err != nil {
			embedFail++
			p.metrics.StageFailures.WithLabelValues(string(core.StageEmbed)).Inc()
			logger.Warn("embedding failed, transcript will not be searchable", "segment_index", i, "err", err)
		} else {
			vid := segmentID
			t.VectorID = &vid
			t.Embedding = vec
			batch.ids = append(batch.ids, segmentID)
			batch.vecs = append(batch.vecs, vec)
		}
		res.Transcripts = append(res.Transcripts, t)
	}

	res.Metadata["segments_cut"] = len(res.Segments)
	if cutFails > 0 || embedFail > 0 {
		logger.Info("ingestion degraded", "cut_failures", cutFails, "embed_failures", embedFail)
	}
	return res, batch, nil
}

// insertVectors adds the run's embeddings in one batch. When the insert fails
// the transcripts are committed without vector_id.
func (p *Pipeline) insertVectors(ctx context.Context, logger *slog.Logger, res *core.IngestionResult, batch vectorBatch) {
	res.Metadata["vectors_indexed"] = 0
	if len(batch.ids) == 0 {
		return
	}
	if err := p.index.AddBatch(ctx, batch.ids, batch.vecs); err != nil {
		p.metrics.StageFailures.WithLabelValues(string(core.StageIndex)).Inc()
		logger.Error("index batch insert failed, committing without vectors", "entries", len(batch.ids), "err", err)
		for i := range res.Transcripts {
			res.Transcripts[i].VectorID = nil
			res.Transcripts[i].Embedding = nil
		}
		return
	}
	p.metrics.UtterancesIndexed.Add(float64(len(batch.ids)))
	res.Metadata["vectors_indexed"] = len(batch.ids)
}
