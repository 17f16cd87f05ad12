package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"videoSearch/core"
)

var (
	// ErrIndexNotInitialized is wrapped by an IndexError when the index is used before Init.
	ErrIndexNotInitialized = errors.New("vector index not initialized")
	errEmptyBatch          = errors.New("empty batch")
)

// Hit 一条相似度检索结果
type Hit struct {
	ID    string
	Score float32
}

// indexBackend stores vectors by position. Positions are assigned densely in
// insertion order starting at 0; the index keeps the matching id slice.
type indexBackend interface {
	name() string
	// add appends vecs at positions start..start+len(vecs)-1.
	add(ctx context.Context, start int, vecs [][]float32) error
	// search returns positions and inner-product scores, best first.
	search(ctx context.Context, query []float32, k int) ([]int, []float32, error)
	reset(ctx context.Context) error
	close() error
}

// IndexOptions 向量索引配置
type IndexOptions struct {
	Dimension        int
	Backend          string // "flat", "milvus" or "auto"
	MilvusAddr       string
	MilvusCollection string
}

// VectorIndex is the append-only similarity index shared by ingestion and retrieval.
// Writers are serialized; searches run concurrently.
type VectorIndex struct {
	mu      sync.RWMutex
	opts    IndexOptions
	backend indexBackend
	ids     []string

	// writes orders an ingestion's insert-then-commit window against rebuilds.
	writes sync.RWMutex

	metrics *core.Metrics
	logger  *slog.Logger
}

// NewVectorIndex constructs an index; call Init before use.
func NewVectorIndex(opts IndexOptions, metrics *core.Metrics, logger *slog.Logger) *VectorIndex {
	if opts.Backend == "" {
		opts.Backend = "flat"
	}
	if metrics == nil {
		metrics = core.NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndex{opts: opts, metrics: metrics, logger: logger}
}

// Init picks and prepares the backend. With "auto", a Milvus setup failure falls
// back to the in-process flat scan. Calling Init again after success is a no-op.
func (x *VectorIndex) Init(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.backend != nil {
		return nil
	}
	if x.opts.Dimension <= 0 {
		return &core.IndexError{Op: "init", Err: fmt.Errorf("invalid dimension %d", x.opts.Dimension)}
	}

	switch x.opts.Backend {
	case "flat":
		x.backend = newFlatBackend(x.opts.Dimension)
	case "milvus", "auto":
		b, err := newMilvusBackend(ctx, x.opts.MilvusAddr, x.opts.MilvusCollection, x.opts.Dimension)
		if err != nil {
			if x.opts.Backend == "milvus" {
				return &core.IndexError{Op: "init", Err: err}
			}
			x.logger.Warn("milvus index unavailable, using flat index", "addr", x.opts.MilvusAddr, "err", err)
			x.backend = newFlatBackend(x.opts.Dimension)
			break
		}
		x.backend = b
	default:
		return &core.IndexError{Op: "init", Err: fmt.Errorf("unknown backend %q", x.opts.Backend)}
	}
	x.ids = nil
	x.metrics.IndexSize.Set(0)
	x.logger.Info("vector index ready", "backend", x.backend.name(), "dimension", x.opts.Dimension)
	return nil
}

// HoldWrites blocks rebuilds until release is called. Ingestion holds it from
// its batch insert through the relational commit, so a rebuild never snapshots
// the store after the insert but before the commit.
func (x *VectorIndex) HoldWrites() (release func()) {
	x.writes.RLock()
	return x.writes.RUnlock
}

// exclusive waits for every held write window to close and keeps new ones out.
func (x *VectorIndex) exclusive() (release func()) {
	x.writes.Lock()
	return x.writes.Unlock
}

// Backend names the active backend, or "" before Init.
func (x *VectorIndex) Backend() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.backend == nil {
		return ""
	}
	return x.backend.name()
}

// Dimension 向量维度
func (x *VectorIndex) Dimension() int { return x.opts.Dimension }

// Len 当前条目数
func (x *VectorIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

func (x *VectorIndex) checkVector(vec []float32) error {
	if vec == nil {
		return errors.New("nil vector")
	}
	if len(vec) != x.opts.Dimension {
		return fmt.Errorf("vector dimension %d, want %d", len(vec), x.opts.Dimension)
	}
	return nil
}

// Add appends one entry.
func (x *VectorIndex) Add(ctx context.Context, id string, vec []float32) error {
	if err := x.checkVector(vec); err != nil {
		return &core.IndexError{Op: "add", Err: err}
	}
	return x.append(ctx, "add", []string{id}, [][]float32{vec})
}

// AddBatch appends all entries or none. Empty input, mismatched lengths or any
// bad vector is rejected before anything is written.
func (x *VectorIndex) AddBatch(ctx context.Context, ids []string, vecs [][]float32) error {
	if len(ids) == 0 || len(vecs) == 0 {
		return &core.IndexError{Op: "add_batch", Err: errEmptyBatch}
	}
	if len(ids) != len(vecs) {
		return &core.IndexError{Op: "add_batch", Err: fmt.Errorf("%d ids for %d vectors", len(ids), len(vecs))}
	}
	for i, vec := range vecs {
		if err := x.checkVector(vec); err != nil {
			return &core.IndexError{Op: "add_batch", Err: fmt.Errorf("entry %d (%s): %w", i, ids[i], err)}
		}
	}
	return x.append(ctx, "add_batch", ids, vecs)
}

func (x *VectorIndex) append(ctx context.Context, op string, ids []string, vecs [][]float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.backend == nil {
		return &core.IndexError{Op: op, Err: ErrIndexNotInitialized}
	}
	start := len(x.ids)
	if err := x.backend.add(ctx, start, vecs); err != nil {
		return &core.IndexError{Op: op, Err: err}
	}
	x.ids = append(x.ids, ids...)
	x.metrics.IndexSize.Set(float64(len(x.ids)))
	return nil
}

// Search returns up to min(k, Len()) hits by descending inner product.
// An empty index yields an empty slice.
func (x *VectorIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := x.checkVector(query); err != nil {
		return nil, &core.IndexError{Op: "search", Err: err}
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.backend == nil {
		return nil, &core.IndexError{Op: "search", Err: ErrIndexNotInitialized}
	}
	if k <= 0 || len(x.ids) == 0 {
		return []Hit{}, nil
	}
	if k > len(x.ids) {
		k = len(x.ids)
	}
	positions, scores, err := x.backend.search(ctx, query, k)
	if err != nil {
		return nil, &core.IndexError{Op: "search", Err: err}
	}
	hits := make([]Hit, 0, len(positions))
	for i, pos := range positions {
		if pos < 0 || pos >= len(x.ids) {
			continue
		}
		hits = append(hits, Hit{ID: x.ids[pos], Score: scores[i]})
	}
	return hits, nil
}

// Reset clears every entry. Used by rebuilds and tests.
func (x *VectorIndex) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.backend == nil {
		return &core.IndexError{Op: "reset", Err: ErrIndexNotInitialized}
	}
	if err := x.backend.reset(ctx); err != nil {
		return &core.IndexError{Op: "reset", Err: err}
	}
	x.ids = nil
	x.metrics.IndexSize.Set(0)
	return nil
}

// Close releases the backend.
func (x *VectorIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.backend == nil {
		return nil
	}
	err := x.backend.close()
	x.backend = nil
	x.ids = nil
	return err
}
