package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// rebuildBatch bounds a single AddBatch call during rebuild.
const rebuildBatch = 1024

// Rebuilder 从关系库中保存的台词向量重建内存索引
type Rebuilder struct {
	store  Store
	index  *VectorIndex
	logger *slog.Logger
}

// NewRebuilder 创建索引重建器
func NewRebuilder(store Store, index *VectorIndex, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{store: store, index: index, logger: logger}
}

// Rebuild resets the index and reloads every indexed transcript of COMPLETED
// videos. It returns the number of entries loaded. Ingestion runs that have
// inserted but not yet committed finish first; new ones wait for the reload.
func (r *Rebuilder) Rebuild(ctx context.Context) (int, error) {
	release := r.index.exclusive()
	defer release()

	ids, vecs, err := r.store.IndexedEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load stored embeddings: %w", err)
	}
	if err := r.index.Reset(ctx); err != nil {
		return 0, err
	}

	loaded, skipped := 0, 0
	for start := 0; start < len(ids); start += rebuildBatch {
		end := min(start+rebuildBatch, len(ids))
		batchIDs, batchVecs := make([]string, 0, end-start), make([][]float32, 0, end-start)
		for i := start; i < end; i++ {
			// 维度与当前配置不一致的旧向量无法加入索引
			if len(vecs[i]) != r.index.Dimension() {
				skipped++
				continue
			}
			batchIDs = append(batchIDs, ids[i])
			batchVecs = append(batchVecs, vecs[i])
		}
		if len(batchIDs) == 0 {
			continue
		}
		if err := r.index.AddBatch(ctx, batchIDs, batchVecs); err != nil {
			return loaded, fmt.Errorf("rebuild batch at %d: %w", start, err)
		}
		loaded += len(batchIDs)
	}
	r.logger.Info("vector index rebuilt", "entries", loaded, "skipped", skipped, "backend", r.index.Backend())
	return loaded, nil
}
