package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"videoSearch/core"
	"videoSearch/storage"
)

const (
	// ReasonInterrupted marks a run that was PROCESSING when its process exited.
	ReasonInterrupted = "interrupted"
	// ReasonShutdown marks a queued video dropped by a shutdown.
	ReasonShutdown = "shutdown"
	// ReasonDispatch marks a video that could not be handed to a worker.
	ReasonDispatch = "dispatch"
)

// Recovery finishes videos left non-terminal by an earlier process.
type Recovery struct {
	store  storage.Store
	logger *slog.Logger
}

// NewRecovery 创建启动恢复器
func NewRecovery(store storage.Store, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{store: store, logger: logger}
}

// FailInterrupted marks every PROCESSING video FAILED. Call it before any
// worker can start a run, since no run of this process is in flight yet.
func (r *Recovery) FailInterrupted(ctx context.Context) (int, error) {
	videos, err := r.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, v := range videos {
		if v.Status != core.StatusProcessing {
			continue
		}
		if err := r.store.MarkFailed(ctx, v.ID, ReasonInterrupted); err != nil {
			if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return failed, fmt.Errorf("fail interrupted video %s: %w", v.ID, err)
		}
		r.logger.Warn("interrupted ingestion marked failed", "video_id", v.ID)
		failed++
	}
	return failed, nil
}

// RequeuePending dispatches every PENDING video again. A video the dispatcher
// cannot take is marked FAILED so it does not wait forever.
func (r *Recovery) RequeuePending(ctx context.Context, d core.Dispatcher) (int, error) {
	videos, err := r.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, v := range videos {
		if v.Status != core.StatusPending {
			continue
		}
		err := d.Dispatch(ctx, v.ID)
		switch {
		case err == nil:
			requeued++
		case errors.Is(err, core.ErrAlreadyQueued):
		default:
			r.logger.Error("requeue pending video", "video_id", v.ID, "err", err)
			if err := r.store.MarkFailed(ctx, v.ID, ReasonDispatch); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
				return requeued, fmt.Errorf("fail undispatched video %s: %w", v.ID, err)
			}
		}
	}
	if requeued > 0 {
		r.logger.Info("pending videos requeued", "count", requeued)
	}
	return requeued, nil
}

// MarkDropped records a queued video discarded by a shutdown as FAILED.
func (r *Recovery) MarkDropped(videoID string) {
	if err := r.store.MarkFailed(context.Background(), videoID, ReasonShutdown); err != nil {
		r.logger.Error("mark dropped video failed", "video_id", videoID, "err", err)
	}
}
