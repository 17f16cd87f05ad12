package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Dispatcher hands a stored video to the ingestion pipeline without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, videoID string) error
}

// IngestHandler runs one ingestion for videoID.
type IngestHandler func(ctx context.Context, videoID string) error

// DropHandler is told about a job that was accepted but never started.
type DropHandler func(videoID string)

var (
	// ErrPoolStopped is returned by Dispatch after Stop.
	ErrPoolStopped = errors.New("ingest pool stopped")
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrAlreadyQueued is returned when the video already has a pending or running job.
	ErrAlreadyQueued = errors.New("video already queued")
)

// IngestJob 一次入库任务
type IngestJob struct {
	VideoID   string
	Submitted time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// IngestPool 并发入库工作池
type IngestPool struct {
	maxWorkers int
	jobQueue   chan *IngestJob
	workerPool chan chan *IngestJob
	quit       chan struct{}
	workers    sync.WaitGroup
	pending    sync.WaitGroup

	mu      sync.RWMutex
	active  map[string]*IngestJob
	stopped bool

	handler IngestHandler
	onDrop  DropHandler
	metrics *Metrics
	logger  *slog.Logger
}

// NewIngestPool 创建工作池；maxWorkers<=0 时使用 CPU 数
func NewIngestPool(maxWorkers, queueSize int, handler IngestHandler, metrics *Metrics, logger *slog.Logger) *IngestPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 64
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestPool{
		maxWorkers: maxWorkers,
		jobQueue:   make(chan *IngestJob, queueSize),
		workerPool: make(chan chan *IngestJob, maxWorkers),
		quit:       make(chan struct{}),
		active:     make(map[string]*IngestJob),
		handler:    handler,
		metrics:    metrics,
		logger:     logger,
	}
}

// OnDrop registers fn for jobs discarded by Stop before they ran. Call it before Start.
func (p *IngestPool) OnDrop(fn DropHandler) {
	p.onDrop = fn
}

// Start 启动工作协程和调度器
func (p *IngestPool) Start() {
	p.logger.Info("starting ingest pool", "workers", p.maxWorkers)
	for i := 0; i < p.maxWorkers; i++ {
		w := &ingestWorker{
			id:         i + 1,
			jobChannel: make(chan *IngestJob),
			pool:       p,
		}
		w.start()
	}
	p.workers.Add(1)
	go p.dispatch()
}

// Stop cancels running jobs and waits for the workers to exit.
// Jobs still waiting in the queue are dropped and reported to the drop handler.
func (p *IngestPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, job := range p.active {
		job.cancel()
	}
	p.mu.Unlock()

	close(p.quit)
	p.workers.Wait()
drain:
	for {
		select {
		case job := <-p.jobQueue:
			p.metrics.QueueDepth.Dec()
			p.drop(job)
		default:
			break drain
		}
	}
	p.logger.Info("ingest pool stopped")
}

// Wait blocks until every dispatched job has finished.
func (p *IngestPool) Wait() {
	p.pending.Wait()
}

// Dispatch 提交入库任务
func (p *IngestPool) Dispatch(_ context.Context, videoID string) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if _, exists := p.active[videoID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, videoID)
	}
	// 任务上下文独立于请求上下文，请求结束后任务继续执行
	ctx, cancel := context.WithCancel(context.Background())
	job := &IngestJob{VideoID: videoID, Submitted: time.Now(), ctx: ctx, cancel: cancel}
	p.active[videoID] = job
	p.pending.Add(1)
	p.mu.Unlock()

	p.metrics.QueueDepth.Inc()
	select {
	case p.jobQueue <- job:
		p.logger.Info("ingest job queued", "video_id", videoID)
		return nil
	default:
		p.metrics.QueueDepth.Dec()
		p.finish(job)
		return fmt.Errorf("%w: %s", ErrQueueFull, videoID)
	}
}

// Active 返回正在排队或执行的视频 ID
func (p *IngestPool) Active() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// dispatch takes a job off the queue only once a worker is free, so the queue
// buffer bounds the number of waiting jobs.
func (p *IngestPool) dispatch() {
	defer p.workers.Done()
	for {
		var jobChannel chan *IngestJob
		select {
		case jobChannel = <-p.workerPool:
		case <-p.quit:
			return
		}

		select {
		case job := <-p.jobQueue:
			p.metrics.QueueDepth.Dec()
			select {
			case jobChannel <- job:
			case <-p.quit:
				p.drop(job)
				return
			}
		case <-p.quit:
			return
		}
	}
}

func (p *IngestPool) drop(job *IngestJob) {
	p.logger.Warn("ingest job dropped", "video_id", job.VideoID)
	if p.onDrop != nil {
		p.onDrop(job.VideoID)
	}
	p.finish(job)
}

func (p *IngestPool) finish(job *IngestJob) {
	job.cancel()
	p.mu.Lock()
	delete(p.active, job.VideoID)
	p.mu.Unlock()
	p.pending.Done()
}

// ingestWorker 工作协程
type ingestWorker struct {
	id         int
	jobChannel chan *IngestJob
	pool       *IngestPool
}

func (w *ingestWorker) start() {
	w.pool.workers.Add(1)
	go func() {
		defer w.pool.workers.Done()
		for {
			// 将工作协程注册到工作池
			select {
			case w.pool.workerPool <- w.jobChannel:
			case <-w.pool.quit:
				return
			}

			select {
			case job := <-w.jobChannel:
				w.process(job)
			case <-w.pool.quit:
				return
			}
		}
	}()
}

func (w *ingestWorker) process(job *IngestJob) {
	p := w.pool
	if job.ctx.Err() != nil {
		p.drop(job)
		return
	}
	defer p.finish(job)

	start := time.Now()
	p.logger.Info("ingest job started", "worker", w.id, "video_id", job.VideoID,
		"waited", start.Sub(job.Submitted).Round(time.Millisecond))

	err := w.run(job)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Error("ingest job failed", "worker", w.id, "video_id", job.VideoID,
			"stage", StageOf(err, StageLoad), "elapsed", elapsed, "err", err)
		return
	}
	p.logger.Info("ingest job finished", "worker", w.id, "video_id", job.VideoID, "elapsed", elapsed)
}

func (w *ingestWorker) run(job *IngestJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest handler panic: %v", r)
		}
	}()
	return w.pool.handler(job.ctx, job.VideoID)
}
