// Package executor schedules validated tasks onto the external execution
// engine with bounded concurrency and a bounded FIFO queue. Admission
// decisions happen once, at enqueue time, in the dispatch layer; the
// executor itself never discards an admitted task without producing a
// terminal result.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/engine"
	"github.com/meshcompute/compute-node/internal/model"
	"github.com/meshcompute/compute-node/internal/storage"
)

// Config bounds the executor. QueueDepth must be >= MaxConcurrent.
type Config struct {
	MaxConcurrent int
	QueueDepth    int
	// TaskTimeout is the per-task wall-clock limit, independent of the
	// request's own deadline; the tighter of the two governs.
	TaskTimeout time.Duration
}

type pendingTask struct {
	req   *model.TaskRequest
	stats model.TaskStats
	// done receives exactly one terminal result. Buffered so a late result
	// for a caller that stopped waiting is discarded, not blocked on.
	done chan *model.TaskResult
}

type engineOutcome struct {
	output []byte
	err    error
}

// Executor runs at most MaxConcurrent tasks at once; tasks beyond that but
// within QueueDepth wait in arrival order.
type Executor struct {
	logger  *zap.Logger
	cfg     Config
	eng     engine.Engine
	history storage.TaskHistoryStorage

	queue     chan *pendingTask
	running   atomic.Int64
	completed atomic.Uint64

	// closedMu serializes admission against the shutdown flag flip so no
	// task can slip into the queue after the final drain.
	closedMu sync.RWMutex
	closed   bool

	cancel  context.CancelFunc
	workers sync.WaitGroup
	tasks   sync.WaitGroup
}

// New creates an executor. history may be nil to skip result persistence.
func New(eng engine.Engine, cfg Config, logger *zap.Logger, history storage.TaskHistoryStorage) (*Executor, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, errors.New("executor: max concurrent must be at least 1")
	}
	if cfg.QueueDepth < cfg.MaxConcurrent {
		return nil, errors.New("executor: queue depth must be >= max concurrent")
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	return &Executor{
		logger:  logger.Named("executor"),
		cfg:     cfg,
		eng:     eng,
		history: history,
		queue:   make(chan *pendingTask, cfg.QueueDepth),
	}, nil
}

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.cfg.MaxConcurrent; i++ {
		e.workers.Add(1)
		go e.worker(ctx)
	}
	e.logger.Info("Executor started",
		zap.Int("max_concurrent", e.cfg.MaxConcurrent),
		zap.Int("queue_depth", e.cfg.QueueDepth))
}

// Submit enqueues a validated task without blocking. The returned channel
// delivers exactly one terminal result. ErrQueueFull signals backpressure;
// ErrShuttingDown signals that admission has stopped.
func (e *Executor) Submit(req *model.TaskRequest, receivedAt time.Time) (<-chan *model.TaskResult, error) {
	e.closedMu.RLock()
	defer e.closedMu.RUnlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	p := &pendingTask{
		req:   req,
		stats: model.TaskStats{ReceivedAt: receivedAt},
		done:  make(chan *model.TaskResult, 1),
	}
	e.tasks.Add(1)
	select {
	case e.queue <- p:
		return p.done, nil
	default:
		e.tasks.Done()
		return nil, ErrQueueFull
	}
}

// QueueDepth reports queued plus running tasks, for heartbeat metadata.
func (e *Executor) QueueDepth() int {
	return len(e.queue) + int(e.running.Load())
}

// Completed reports the cumulative number of terminal results produced.
func (e *Executor) Completed() uint64 {
	return e.completed.Load()
}

func (e *Executor) worker(ctx context.Context) {
	defer e.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-e.queue:
			e.run(ctx, p)
		}
	}
}

// run invokes the engine for one task and always produces exactly one
// terminal result, releasing exactly one concurrency slot.
func (e *Executor) run(ctx context.Context, p *pendingTask) {
	e.running.Add(1)
	defer e.running.Add(-1)
	defer e.tasks.Done()

	p.stats.StartedAt = time.Now()
	deadline := p.stats.StartedAt.Add(e.cfg.TaskTimeout)
	if !p.req.Deadline.IsZero() && p.req.Deadline.Before(deadline) {
		deadline = p.req.Deadline
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// The engine runs in its own goroutine so an engine that ignores
	// cancellation is abandoned rather than wedging the slot. The buffered
	// channel lets its eventual result be discarded.
	outcome := make(chan engineOutcome, 1)
	go func() {
		out, err := e.eng.Execute(cctx, p.req.Workflow, p.req.Model)
		outcome <- engineOutcome{output: out, err: err}
	}()

	var res *model.TaskResult
	select {
	case o := <-outcome:
		res = e.resultFor(ctx, cctx, p, o)
	case <-cctx.Done():
		p.stats.CompletedAt = time.Now()
		if ctx.Err() != nil {
			res = model.NewFailedResult(p.req.ID, model.ReasonShutdown, p.stats)
		} else {
			res = model.NewFailedResult(p.req.ID, model.ReasonTimeout, p.stats)
		}
	}
	res.Model = p.req.Model

	e.completed.Add(1)
	e.record(res)
	p.done <- res
}

func (e *Executor) resultFor(ctx, cctx context.Context, p *pendingTask, o engineOutcome) *model.TaskResult {
	p.stats.CompletedAt = time.Now()
	if o.err == nil {
		return &model.TaskResult{
			ID:     p.req.ID,
			Status: model.TaskStatusSuccess,
			Output: o.output,
			Stats:  p.stats,
		}
	}
	if ctx.Err() != nil {
		return model.NewFailedResult(p.req.ID, model.ReasonShutdown, p.stats)
	}
	if cctx.Err() == context.DeadlineExceeded {
		return model.NewFailedResult(p.req.ID, model.ReasonTimeout, p.stats)
	}
	reason := o.err.Error()
	var f *engine.Failure
	if errors.As(o.err, &f) {
		reason = f.Reason()
	}
	e.logger.Warn("Task failed",
		zap.String("task_id", p.req.ID),
		zap.String("reason", reason))
	return model.NewFailedResult(p.req.ID, reason, p.stats)
}

// Shutdown stops admission immediately, gives in-flight tasks the grace
// period to finish, then force-fails whatever remains with reason
// "shutdown". Safe to call once; later calls are no-ops.
func (e *Executor) Shutdown(grace time.Duration) {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return
	}
	e.closed = true
	e.closedMu.Unlock()
	e.logger.Info("Executor shutting down", zap.Duration("grace", grace))

	finished := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		e.logger.Warn("Shutdown grace period elapsed, force-failing remaining tasks")
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.workers.Wait()

	// Queued tasks that never reached a worker still get their one result.
	for {
		select {
		case p := <-e.queue:
			p.stats.CompletedAt = time.Now()
			res := model.NewFailedResult(p.req.ID, model.ReasonShutdown, p.stats)
			res.Model = p.req.Model
			e.completed.Add(1)
			e.record(res)
			p.done <- res
			e.tasks.Done()
		default:
			e.logger.Info("Executor stopped",
				zap.Uint64("tasks_completed", e.completed.Load()))
			return
		}
	}
}

func (e *Executor) record(res *model.TaskResult) {
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := &storage.TaskRecord{
		ID:          uuid.New().String(),
		TaskID:      res.ID,
		Model:       res.Model,
		Status:      res.Status,
		Reason:      res.Reason,
		ReceivedAt:  res.Stats.ReceivedAt,
		StartedAt:   res.Stats.StartedAt,
		CompletedAt: res.Stats.CompletedAt,
	}
	if !rec.StartedAt.IsZero() && !rec.CompletedAt.IsZero() {
		rec.Duration = rec.CompletedAt.Sub(rec.StartedAt)
	}
	if err := e.history.Store(ctx, rec); err != nil {
		e.logger.Error("Failed to store task history",
			zap.String("task_id", res.ID),
			zap.Error(err))
	}
}
