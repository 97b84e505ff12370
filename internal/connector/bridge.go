package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"kite-connector/internal/logging"
	"kite-connector/internal/session"
)

// Task is a unit of work run on the bridge worker. ctx carries the bridge's
// own scope, so every task reuses the transports bound to it.
type Task func(ctx context.Context)

// Bridge runs work submitted from callers that cannot wait, such as ticker
// callbacks, on exactly one worker goroutine. One worker means one
// scheduling scope and never two rebinds racing.
type Bridge struct {
	tasks  chan Task
	scope  *session.Scope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu      sync.RWMutex
	running bool

	tasksTotal atomic.Uint64
	tasksDone  atomic.Uint64
	rejected   atomic.Uint64
}

// BridgeStats contains bridge statistics.
type BridgeStats struct {
	Running    bool
	TasksTotal uint64
	TasksDone  uint64
	Rejected   uint64
	QueueLen   int
}

// NewBridge creates a stopped bridge whose queue holds up to queue tasks.
func NewBridge(queue int, logger zerolog.Logger) *Bridge {
	if queue <= 0 {
		queue = 100
	}
	scope, cancel := session.NewScope(context.Background())
	return &Bridge{
		tasks:  make(chan Task, queue),
		scope:  scope,
		ctx:    session.WithScope(scope.Context(), scope),
		cancel: cancel,
		logger: logging.WithComponent(logger, "bridge"),
	}
}

// Start starts the worker. Starting a running or stopped bridge is a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running || b.ctx.Err() != nil {
		return
	}
	b.running = true
	b.wg.Add(1)
	go b.worker()
}

func (b *Bridge) worker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			// Tasks already queued still run, with a cancelled context, so
			// their callbacks are told why they failed.
			for {
				select {
				case task := <-b.tasks:
					b.run(task)
				default:
					return
				}
			}
		case task := <-b.tasks:
			b.run(task)
		}
	}
}

func (b *Bridge) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("Bridge task panicked")
		}
		b.tasksDone.Add(1)
	}()
	task(b.ctx)
}

// Submit queues task. It returns false if the bridge is not running or the
// queue is full.
func (b *Bridge) Submit(task Task) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		b.rejected.Add(1)
		return false
	}

	select {
	case b.tasks <- task:
		b.tasksTotal.Add(1)
		return true
	default:
		b.rejected.Add(1)
		b.logger.Warn().Int("queue_len", len(b.tasks)).Msg("Bridge queue full, task rejected")
		return false
	}
}

// SubmitWait queues task and waits for it to finish or for ctx to end.
func (b *Bridge) SubmitWait(ctx context.Context, task Task) error {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		task(ctx)
	}
	if !b.Submit(wrapped) {
		return ErrBridgeUnavailable
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the bridge's scope and waits for the worker to drain the queue.
// A stopped bridge cannot be restarted.
func (b *Bridge) Stop() {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	b.mu.Unlock()

	b.cancel()
	if wasRunning {
		b.wg.Wait()
	}
}

// ScopeID returns the identity of the scope every task runs in.
func (b *Bridge) ScopeID() string { return b.scope.ID() }

// Stats returns bridge statistics.
func (b *Bridge) Stats() BridgeStats {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	return BridgeStats{
		Running:    running,
		TasksTotal: b.tasksTotal.Load(),
		TasksDone:  b.tasksDone.Load(),
		Rejected:   b.rejected.Load(),
		QueueLen:   len(b.tasks),
	}
}
