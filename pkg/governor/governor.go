// Package governor implements the queue, concurrency, rate-limit and
// quota gate that sits in front of the orchestrator (spec.md §4.7),
// grounded on original_source/main.py's TaskGovernor/RateLimiter.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// QueueItem is one FIFO entry, field-for-field the original's QueueItem
// dataclass.
type QueueItem struct {
	TaskID          string
	Description     string
	TemplateID      string
	RequestID       string
	ResumeFromStage string
	ProvidedAnswers map[string]string
}

// ErrQueueFull is returned by Enqueue when MaxQueueDepth would be
// exceeded. The original had no bounded queue (an unbounded
// asyncio.Queue); a production deployment needs a backpressure point so
// a burst of submissions cannot grow the queue without limit.
var ErrQueueFull = errors.New("governor: queue is at max depth")

// Bootstrapper resets crash-interrupted tasks and lists what remains
// queued, so Bootstrap can restore the in-memory queue after a restart.
// Implemented by pkg/persistence.
type Bootstrapper interface {
	ResetProcessingToQueued(ctx context.Context) (int, error)
	ListQueuedTasks(ctx context.Context) ([]QueueItem, error)
}

// RunnerFunc executes one dequeued task. It owns the task's lifecycle
// end to end (loading the Container, driving the orchestrator,
// persisting results); the Governor only bounds how many run at once.
type RunnerFunc func(ctx context.Context, item QueueItem)

// Health reports the Governor's live state, for a /health-style
// endpoint or metrics scrape.
type Health struct {
	QueueDepth    int
	ActiveCount   int
	MaxConcurrent int
	MaxQueueDepth int
}

// Governor is the single-process dispatcher: a bounded queue feeding a
// bounded-concurrency semaphore. Mirrors original_source/main.py's
// TaskGovernor (asyncio.Queue + asyncio.Semaphore + dispatcher loop),
// translated into a buffered channel plus a counting semaphore channel.
type Governor struct {
	maxConcurrent int
	maxQueueDepth int

	queue chan QueueItem
	sem   chan struct{}

	mu      sync.Mutex
	running map[string]struct{}

	runner   RunnerFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	quota       *DailyQuota
	rateLimiter *RateLimiter
}

// New builds a Governor. maxConcurrent defaults to 4 and maxQueueDepth
// to 1000 when given as zero, matching spec.md's default for
// max_concurrent_tasks; a zero maxQueueDepth is NOT treated as
// unbounded, since an unbounded queue is exactly the failure mode
// ErrQueueFull exists to prevent.
func New(maxConcurrent, maxQueueDepth int, quota *DailyQuota, rateLimiter *RateLimiter) *Governor {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if maxQueueDepth <= 0 {
		maxQueueDepth = 1000
	}
	return &Governor{
		maxConcurrent: maxConcurrent,
		maxQueueDepth: maxQueueDepth,
		queue:         make(chan QueueItem, maxQueueDepth),
		sem:           make(chan struct{}, maxConcurrent),
		running:       make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		quota:         quota,
		rateLimiter:   rateLimiter,
	}
}

// Start launches the dispatcher loop. Safe to call once; subsequent
// calls are no-ops, matching TaskGovernor.start's idempotence.
func (g *Governor) Start(ctx context.Context, runner RunnerFunc) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.runner = runner
	g.mu.Unlock()

	g.wg.Add(1)
	go g.dispatch(ctx)
}

// Stop signals the dispatcher to exit after the current iteration and
// waits for in-flight runners dispatched by it to be handed off (it
// does not cancel already-running tasks; the caller's ctx does that).
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Enqueue appends item to the FIFO queue, or returns ErrQueueFull if
// the queue is already at MaxQueueDepth.
func (g *Governor) Enqueue(item QueueItem) error {
	select {
	case g.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Bootstrap resets any tasks left in "processing" state by a prior
// crash back to "queued", then re-enqueues every queued task. Returns
// the number of tasks re-enqueued.
func (g *Governor) Bootstrap(ctx context.Context, b Bootstrapper) (int, error) {
	reset, err := b.ResetProcessingToQueued(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		slog.Info("governor: reset processing tasks back to queued", "count", reset)
	}

	items, err := b.ListQueuedTasks(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := g.Enqueue(item); err != nil {
			slog.Error("governor: failed to re-enqueue task on bootstrap", "task_id", item.TaskID, "error", err)
			continue
		}
	}
	return len(items), nil
}

func (g *Governor) dispatch(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case item := <-g.queue:
			select {
			case g.sem <- struct{}{}:
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			}
			g.mu.Lock()
			g.running[item.TaskID] = struct{}{}
			g.mu.Unlock()

			g.wg.Add(1)
			go g.execute(ctx, item)
		}
	}
}

func (g *Governor) execute(ctx context.Context, item QueueItem) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.running, item.TaskID)
		g.mu.Unlock()
		<-g.sem
	}()

	runner := g.runner
	if runner == nil {
		return
	}
	runner(ctx, item)
}

// Health reports the Governor's current depth/occupancy.
func (g *Governor) Health() Health {
	g.mu.Lock()
	active := len(g.running)
	g.mu.Unlock()
	return Health{
		QueueDepth:    len(g.queue),
		ActiveCount:   active,
		MaxConcurrent: g.maxConcurrent,
		MaxQueueDepth: g.maxQueueDepth,
	}
}

// IsRunning reports whether taskID currently holds a concurrency slot.
func (g *Governor) IsRunning(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[taskID]
	return ok
}
