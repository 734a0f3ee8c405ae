// Package scheduler runs the fixed-interval polling loop over the scheduled
// task queue. One logical worker: it is the sole writer of task status and the
// sole executor of task bodies, which is what lets the store get away without
// transition validation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mepsopti/sprout-mcp/internal/db"
)

// DefaultInterval is the reference poll interval.
const DefaultInterval = 60 * time.Second

// TaskFunc executes one scheduled task. The returned string is the recorded
// result on success; a non-nil error marks the task failed with the error text
// as its result. Errors never propagate past the task they belong to.
type TaskFunc func(ctx context.Context, params map[string]any) (string, error)

// Loop polls the task store and executes due tasks through a name-keyed
// registry. Tasks within a cycle run sequentially; error isolation is
// per-task.
type Loop struct {
	store    *db.DB
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	registry map[string]TaskFunc
}

// New creates a Loop polling at the given interval (DefaultInterval if zero).
func New(store *db.DB, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:    store,
		interval: interval,
		logger:   logger,
		registry: make(map[string]TaskFunc),
	}
}

// Register adds (or replaces) a task kind resolvable by name.
func (l *Loop) Register(name string, fn TaskFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registry[name] = fn
}

func (l *Loop) lookup(name string) (TaskFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.registry[name]
	return fn, ok
}

// Run polls until ctx is cancelled. A cycle runs immediately on start, then on
// every tick. The loop never terminates on an error: store failures are logged
// at cycle level and retried next tick.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("scheduler loop started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.RunCycle(ctx, time.Now().UTC())

		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one poll-and-execute pass: fetch pending tasks, execute
// every one whose run time has arrived, record outcomes. Exposed so the serve
// path and tests can drive cycles without the ticker.
func (l *Loop) RunCycle(ctx context.Context, now time.Time) {
	pending, err := l.store.PendingTasks()
	if err != nil {
		l.logger.Error("scheduler cycle failed", "error", err)
		return
	}

	for _, task := range pending {
		if ctx.Err() != nil {
			return
		}
		// Stored run times are naive-normalized to UTC already.
		if task.RunAt.After(now) {
			continue
		}
		l.executeTask(ctx, task)
	}
}

// executeTask drives one task through pending → running → completed|failed and
// appends the audit run record. A failing body marks this task failed and
// nothing else.
func (l *Loop) executeTask(ctx context.Context, task db.ScheduledTask) {
	l.logger.Info("executing task", "id", task.ID, "name", task.TaskName)

	if err := l.store.SetTaskStatus(task.ID, db.TaskRunning); err != nil {
		l.logger.Error("claiming task failed", "id", task.ID, "error", err)
		return
	}

	result, err := l.runBody(ctx, task)
	if err != nil {
		msg := err.Error()
		if serr := l.store.SetTaskStatus(task.ID, db.TaskFailed); serr != nil {
			l.logger.Error("recording task failure status", "id", task.ID, "error", serr)
		}
		if serr := l.store.AppendTaskRun(task.ID, task.TaskName, db.TaskFailed, &msg); serr != nil {
			l.logger.Error("appending task run", "id", task.ID, "error", serr)
		}
		l.logger.Error("task failed", "id", task.ID, "name", task.TaskName, "error", err)
		return
	}

	if serr := l.store.SetTaskStatus(task.ID, db.TaskCompleted); serr != nil {
		l.logger.Error("recording task completion status", "id", task.ID, "error", serr)
	}
	if serr := l.store.AppendTaskRun(task.ID, task.TaskName, db.TaskCompleted, &result); serr != nil {
		l.logger.Error("appending task run", "id", task.ID, "error", serr)
	}
	l.logger.Info("task completed", "id", task.ID, "name", task.TaskName)
}

// runBody resolves and runs the task function, converting panics into plain
// failures so one bad task body cannot take down the loop.
func (l *Loop) runBody(ctx context.Context, task db.ScheduledTask) (result string, err error) {
	fn, ok := l.lookup(task.TaskName)
	if !ok {
		return fmt.Sprintf("Unknown task: %s", task.TaskName), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, task.TaskParams)
}
