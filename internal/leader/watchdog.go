package leader

import (
	"context"
	"sync"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/pkg/telemetry"
)

// Task is a background loop under watchdog supervision. Heartbeats are
// read from the coordination cache under the task's name.
type Task struct {
	Name     string
	Critical bool
	Start    func(ctx context.Context)
	Stop     func()
}

type supervised struct {
	Task
	restarts []time.Time
}

// Watchdog derives per-task health from heartbeat age and restarts
// critical tasks that stall, within a bounded restart budget.
type Watchdog struct {
	cache   *coordination.Cache
	logger  core.ILogger
	metrics *telemetry.Metrics

	checkInterval    time.Duration
	heartbeatTimeout time.Duration
	maxRestarts      int
	restartCooldown  time.Duration
	restartDelay     time.Duration
	now              func() time.Time

	mu      sync.Mutex
	tasks   []*supervised
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWatchdog wires a watchdog over the coordination cache.
func NewWatchdog(cache *coordination.Cache, cfg config.LeaderConfig, logger core.ILogger, metrics *telemetry.Metrics) *Watchdog {
	return &Watchdog{
		cache:            cache,
		logger:           logger.WithField("component", "watchdog"),
		metrics:          metrics,
		checkInterval:    cfg.CheckInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		maxRestarts:      cfg.MaxRestarts,
		restartCooldown:  cfg.RestartCooldown,
		restartDelay:     time.Second,
		now:              time.Now,
	}
}

// SetClock overrides the time source for tests.
func (w *Watchdog) SetClock(now func() time.Time) { w.now = now }

// Register adds a task to the supervision set.
func (w *Watchdog) Register(task Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks = append(w.tasks, &supervised{Task: task})
}

// Start launches the check loop. Idempotent.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.run(loopCtx)
}

// Stop halts the check loop. Supervised tasks are not stopped here;
// the demotion path owns their lifecycle.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// HealthOf maps heartbeat age to a verdict. A task that has never
// beaten is unknown rather than crashed, so freshly started loops get
// no restart churn before their first cycle completes.
func (w *Watchdog) HealthOf(ctx context.Context, name string) core.TaskHealth {
	beat, ok := w.cache.LastHeartbeat(ctx, name)
	if !ok {
		return core.TaskUnknown
	}
	age := w.now().Sub(beat)
	switch {
	case age <= w.heartbeatTimeout/2:
		return core.TaskHealthy
	case age <= w.heartbeatTimeout:
		return core.TaskDegraded
	case age <= 3*w.heartbeatTimeout:
		return core.TaskStalled
	default:
		return core.TaskCrashed
	}
}

// Statuses reports every registered task's current verdict.
func (w *Watchdog) Statuses(ctx context.Context) map[string]core.TaskHealth {
	w.mu.Lock()
	tasks := make([]*supervised, len(w.tasks))
	copy(tasks, w.tasks)
	w.mu.Unlock()

	out := make(map[string]core.TaskHealth, len(tasks))
	for _, t := range tasks {
		out[t.Name] = w.HealthOf(ctx, t.Name)
	}
	return out
}

// RunCycle checks every task once and restarts critical stalled or
// crashed ones that still have budget.
func (w *Watchdog) RunCycle(ctx context.Context) {
	w.mu.Lock()
	tasks := make([]*supervised, len(w.tasks))
	copy(tasks, w.tasks)
	w.mu.Unlock()

	for _, t := range tasks {
		health := w.HealthOf(ctx, t.Name)
		if health != core.TaskStalled && health != core.TaskCrashed {
			continue
		}
		w.logger.Warn("task unhealthy", "task", t.Name, "health", string(health), "critical", t.Critical)
		if t.Critical {
			w.maybeRestart(ctx, t)
		}
	}
}

func (w *Watchdog) maybeRestart(ctx context.Context, t *supervised) {
	now := w.now()
	window := w.restartCooldown * time.Duration(w.maxRestarts)
	cutoff := now.Add(-window)

	kept := t.restarts[:0]
	for _, ts := range t.restarts {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.restarts = kept

	if len(t.restarts) >= w.maxRestarts {
		w.logger.Error("restart budget exhausted, leaving task down",
			"task", t.Name, "restarts", len(t.restarts), "window", window.String())
		return
	}
	if n := len(t.restarts); n > 0 && now.Sub(t.restarts[n-1]) < w.restartCooldown {
		return
	}

	w.logger.Warn("restarting task", "task", t.Name)
	if t.Stop != nil {
		t.Stop()
	}
	time.Sleep(w.restartDelay)
	t.Start(ctx)
	t.restarts = append(t.restarts, now)
	w.metrics.WatchdogRestarts.WithLabelValues(t.Name).Inc()
}
