package leader

import (
	"context"
	"testing"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/pkg/logging"
	"spot_trader/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watchdogFixture struct {
	watchdog *Watchdog
	coord    *coordination.LocalCoordinator
	cache    *coordination.Cache
	now      time.Time
}

func newWatchdogFixture(t *testing.T, cfg config.LeaderConfig) *watchdogFixture {
	t.Helper()
	coord := coordination.NewLocalCoordinator()
	f := &watchdogFixture{
		coord: coord,
		cache: coordination.NewCache(coord),
		now:   time.Now().UTC(),
	}
	f.watchdog = NewWatchdog(f.cache, cfg, logging.NewNopLogger(), telemetry.NewTestMetrics())
	f.watchdog.SetClock(func() time.Time { return f.now })
	f.watchdog.restartDelay = 0
	return f
}

// beatAt backdates a heartbeat relative to the fixture clock.
func (f *watchdogFixture) beatAt(t *testing.T, service string, age time.Duration) {
	t.Helper()
	ts := f.now.Add(-age).Format(time.RFC3339Nano)
	require.NoError(t, f.coord.Set(context.Background(), "health:"+service, ts, time.Hour))
}

type countingTask struct {
	starts int
	stops  int
}

func (c *countingTask) task(name string, critical bool) Task {
	return Task{
		Name:     name,
		Critical: critical,
		Start:    func(ctx context.Context) { c.starts++ },
		Stop:     func() { c.stops++ },
	}
}

func TestHealthVerdictFollowsHeartbeatAge(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, config.Default().Leader) // 120s timeout

	f.beatAt(t, "fresh", 30*time.Second)
	f.beatAt(t, "lagging", 90*time.Second)
	f.beatAt(t, "stalled", 200*time.Second)
	f.beatAt(t, "gone", 400*time.Second)

	assert.Equal(t, core.TaskHealthy, f.watchdog.HealthOf(ctx, "fresh"))
	assert.Equal(t, core.TaskDegraded, f.watchdog.HealthOf(ctx, "lagging"))
	assert.Equal(t, core.TaskStalled, f.watchdog.HealthOf(ctx, "stalled"))
	assert.Equal(t, core.TaskCrashed, f.watchdog.HealthOf(ctx, "gone"))
	assert.Equal(t, core.TaskUnknown, f.watchdog.HealthOf(ctx, "never-registered"))
}

func TestRestartsCriticalStalledTask(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, config.Default().Leader)

	var task countingTask
	f.watchdog.Register(task.task("risk_engine", true))
	f.beatAt(t, "risk_engine", 200*time.Second)

	f.watchdog.RunCycle(ctx)
	assert.Equal(t, 1, task.stops)
	assert.Equal(t, 1, task.starts)
}

func TestHealthyTaskIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, config.Default().Leader)

	var task countingTask
	f.watchdog.Register(task.task("queue_manager", true))
	f.beatAt(t, "queue_manager", 10*time.Second)

	f.watchdog.RunCycle(ctx)
	assert.Zero(t, task.starts)
}

func TestNonCriticalTaskNeverRestarted(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, config.Default().Leader)

	var task countingTask
	f.watchdog.Register(task.task("dashboard_refresh", false))
	f.beatAt(t, "dashboard_refresh", 400*time.Second)

	f.watchdog.RunCycle(ctx)
	assert.Zero(t, task.starts)
}

func TestRestartCooldownGate(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Leader
	cfg.RestartCooldown = time.Minute
	f := newWatchdogFixture(t, cfg)

	var task countingTask
	f.watchdog.Register(task.task("fill_monitor", true))
	f.beatAt(t, "fill_monitor", 200*time.Second)

	f.watchdog.RunCycle(ctx)
	require.Equal(t, 1, task.starts)

	// Still inside the cooldown: no second restart yet.
	f.now = f.now.Add(10 * time.Second)
	f.watchdog.RunCycle(ctx)
	assert.Equal(t, 1, task.starts)

	f.now = f.now.Add(55 * time.Second)
	f.watchdog.RunCycle(ctx)
	assert.Equal(t, 2, task.starts)
}

func TestRestartBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Leader
	cfg.MaxRestarts = 2
	cfg.RestartCooldown = time.Minute
	f := newWatchdogFixture(t, cfg)

	var task countingTask
	f.watchdog.Register(task.task("risk_engine", true))
	f.beatAt(t, "risk_engine", 200*time.Second)

	f.watchdog.RunCycle(ctx)
	f.now = f.now.Add(time.Minute)
	f.watchdog.RunCycle(ctx)
	require.Equal(t, 2, task.starts)

	// Both restarts still sit inside the 2-minute budget window.
	f.now = f.now.Add(time.Minute)
	f.watchdog.RunCycle(ctx)
	assert.Equal(t, 2, task.starts)
}

func TestStatusesReportsAllRegisteredTasks(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, config.Default().Leader)

	var a, b countingTask
	f.watchdog.Register(a.task("queue_manager", true))
	f.watchdog.Register(b.task("fill_monitor", true))
	f.beatAt(t, "queue_manager", 10*time.Second)

	statuses := f.watchdog.Statuses(ctx)
	assert.Equal(t, core.TaskHealthy, statuses["queue_manager"])
	assert.Equal(t, core.TaskUnknown, statuses["fill_monitor"])
}
