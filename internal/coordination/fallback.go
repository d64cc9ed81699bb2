package coordination

import (
	"context"
	"time"

	"spot_trader/internal/core"
	"spot_trader/pkg/telemetry"
)

// FallbackCoordinator prefers the distributed backend and degrades to a
// process-local coordinator on backend failure. Cache reads degrade to
// misses; lock operations degrade to local mutexes, trading
// multi-process safety for availability on the affected resource.
type FallbackCoordinator struct {
	primary core.ICoordinator
	local   *LocalCoordinator
	logger  core.ILogger
	metrics *telemetry.Metrics
}

// NewFallbackCoordinator wraps a primary coordinator.
func NewFallbackCoordinator(primary core.ICoordinator, logger core.ILogger, metrics *telemetry.Metrics) *FallbackCoordinator {
	return &FallbackCoordinator{
		primary: primary,
		local:   NewLocalCoordinator(),
		logger:  logger.WithField("component", "coordinator"),
		metrics: metrics,
	}
}

func (f *FallbackCoordinator) degraded(op string, err error) {
	f.logger.Warn("Coordination backend unavailable, using local fallback", "op", op, "error", err)
	if f.metrics != nil {
		f.metrics.CoordinatorErrors.Inc()
	}
}

func (f *FallbackCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := f.primary.Get(ctx, key)
	if err != nil {
		f.degraded("get", err)
		return "", false, nil
	}
	return val, ok, nil
}

func (f *FallbackCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		f.degraded("set", err)
		return nil
	}
	return nil
}

func (f *FallbackCoordinator) Delete(ctx context.Context, key string) error {
	if err := f.primary.Delete(ctx, key); err != nil {
		f.degraded("delete", err)
	}
	// Delete on both so a fallback lock does not outlive its resource.
	return f.local.Delete(ctx, key)
}

func (f *FallbackCoordinator) AcquireLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error) {
	ok, err := f.primary.AcquireLock(ctx, resource, holderToken, ttl)
	if err != nil {
		f.degraded("acquire_lock", err)
		return f.local.AcquireLock(ctx, resource, holderToken, ttl)
	}
	return ok, nil
}

func (f *FallbackCoordinator) ReleaseLock(ctx context.Context, resource, holderToken string) (bool, error) {
	ok, err := f.primary.ReleaseLock(ctx, resource, holderToken)
	if err != nil {
		f.degraded("release_lock", err)
		return f.local.ReleaseLock(ctx, resource, holderToken)
	}
	// Release any fallback twin acquired while degraded.
	_, _ = f.local.ReleaseLock(ctx, resource, holderToken)
	return ok, nil
}

func (f *FallbackCoordinator) ExtendLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error) {
	ok, err := f.primary.ExtendLock(ctx, resource, holderToken, ttl)
	if err != nil {
		f.degraded("extend_lock", err)
		return f.local.ExtendLock(ctx, resource, holderToken, ttl)
	}
	return ok, nil
}

func (f *FallbackCoordinator) Healthy(ctx context.Context) error {
	return f.primary.Healthy(ctx)
}
