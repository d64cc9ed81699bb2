// Package leader holds the cluster-wide election for the background
// loops and the watchdog that supervises them. Exactly one replica runs
// the queue manager, fill monitor, and risk engine at a time.
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/core"
	"spot_trader/pkg/telemetry"
)

// LockResource is the coordination lock gating all background loops.
const LockResource = "background_task_leader"

// Elector competes for the leader lock and drives promotion and
// demotion callbacks. The callbacks start and stop the leader-only
// loops; they run on the elector goroutine and must not block.
type Elector struct {
	coord   core.ICoordinator
	logger  core.ILogger
	metrics *telemetry.Metrics

	workerID   string
	lockTTL    time.Duration
	renewEvery time.Duration

	onElected func(ctx context.Context)
	onDemoted func()

	mu      sync.Mutex
	leader  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewElector wires an elector with a fresh random worker id.
func NewElector(coord core.ICoordinator, cfg config.LeaderConfig, onElected func(ctx context.Context), onDemoted func(), logger core.ILogger, metrics *telemetry.Metrics) *Elector {
	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		panic("leader: worker id generation failed: " + err.Error())
	}
	return &Elector{
		coord:      coord,
		logger:     logger.WithField("component", "leader_elector"),
		metrics:    metrics,
		workerID:   hex.EncodeToString(id),
		lockTTL:    cfg.LockTTL,
		renewEvery: cfg.RenewInterval,
		onElected:  onElected,
		onDemoted:  onDemoted,
	}
}

// WorkerID returns this replica's election identity.
func (e *Elector) WorkerID() string { return e.workerID }

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Start launches the election loop. Idempotent.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	go e.run(loopCtx)
}

// Stop halts the loop and releases the lock when held, so a standby
// replica can take over without waiting out the TTL.
func (e *Elector) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.mu.Unlock()
	e.wg.Wait()

	if e.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.coord.ReleaseLock(ctx, LockResource, e.workerID); err != nil {
			e.logger.Warn("leader lock release failed", "error", err)
		}
		e.demote()
	}
}

func (e *Elector) run(ctx context.Context) {
	defer e.wg.Done()
	// Contend immediately, then on the renewal cadence.
	e.RunCycle(ctx)
	ticker := time.NewTicker(e.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs one election pass: acquire when standing by, renew
// when leading. A failed renewal demotes this replica and stops its
// leader-only loops.
func (e *Elector) RunCycle(ctx context.Context) {
	if e.IsLeader() {
		ok, err := e.coord.ExtendLock(ctx, LockResource, e.workerID, e.lockTTL)
		if err != nil {
			e.metrics.CoordinatorErrors.Inc()
			e.logger.Error("leader lock renewal errored", "error", err)
		}
		if err != nil || !ok {
			e.logger.Warn("leadership lost, demoting", "worker_id", e.workerID)
			e.demote()
		}
		return
	}

	ok, err := e.coord.AcquireLock(ctx, LockResource, e.workerID, e.lockTTL)
	if err != nil {
		e.metrics.CoordinatorErrors.Inc()
		e.logger.Error("leader lock acquire errored", "error", err)
		return
	}
	if ok {
		e.promote(ctx)
	}
}

func (e *Elector) promote(ctx context.Context) {
	e.mu.Lock()
	e.leader = true
	e.mu.Unlock()
	e.metrics.LeaderGauge.Set(1)
	e.logger.Info("elected leader", "worker_id", e.workerID)
	if e.onElected != nil {
		e.onElected(ctx)
	}
}

func (e *Elector) demote() {
	e.mu.Lock()
	wasLeader := e.leader
	e.leader = false
	e.mu.Unlock()
	if !wasLeader {
		return
	}
	e.metrics.LeaderGauge.Set(0)
	if e.onDemoted != nil {
		e.onDemoted()
	}
}
