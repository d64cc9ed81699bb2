package coordination

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	value     string
	expiresAt time.Time
}

// LocalCoordinator is a process-local implementation of the coordination
// API. It backs tests and serves as the degraded fallback when the
// distributed backend is unreachable; multi-process safety then becomes
// best-effort on the affected resources.
type LocalCoordinator struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocalCoordinator creates an in-process coordinator.
func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *LocalCoordinator) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *LocalCoordinator) getLocked(key string) (string, bool) {
	entry, ok := l.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && l.now().After(entry.expiresAt) {
		delete(l.entries, key)
		return "", false
	}
	return entry.value, true
}

func (l *LocalCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	val, ok := l.getLocked(key)
	return val, ok, nil
}

func (l *LocalCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = l.now().Add(ttl)
	}
	l.entries[key] = localEntry{value: value, expiresAt: expires}
	return nil
}

func (l *LocalCoordinator) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *LocalCoordinator) AcquireLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockPrefix + resource
	if _, held := l.getLocked(key); held {
		return false, nil
	}
	l.entries[key] = localEntry{value: holderToken, expiresAt: l.now().Add(ttl)}
	return true, nil
}

func (l *LocalCoordinator) ReleaseLock(ctx context.Context, resource, holderToken string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockPrefix + resource
	val, held := l.getLocked(key)
	if !held || val != holderToken {
		return false, nil
	}
	delete(l.entries, key)
	return true, nil
}

func (l *LocalCoordinator) ExtendLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockPrefix + resource
	val, held := l.getLocked(key)
	if !held || val != holderToken {
		return false, nil
	}
	l.entries[key] = localEntry{value: holderToken, expiresAt: l.now().Add(ttl)}
	return true, nil
}

func (l *LocalCoordinator) Healthy(ctx context.Context) error {
	return nil
}
