package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LocalCache implements StatusStore and Locker in process memory. It is used
// when redis is disabled, which limits a deployment to one postmaster.
type LocalCache struct {
	mu       sync.Mutex
	statuses map[string]localItem
	locks    map[string]localLock
	ttl      time.Duration
	now      func() time.Time
	nextLock uint64
}

type localItem struct {
	status    Status
	expiresAt time.Time
}

type localLock struct {
	id        uint64
	expiresAt time.Time
}

// NewLocalCache creates an empty cache; ttl <= 0 uses DefaultStatusTTL.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &LocalCache{
		statuses: make(map[string]localItem),
		locks:    make(map[string]localLock),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the clock used for expiry.
func (lc *LocalCache) SetClock(now func() time.Time) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.now = now
}

// PutStatus implements StatusStore.
func (lc *LocalCache) PutStatus(_ context.Context, st Status) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.statuses[st.QueueSlug] = localItem{status: st, expiresAt: lc.now().Add(lc.ttl)}
	return nil
}

// GetStatus implements StatusStore.
func (lc *LocalCache) GetStatus(_ context.Context, queueSlug string) (Status, bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	item, ok := lc.statuses[queueSlug]
	if !ok {
		return Status{}, false, nil
	}
	if !lc.now().Before(item.expiresAt) {
		delete(lc.statuses, queueSlug)
		return Status{}, false, nil
	}
	return item.status, true, nil
}

// ListStatus implements StatusStore.
func (lc *LocalCache) ListStatus(_ context.Context) ([]Status, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	now := lc.now()
	out := make([]Status, 0, len(lc.statuses))
	for slug, item := range lc.statuses {
		if !now.Before(item.expiresAt) {
			delete(lc.statuses, slug)
			continue
		}
		out = append(out, item.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueSlug < out[j].QueueSlug })
	return out, nil
}

// Acquire implements Locker.
func (lc *LocalCache) Acquire(_ context.Context, queueSlug string, ttl time.Duration) (func(context.Context) error, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	now := lc.now()
	if held, ok := lc.locks[queueSlug]; ok && now.Before(held.expiresAt) {
		return nil, ErrLockHeld
	}
	lc.nextLock++
	id := lc.nextLock
	lc.locks[queueSlug] = localLock{id: id, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		if held, ok := lc.locks[queueSlug]; ok && held.id == id {
			delete(lc.locks, queueSlug)
		}
		return nil
	}, nil
}
