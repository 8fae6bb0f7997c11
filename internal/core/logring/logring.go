// Package logring implements the bounded append-only log every subsystem
// uses for its trails: audit entries, access log, timeline, intrusion
// events, alerts, and anomaly history.
//
// Eviction is batched: appends are O(1) amortised, and when an append
// pushes the size past capacity C the head is trimmed to the high-water
// mark 0.8·C in one slice copy. Queries return copies, never aliases into
// the backing storage.
package logring

import (
	"encoding/json"
	"sync"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// HighWaterRatio is the fraction of capacity kept after a trim.
const HighWaterRatio = 0.8

// Ring is a bounded append-only log of T.
type Ring[T any] struct {
	mu       sync.RWMutex
	capacity int
	hiWater  int
	entries  []T
	evicted  uint64

	persistCap int
	persistFn  func([]byte) error
}

// New creates a bounded log with the given capacity (must be > 0).
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	hi := int(float64(capacity) * HighWaterRatio)
	if hi < 1 {
		hi = 1
	}
	return &Ring[T]{capacity: capacity, hiWater: hi}
}

// WithPersistence attaches a persistence hook. Persist writes the JSON
// encoding of the newest persistCap entries through fn. Returns r.
func (r *Ring[T]) WithPersistence(persistCap int, fn func([]byte) error) *Ring[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistCap = persistCap
	r.persistFn = fn
	return r
}

// Append adds an entry, trimming the head to the high-water mark when the
// size would exceed capacity.
func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, v)
	if len(r.entries) > r.capacity {
		drop := len(r.entries) - r.hiWater
		r.evicted += uint64(drop)
		kept := make([]T, r.hiWater)
		copy(kept, r.entries[drop:])
		r.entries = kept
		metrics.LogEvictions.Inc()
	}
}

// Len returns the current size.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Capacity returns the configured capacity.
func (r *Ring[T]) Capacity() int { return r.capacity }

// Evicted returns the total number of entries discarded by trims.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// Snapshot returns a copy of all entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.entries))
	copy(out, r.entries)
	return out
}

// Tail returns a copy of the newest n entries, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]T, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// Query returns copies of the most recent entries matching the filter,
// newest first, up to limit. A nil filter matches everything; limit <= 0
// means no limit.
func (r *Ring[T]) Query(match func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for i := len(r.entries) - 1; i >= 0; i-- {
		if match == nil || match(r.entries[i]) {
			out = append(out, r.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// Restore replaces the contents with the given entries (oldest first),
// trimming to capacity. Used when reloading a persisted tail.
func (r *Ring[T]) Restore(entries []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(entries) > r.capacity {
		entries = entries[len(entries)-r.capacity:]
	}
	r.entries = make([]T, len(entries))
	copy(r.entries, entries)
}

// RestoreJSON decodes a persisted tail and restores it. Empty input is a
// no-op so first boot seeds cleanly.
func (r *Ring[T]) RestoreJSON(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var entries []T
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	r.Restore(entries)
	return nil
}

// Persist writes the newest persistCap entries through the persistence
// hook. No-op when no hook is attached.
func (r *Ring[T]) Persist() error {
	r.mu.RLock()
	fn := r.persistFn
	cap := r.persistCap
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	tail := r.Tail(cap)
	raw, err := json.Marshal(tail)
	if err != nil {
		return err
	}
	if err := fn(raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		return err
	}
	return nil
}
