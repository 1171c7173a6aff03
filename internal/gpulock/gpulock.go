// Package gpulock implements the per-GPU distributed mutex described in
// spec.md §4.2, the Go equivalent of the original's
// services/redis_client.py RedisLock: conditional SET-if-absent with TTL for
// acquisition, compare-and-delete on a random fencing token for release.
package gpulock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vramdispatch/dispatcher/internal/coordstore"
)

// Lock guards the planning-through-pin window for one GPU index (spec.md
// §4.2, §5: "GpuLock(g) gates the window from 'decide plan' through 'pin or
// abort'; streaming is deliberately outside the lock").
type Lock struct {
	store     coordstore.Store
	gpuIndex  int
	ttl       time.Duration
	waitTotal time.Duration
	poll      time.Duration
}

// Held represents an acquired lock. Release is the only valid operation on
// it; a Held value must not be reused after Release returns.
type Held struct {
	lock  *Lock
	token string
}

// defaultPoll matches spec.md §4.2's recommended waiter backoff.
const defaultPoll = 50 * time.Millisecond

// New constructs a Lock for the given GPU index. ttl bounds how long a holder
// may keep the lock before it auto-expires (recommended default 10s per
// spec.md §4.2); wait bounds how long Acquire blocks before giving up
// (default 5s per spec.md §6).
func New(store coordstore.Store, gpuIndex int, ttl, wait time.Duration) *Lock {
	return &Lock{store: store, gpuIndex: gpuIndex, ttl: ttl, waitTotal: wait, poll: defaultPoll}
}

// key returns the CS key layout entry from spec.md §6: "lock:gpu:<gpu_index>".
func (l *Lock) key() string {
	return fmt.Sprintf("lock:gpu:%d", l.gpuIndex)
}

// Acquire blocks, polling at a bounded interval, until the lock is obtained or
// the configured wait elapses. Returns false (not an error) on timeout: per
// spec.md §4.4 step 1, lock-acquisition failure is treated as a transient
// "insufficient_vram"-shaped deferral, not a hard error.
func (l *Lock) Acquire(ctx context.Context) (*Held, bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.waitTotal)
	for {
		ok, err := l.store.SetIfAbsent(ctx, l.key(), token, l.ttl)
		if err != nil {
			return nil, false, fmt.Errorf("acquire gpu lock %d: %w", l.gpuIndex, err)
		}
		if ok {
			return &Held{lock: l, token: token}, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Release deletes the lock key only if it still holds this token (spec.md
// §4.2(b): "Release never deletes a key owned by another holder"), so a
// caller whose TTL already expired and was reclaimed by another task cannot
// clobber the new holder's lock.
func (h *Held) Release(ctx context.Context) error {
	_, err := h.lock.store.CompareAndDelete(ctx, h.lock.key(), h.token)
	if err != nil {
		return fmt.Errorf("release gpu lock %d: %w", h.lock.gpuIndex, err)
	}
	return nil
}
