// Package tracker implements the Resource Tracker described in spec.md §3-4.1:
// the active(m) and reserved(m) task-id sets, kept in the Coordination Store,
// that mark which resident models are protected from eviction. It is the Go
// equivalent of the original's services/cache.py (mark_model_active,
// mark_model_inactive, mark_model_queued/dequeued, get_active_models,
// get_queued_models), renamed from "queued" to "reserved" per spec.md §9's
// resolved naming ambiguity.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/vramdispatch/dispatcher/internal/coordstore"
)

const (
	activePrefix   = "active_model:"
	reservedPrefix = "reserved_model:"
)

// Tracker exposes the four set operations spec.md §4.1 requires. All
// operations are atomic against the Coordination Store; none blocks on
// anything other than a CS round-trip.
type Tracker struct {
	store coordstore.Store
	cache ClusterCache
}

// New constructs a Tracker backed by store.
func New(store coordstore.Store) *Tracker {
	return &Tracker{store: store}
}

// MarkActive adds taskID to active(model): the task is now streaming on
// model, so model must remain resident until the task terminates.
func (t *Tracker) MarkActive(ctx context.Context, model, taskID string) error {
	if err := t.store.SetAdd(ctx, activePrefix+model, taskID); err != nil {
		return err
	}
	t.invalidate(ctx)
	return nil
}

// MarkInactive removes taskID from active(model).
func (t *Tracker) MarkInactive(ctx context.Context, model, taskID string) error {
	if err := t.store.SetRem(ctx, activePrefix+model, taskID); err != nil {
		return err
	}
	t.invalidate(ctx)
	return nil
}

// MarkReserved adds taskID to reserved(model): a task that intends to stream
// on model, even before it is admitted, so the Planner must treat model as
// protected from offload (spec.md §4.4: "reserve before acquiring the lock").
func (t *Tracker) MarkReserved(ctx context.Context, model, taskID string) error {
	if err := t.store.SetAdd(ctx, reservedPrefix+model, taskID); err != nil {
		return err
	}
	t.invalidate(ctx)
	return nil
}

// MarkUnreserved removes taskID from reserved(model).
func (t *Tracker) MarkUnreserved(ctx context.Context, model, taskID string) error {
	if err := t.store.SetRem(ctx, reservedPrefix+model, taskID); err != nil {
		return err
	}
	t.invalidate(ctx)
	return nil
}

// ActiveModels enumerates every model name with a non-empty active(m) set.
func (t *Tracker) ActiveModels(ctx context.Context) (map[string]struct{}, error) {
	return t.nonEmptyModels(ctx, activePrefix)
}

// ReservedModels enumerates every model name with a non-empty reserved(m) set.
func (t *Tracker) ReservedModels(ctx context.Context) (map[string]struct{}, error) {
	return t.nonEmptyModels(ctx, reservedPrefix)
}

// ProtectedModels returns active_models() ∪ reserved_models(), the set the
// Planner must never offload from (spec.md §3: "protected(m) :=
// (active(m) ∪ reserved(m)) ≠ ∅").
func (t *Tracker) ProtectedModels(ctx context.Context) (map[string]struct{}, error) {
	active, err := t.ActiveModels(ctx)
	if err != nil {
		return nil, err
	}
	reserved, err := t.ReservedModels(ctx)
	if err != nil {
		return nil, err
	}
	for m := range reserved {
		active[m] = struct{}{}
	}
	return active, nil
}

func (t *Tracker) nonEmptyModels(ctx context.Context, prefix string) (map[string]struct{}, error) {
	keys, err := t.store.ScanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	out := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		n, err := t.store.SetCard(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("card %s: %w", key, err)
		}
		if n > 0 {
			out[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
	}
	return out, nil
}

// CleanupStale implements the Janitor's sweep contract from spec.md §4.1 and
// §4.6: delete outright every active/reserved key whose model is no longer
// resident, empty keys included. cleaned counts only the deleted keys that
// still held task IDs. resident is the current set of model names MRC's
// ps() reports. Idempotent: re-running it when nothing changed is a no-op.
func (t *Tracker) CleanupStale(ctx context.Context, resident map[string]struct{}) (cleaned int, err error) {
	for _, prefix := range []string{activePrefix, reservedPrefix} {
		keys, err := t.store.ScanKeys(ctx, prefix+"*")
		if err != nil {
			return cleaned, fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, key := range keys {
			model := strings.TrimPrefix(key, prefix)
			if _, ok := resident[model]; ok {
				continue
			}
			n, err := t.store.SetCard(ctx, key)
			if err != nil {
				return cleaned, fmt.Errorf("card %s: %w", key, err)
			}
			if err := t.store.Delete(ctx, key); err != nil {
				return cleaned, fmt.Errorf("delete %s: %w", key, err)
			}
			if n > 0 {
				cleaned++
			}
		}
	}
	if cleaned > 0 {
		t.invalidate(ctx)
	}
	return cleaned, nil
}
