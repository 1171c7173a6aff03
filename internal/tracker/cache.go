package tracker

import (
	"context"
	"encoding/json"
)

// ClusterCache is the minimal replicated-map contract used to front
// ProtectedModels with a cluster-replicated snapshot, avoiding a Coordination
// Store scan on every Planner decision when several dispatcher processes
// share one Redis. It is satisfied by *rmap.Map from goa.design/pulse/rmap;
// defined here (after registry/store/replicated.Map's shape) to keep Tracker
// unit-testable without a live Redis-backed rmap.
type ClusterCache interface {
	Get(key string) (string, bool)
	Set(ctx context.Context, key, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

const protectedSnapshotKey = "tracker:protected_snapshot"

// WithClusterCache attaches a ClusterCache to an existing Tracker. Reads via
// ProtectedModelsCached then prefer the replicated snapshot over a fresh CS
// scan; writes (Mark*/Unmark*) drop the snapshot best-effort, so the next
// read on any node rebuilds it from the CS.
func (t *Tracker) WithClusterCache(cache ClusterCache) *Tracker {
	t.cache = cache
	return t
}

// ProtectedModelsCached behaves like ProtectedModels but, when a ClusterCache
// is attached, serves from the replicated snapshot first and only falls back
// to a full Coordination Store scan on a cache miss (e.g. right after
// process start, before any writer has populated the snapshot).
func (t *Tracker) ProtectedModelsCached(ctx context.Context) (map[string]struct{}, error) {
	if t.cache == nil {
		return t.ProtectedModels(ctx)
	}
	if raw, ok := t.cache.Get(protectedSnapshotKey); ok {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err == nil {
			out := make(map[string]struct{}, len(names))
			for _, n := range names {
				out[n] = struct{}{}
			}
			return out, nil
		}
	}
	models, err := t.ProtectedModels(ctx)
	if err != nil {
		return nil, err
	}
	t.refreshSnapshot(ctx, models)
	return models, nil
}

// refreshSnapshot writes the current protected set to the cluster cache
// after ProtectedModelsCached has rebuilt it from a CS scan. Best-effort: a
// failed refresh just means the next reader falls back to a CS scan, so
// errors are swallowed rather than surfaced to the reader, which already
// holds the scanned set.
func (t *Tracker) refreshSnapshot(ctx context.Context, models map[string]struct{}) {
	if t.cache == nil {
		return
	}
	names := make([]string, 0, len(models))
	for n := range models {
		names = append(names, n)
	}
	b, err := json.Marshal(names)
	if err != nil {
		return
	}
	_, _ = t.cache.Set(ctx, protectedSnapshotKey, string(b))
}

// invalidate drops the snapshot so the next ProtectedModelsCached call
// rebuilds it from a fresh CS scan. Used after every Mark*/Unmark* write and
// after a CleanupStale sweep that cleaned entries, whose bulk deletes are
// cheaper to reflect by invalidation than by re-diffing.
func (t *Tracker) invalidate(ctx context.Context) {
	if t.cache == nil {
		return
	}
	_, _ = t.cache.Delete(ctx, protectedSnapshotKey)
}
