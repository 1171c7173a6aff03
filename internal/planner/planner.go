// Package planner implements the Admission Planner from spec.md §4.3: a pure
// decision procedure over a snapshot of VRAM, resident models, and the
// protected set, with no I/O and no residency mutation of its own. It is the
// Go-idiomatic replacement for the original's
// utils/manage_models.py:load_or_queue_model's decision branch and
// select_models_to_offload, expressed as a tagged outcome instead of a
// stringly-typed status dict.
package planner

import (
	"sort"

	"github.com/vramdispatch/dispatcher/internal/gpuprobe"
)

// Resident describes one model currently loaded in the runtime, with the
// size the Planner must reason about (its VRAM footprint, not on-disk size;
// see SPEC_FULL §12).
type Resident struct {
	Name      string
	SizeBytes uint64
}

// Outcome is the Planner's tagged decision, mirroring spec.md §4.3 and the
// "Tagged outcomes" requirement in §9: AlreadyLoaded | LoadDirect |
// LoadAfterOffload(S) | InsufficientVram(reason) | Error(kind, message).
// Kind names exactly one of these for any Outcome value; callers should
// switch on Kind rather than inspecting fields directly.
type Outcome struct {
	Kind OutcomeKind

	// Offload is populated only for KindLoadAfterOffload: the chosen subset
	// S, in the order the Orchestrator should offload them.
	Offload []Resident

	// Reason is populated for KindInsufficientVram and KindError.
	Reason string
}

// OutcomeKind enumerates the Planner's possible decisions.
type OutcomeKind int

const (
	KindAlreadyLoaded OutcomeKind = iota
	KindLoadDirect
	KindLoadAfterOffload
	KindInsufficientVram
	KindError
)

// Input is the full snapshot the Planner reasons over: spec.md §4.3's
// "model_name m*, gpu_index g, snapshots of residents, vram, protected".
type Input struct {
	ModelName     string
	ModelSizeBytes uint64
	VRAM          gpuprobe.Snapshot
	Residents     []Resident
	// Protected is the active ∪ reserved set: models the Planner must never
	// select for offload (spec.md §3 and §4.4).
	Protected map[string]struct{}
}

// Decide computes the Plan for in. It performs no I/O and mutates nothing;
// the Orchestrator is solely responsible for executing the returned plan
// (spec.md §4.3 "Purity").
func Decide(in Input) Outcome {
	if in.ModelSizeBytes == 0 {
		return Outcome{Kind: KindError, Reason: "model size unavailable"}
	}
	if in.ModelSizeBytes > in.VRAM.TotalBytes {
		return Outcome{Kind: KindError, Reason: "model size exceeds total VRAM"}
	}

	for _, r := range in.Residents {
		if r.Name == in.ModelName {
			return Outcome{Kind: KindAlreadyLoaded}
		}
	}

	if in.ModelSizeBytes <= in.VRAM.FreeBytes {
		return Outcome{Kind: KindLoadDirect}
	}

	requiredExtra := in.ModelSizeBytes - in.VRAM.FreeBytes

	offloadable := make([]Resident, 0, len(in.Residents))
	for _, r := range in.Residents {
		if _, protected := in.Protected[r.Name]; protected {
			continue
		}
		offloadable = append(offloadable, r)
	}

	if len(offloadable) == 0 {
		return Outcome{Kind: KindInsufficientVram, Reason: "no offloadable models"}
	}

	subset, ok := selectOffloadSet(offloadable, requiredExtra)
	if !ok {
		return Outcome{Kind: KindInsufficientVram, Reason: "no feasible offload subset"}
	}
	return Outcome{Kind: KindLoadAfterOffload, Offload: subset}
}

// selectOffloadSet implements spec.md §4.3's selection rule: exact
// subset-selection to minimize total freed bytes subject to
// sum(size) >= requiredExtra, tie-broken by minimum cardinality then
// lexicographic model name. This generalizes the original's
// select_models_to_offload (itertools.combinations over every r from 1..n),
// replacing its ambiguous "best_total is None" tie-break with the
// deterministic rule spec.md §9 pins. Exhaustive for up to 20 candidates
// (typical sets are under 10); falls back to greedy smallest-first
// accumulation above 20, per spec.md §4.3's explicit fallback clause.
func selectOffloadSet(offloadable []Resident, requiredExtra uint64) ([]Resident, bool) {
	if requiredExtra == 0 {
		return nil, true
	}
	if len(offloadable) > 20 {
		return greedySelect(offloadable, requiredExtra)
	}
	return exhaustiveSelect(offloadable, requiredExtra)
}

func exhaustiveSelect(offloadable []Resident, requiredExtra uint64) ([]Resident, bool) {
	candidates := append([]Resident(nil), offloadable...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	n := len(candidates)
	var best []Resident
	var bestTotal uint64
	haveBest := false

	for mask := 1; mask < (1 << n); mask++ {
		var total uint64
		var subset []Resident
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				total += candidates[i].SizeBytes
				subset = append(subset, candidates[i])
			}
		}
		if total < requiredExtra {
			continue
		}
		if !haveBest || better(total, subset, bestTotal, best) {
			best = subset
			bestTotal = total
			haveBest = true
		}
	}
	if !haveBest {
		return nil, false
	}
	return best, true
}

// better reports whether (total, subset) is a strictly preferable choice than
// (bestTotal, best) under spec.md §9's pinned tie-break rule: fewer total
// bytes first, then fewer models, then lexicographically smallest by name.
// Mask enumeration order does not track either of the latter two — the
// bitmask for e.g. {B,C} is lower than {A,D}'s despite "A" < "B" — so the
// name comparison must be explicit rather than relied upon from iteration
// order. Both subsets are already sorted by name (candidates are sorted
// before enumeration and subset is built in ascending bit order), so an
// element-wise comparison is a direct lexicographic comparison.
func better(total uint64, subset []Resident, bestTotal uint64, best []Resident) bool {
	if total != bestTotal {
		return total < bestTotal
	}
	if len(subset) != len(best) {
		return len(subset) < len(best)
	}
	for i := range subset {
		if subset[i].Name != best[i].Name {
			return subset[i].Name < best[i].Name
		}
	}
	return false
}

// greedySelect accumulates smallest-first until the requirement is met,
// used only when the candidate set is too large for exhaustive enumeration
// (spec.md §4.3's explicit fallback).
func greedySelect(offloadable []Resident, requiredExtra uint64) ([]Resident, bool) {
	candidates := append([]Resident(nil), offloadable...)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SizeBytes != candidates[j].SizeBytes {
			return candidates[i].SizeBytes < candidates[j].SizeBytes
		}
		return candidates[i].Name < candidates[j].Name
	})

	var total uint64
	var subset []Resident
	for _, c := range candidates {
		if total >= requiredExtra {
			break
		}
		subset = append(subset, c)
		total += c.SizeBytes
	}
	if total < requiredExtra {
		return nil, false
	}
	return subset, true
}
