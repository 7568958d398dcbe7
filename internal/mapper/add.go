package mapper

import (
	"context"
	"fmt"

	"github.com/mediasync/statesync/internal/watchstate"
)

// maxAddPasses bounds the taint re-add loop: the Design Notes model taint
// recursion as a single extra iteration over the same (now-tainted) working
// copy rather than true self-recursion, so two passes always suffice — the
// second pass can never itself produce a fresh taint because taint is only
// raised against an untainted entity (§9).
const maxAddPasses = 2

// Add runs the §4.3 decision procedure against entity, merging it into the
// working set and returning the branch it took. entity is never mutated;
// a clone is used internally so Tainted can be set across the retry pass
// without surprising the caller.
func (m *Mapper) Add(ctx context.Context, entity *watchstate.State, opts AddOptions) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := entity.Clone()
	r := m.resolve(opts)

	var outcome Outcome
	var err error
	for pass := 0; pass < maxAddPasses; pass++ {
		var retaint bool
		outcome, retaint, err = m.addOnce(ctx, working, opts, r)
		if err != nil {
			return outcome, err
		}
		if !retaint {
			break
		}
	}

	m.countDecision(entity.Via, entity.Type, outcome)
	m.logDecision(entity, outcome, "")
	return outcome, nil
}

// addOnce runs exactly one pass of the decision procedure. retaint is true
// only when the conflict-taint branch fired and the caller should run one
// more pass over the now-tainted working copy.
func (m *Mapper) addOnce(ctx context.Context, working *watchstate.State, opts AddOptions, r resolved) (Outcome, bool, error) {
	// 1. Reject observations that carry no usable identity.
	if !working.HasGUIDs() && !working.HasRelativeGUID() {
		return OutcomeFailedNoGUID, false, nil
	}

	ptr, found, err := m.index.GetPointer(ctx, working)
	if err != nil {
		return "", false, fmt.Errorf("mapper: resolving pointer: %w", err)
	}

	// 2. Not found: either skip (metadata-only import of an unknown title
	// is meaningless — there's nothing to attach metadata to) or create.
	if !found {
		if r.metadataOnly {
			return OutcomeFailedNotFound, false, nil
		}
		key := m.keyFor(working)
		m.objects[key] = working
		m.changed[key] = true
		m.index.AddPointers(working, key)
		return OutcomeAdded, false, nil
	}

	cur := m.objects[ptr]

	// 3. Metadata-only import, or a tainted re-add: only the reporting
	// backend's own metadata sub-record is applied; the canonical watched
	// state never moves along this path.
	if r.metadataOnly || working.Tainted {
		return m.applyMetadataOnly(cur, working, ptr)
	}

	// 4. Time-gated path: the caller supplied a watermark, IGNORE_DATE is
	// not in effect, and the observation is no newer than the watermark.
	// A newer observation goes on to the conflict check below.
	if opts.After != nil && !m.options.IgnoreDate && working.Updated <= *opts.After {
		return m.applyTimeGated(cur, working, ptr, *opts.After, r)
	}

	// 5. Conflict check: the canonical record says played, this
	// observation says unplayed. Arbitrate by tainting once with the
	// incoming backend's own report, then re-running the whole decision
	// procedure — by the second pass metadata already reflects the
	// taint, so it falls through to applyMetadataOnly instead of looping
	// forever.
	if cur.Watched && !working.Watched {
		if m.shouldTaint(cur, working) {
			m.taint(working)
			return OutcomeTainted, true, nil
		}
	}

	// 6. General merge: apply every configured key that differs, persist
	// only if at least one of them actually changed.
	return m.applyGeneralMerge(cur, working, ptr, r)
}

// shouldTaint reports whether a watched->unwatched observation should be
// arbitrated via taint rather than accepted outright (§4.3 Conflict path):
// either the reporting backend has never told us about this title before
// (its "unplayed" could just mean "this backend hasn't seen it yet" rather
// than a genuine rewatch reset), or it has, but its own play date exactly
// matches the observation's updated timestamp — the same report arriving
// twice, not new information that should move the canonical state.
func (m *Mapper) shouldTaint(cur, incoming *watchstate.State) bool {
	meta, hasMeta := cur.Metadata[incoming.Via]
	if !hasMeta {
		return true
	}
	hasSamePlayDate := meta.PlayedAt != nil && *meta.PlayedAt == incoming.Updated
	return hasSamePlayDate
}

// taint records the incoming backend's own play date onto the working
// copy and marks it tainted so the next pass takes the metadata-only
// branch instead of re-evaluating the conflict (§4.3: "write
// metadata[via].played_at = entity.updated").
func (m *Mapper) taint(working *watchstate.State) {
	if working.Metadata == nil {
		working.Metadata = make(watchstate.Metadata)
	}
	meta := working.Metadata[working.Via]
	updated := working.Updated
	meta.PlayedAt = &updated
	working.Metadata[working.Via] = meta
	working.Tainted = true
}
