package mapper

import (
	"github.com/mediasync/statesync/internal/pointerindex"
	"github.com/mediasync/statesync/internal/watchstate"
)

// mergeBackendMeta merges incoming's own BackendMeta sub-record (keyed by
// incoming.Via) into cur.Metadata, reporting whether the sub-record
// actually changed. This is the field-level operation both the
// metadata-only path and the "metadata" key of the general merge share.
func mergeBackendMeta(cur, incoming *watchstate.State) bool {
	newMeta, ok := incoming.Metadata[incoming.Via]
	if !ok {
		return false
	}

	if cur.Metadata == nil {
		cur.Metadata = make(watchstate.Metadata)
	}
	oldMeta, hadOld := cur.Metadata[incoming.Via]
	if hadOld && backendMetaEqual(oldMeta, newMeta) {
		return false
	}

	cur.Metadata[incoming.Via] = newMeta
	return true
}

func backendMetaEqual(a, b watchstate.BackendMeta) bool {
	if a.ID != b.ID || a.Watched != b.Watched {
		return false
	}
	if (a.PlayedAt == nil) != (b.PlayedAt == nil) {
		return false
	}
	if a.PlayedAt != nil && *a.PlayedAt != *b.PlayedAt {
		return false
	}
	return a.GUIDs.Equal(b.GUIDs) && a.Parent.Equal(b.Parent)
}

// applyExtra always copies incoming's extra over cur's — §3.1 names extra
// opaque and excluded from identity/merge decisions, so it rides along with
// every persisted mutation without itself counting as a change.
func applyExtra(cur, incoming *watchstate.State) {
	if len(incoming.Extra) == 0 {
		return
	}
	if cur.Extra == nil {
		cur.Extra = make(watchstate.Extra)
	}
	for k, v := range incoming.Extra {
		cur.Extra[k] = v
	}
}

// applyMetadataOnly merges only the reporting backend's BackendMeta
// sub-record (plus extra) into cur. Persists only if the sub-record itself
// changed (§4.3 step 3, and the tainted re-add path of step 5).
func (m *Mapper) applyMetadataOnly(cur, incoming *watchstate.State, ptr pointerindex.Key) (Outcome, bool, error) {
	changed := mergeBackendMeta(cur, incoming)
	applyExtra(cur, incoming)

	if !changed {
		return OutcomeIgnoredNoChange, false, nil
	}

	m.changed[ptr] = true
	if incoming.Tainted {
		return OutcomeTainted, false, nil
	}
	return OutcomeMetadataOnly, false, nil
}

// applyTimeGated handles an observation no newer than the caller-supplied
// watermark: it may only legitimately mark the record unplayed (per
// State.ShouldMarkAsUnplayed) or, if MAPPER_ALWAYS_UPDATE_META permits,
// refresh metadata; otherwise it's a stale replay and is ignored (§4.3
// step 4).
func (m *Mapper) applyTimeGated(cur, incoming *watchstate.State, ptr pointerindex.Key, after int64, r resolved) (Outcome, bool, error) {
	if incoming.Updated > after {
		return m.applyGeneralMerge(cur, incoming, ptr, r)
	}

	if !incoming.Watched && cur.ShouldMarkAsUnplayed(incoming, after) {
		cur.Watched = false
		cur.Updated = incoming.Updated
		meta := cur.Metadata[incoming.Via]
		meta.Watched = false
		meta.PlayedAt = nil
		if cur.Metadata == nil {
			cur.Metadata = make(watchstate.Metadata)
		}
		cur.Metadata[incoming.Via] = meta
		applyExtra(cur, incoming)
		m.changed[ptr] = true
		return OutcomeMarkedUnplayed, false, nil
	}

	if r.alwaysUpdateMeta {
		return m.applyMetadataOnly(cur, incoming, ptr)
	}

	return OutcomeIgnoredNotPlayed, false, nil
}

// applyGeneralMerge clones cur's configured keys, applies incoming's
// values where they differ, and persists only if at least one key actually
// changed (§4.3 step 5, §9 "clone, apply, diff"). guids/parent accumulate
// rather than replace: an observation from one backend rarely carries every
// namespace another backend already established.
func (m *Mapper) applyGeneralMerge(cur, incoming *watchstate.State, ptr pointerindex.Key, r resolved) (Outcome, bool, error) {
	changed := false
	identityChanged := false
	before := cur.Clone()

	if r.diffKeys["title"] && incoming.Title != "" && cur.Title != incoming.Title {
		cur.Title = incoming.Title
		changed = true
	}
	if r.diffKeys["year"] && incoming.Year != 0 && cur.Year != incoming.Year {
		cur.Year = incoming.Year
		changed = true
	}
	if r.diffKeys["season"] && incoming.Season != 0 && cur.Season != incoming.Season {
		cur.Season = incoming.Season
		changed = true
	}
	if r.diffKeys["episode"] && incoming.Episode != 0 && cur.Episode != incoming.Episode {
		cur.Episode = incoming.Episode
		changed = true
	}
	if r.diffKeys["via"] && incoming.Via != "" && cur.Via != incoming.Via {
		cur.Via = incoming.Via
		changed = true
	}
	if r.diffKeys["watched"] && cur.Watched != incoming.Watched {
		cur.Watched = incoming.Watched
		changed = true
	}
	if r.diffKeys["updated"] && incoming.Updated > cur.Updated {
		cur.Updated = incoming.Updated
		changed = true
	}
	if r.diffKeys["guids"] && mergeGUIDs(&cur.GUIDs, incoming.GUIDs) {
		changed = true
		identityChanged = true
	}
	if r.diffKeys["parent"] && mergeGUIDs(&cur.Parent, incoming.Parent) {
		changed = true
		identityChanged = true
	}
	if r.diffKeys["metadata"] && mergeBackendMeta(cur, incoming) {
		changed = true
	}

	applyExtra(cur, incoming)

	if !changed {
		return OutcomeIgnoredNoChange, false, nil
	}

	if identityChanged {
		m.index.Refresh(before, cur, ptr)
	}

	m.changed[ptr] = true
	return OutcomeUpdated, false, nil
}

// mergeGUIDs adds every namespace incoming carries into *dst, reporting
// whether anything was added or overwritten.
func mergeGUIDs(dst *watchstate.GUIDs, incoming watchstate.GUIDs) bool {
	if len(incoming) == 0 {
		return false
	}
	changed := false
	if *dst == nil {
		*dst = make(watchstate.GUIDs, len(incoming))
	}
	for ns, id := range incoming {
		if id == "" {
			continue
		}
		if (*dst)[ns] != id {
			(*dst)[ns] = id
			changed = true
		}
	}
	return changed
}
