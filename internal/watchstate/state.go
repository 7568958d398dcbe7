// Package watchstate defines the canonical State record and the identity
// vocabulary (GUIDs, relative GUIDs, per-backend metadata) the rest of the
// reconciler is built around.
package watchstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MediaType distinguishes a movie from a single TV episode. Immutable once
// a State is created.
type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "episode"
)

// GUIDs maps an identifier namespace (e.g. "imdb", "tmdb", "tvdb") to the
// backend-reported external id in that namespace.
type GUIDs map[string]string

// Clone returns a deep copy.
func (g GUIDs) Clone() GUIDs {
	if g == nil {
		return nil
	}
	out := make(GUIDs, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// CanonicalJSON serializes the map with sorted keys so two GUID sets with
// identical contents always produce byte-identical JSON.
func (g GUIDs) CanonicalJSON() ([]byte, error) {
	return canonicalMapJSON(g)
}

// Equal reports whether two GUID maps hold the same namespace/id pairs.
func (g GUIDs) Equal(other GUIDs) bool {
	if len(g) != len(other) {
		return false
	}
	for k, v := range g {
		if other[k] != v {
			return false
		}
	}
	return true
}

// BackendMeta is the verbatim, per-backend opinion about a title: the
// backend's own id, its own watched flag, when it says the title was
// played, and the GUIDs/parent GUIDs it reported (§3.2).
type BackendMeta struct {
	ID       string `json:"id,omitempty"`
	Watched  bool   `json:"watched"`
	PlayedAt *int64 `json:"played_at,omitempty"`
	GUIDs    GUIDs  `json:"guids,omitempty"`
	Parent   GUIDs  `json:"parent,omitempty"`
}

// Clone returns a deep copy.
func (m BackendMeta) Clone() BackendMeta {
	out := m
	out.GUIDs = m.GUIDs.Clone()
	out.Parent = m.Parent.Clone()
	if m.PlayedAt != nil {
		v := *m.PlayedAt
		out.PlayedAt = &v
	}
	return out
}

// Metadata maps a configured backend name to its BackendMeta sub-record.
type Metadata map[string]BackendMeta

// Clone returns a deep copy.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v.Clone()
	}
	return out
}

// CanonicalJSON serializes the metadata map with sorted backend-name keys.
func (md Metadata) CanonicalJSON() ([]byte, error) {
	return canonicalMapJSON(md)
}

// Extra holds opaque per-backend attributes that never participate in
// identity resolution or merge decisions (e.g. the last webhook event
// name).
type Extra map[string]any

// Clone returns a shallow copy (values are treated as immutable scalars).
func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// CanonicalJSON serializes Extra with sorted keys.
func (e Extra) CanonicalJSON() ([]byte, error) {
	return canonicalMapJSON(e)
}

// State is one logical title (a movie or a single episode) as the
// reconciler understands it, independent of which backend reported it
// (§3.1).
type State struct {
	ID      *int64
	Type    MediaType
	Watched bool
	Updated int64
	Via     string

	Title   string
	Year    int
	Season  int
	Episode int

	GUIDs    GUIDs
	Parent   GUIDs
	Metadata Metadata
	Extra    Extra

	// Tainted marks a one-shot reprocessing pass after metadata has been
	// augmented to arbitrate a play-state conflict (§4.3, §9).
	Tainted bool
}

// Clone returns a deep copy of the State, safe to mutate independently of
// the original.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.ID != nil {
		id := *s.ID
		out.ID = &id
	}
	out.GUIDs = s.GUIDs.Clone()
	out.Parent = s.Parent.Clone()
	out.Metadata = s.Metadata.Clone()
	out.Extra = s.Extra.Clone()
	return &out
}

// HasGUIDs reports whether the state carries at least one external GUID.
func (s *State) HasGUIDs() bool {
	return len(s.GUIDs) > 0
}

// HasRelativeGUID reports whether the state is an episode whose parent
// show carries at least one GUID (enabling relative-pointer identity even
// when the episode's own GUIDs are absent).
func (s *State) HasRelativeGUID() bool {
	return s.Type == MediaTypeEpisode && len(s.Parent) > 0
}

// Pointers returns the global, cross-backend identity keys derived from
// this state's own GUIDs: "{namespace}://{external_id}/{type}" (§3.3).
func (s *State) Pointers() []string {
	if len(s.GUIDs) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.GUIDs))
	for ns, id := range s.GUIDs {
		if id == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s://%s/%s", ns, id, s.Type))
	}
	sort.Strings(out)
	return out
}

// RelativePointers returns the composite identity keys for an episode,
// combining the parent show's GUIDs with the season/episode numbers. Used
// when the episode's own GUIDs are absent or disagree but the parent
// show's identity is established (§3.3).
func (s *State) RelativePointers() []string {
	if s.Type != MediaTypeEpisode || len(s.Parent) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Parent))
	for ns, id := range s.Parent {
		if id == "" {
			continue
		}
		out = append(out, fmt.Sprintf("rel://%s/%s/%d/%d", ns, id, s.Season, s.Episode))
	}
	sort.Strings(out)
	return out
}

// ShouldMarkAsUnplayed implements the predicate referenced from the
// reconciliation engine's time-gated path but defined on the entity: never
// mark a record unplayed on the first observation from a backend, only
// when that backend previously reported it played and the play timestamp
// it reported predates the caller-supplied `after` watermark.
func (s *State) ShouldMarkAsUnplayed(incoming *State, after int64) bool {
	if !s.Watched {
		return false
	}
	meta, ok := s.Metadata[incoming.Via]
	if !ok {
		return false
	}
	if !meta.Watched || meta.PlayedAt == nil {
		return false
	}
	return *meta.PlayedAt < after
}

func canonicalMapJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCanonical writes v as JSON with object keys sorted, recursively.
func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
