package watchstate

import "errors"

// Sentinel errors for the invariant violations named in §3.1 and §7's
// InvalidInput taxonomy. Callers counter-increment and skip on these; they
// never abort a batch.
var (
	ErrNoIdentity      = errors.New("watchstate: state has neither guids nor a relative guid")
	ErrMissingUpdated  = errors.New("watchstate: updated must be > 0")
	ErrBadEpisodeShape = errors.New("watchstate: episode requires season and episode; movie must not carry season, episode or parent")
	ErrUnknownBackend  = errors.New("watchstate: metadata references a backend that is not configured")
)

// Validate checks the structural invariants of §3.1 that must hold for any
// State admitted to a working set. knownBackends, if non-nil, is consulted
// to enforce "every key in metadata is a configured backend name".
func (s *State) Validate(knownBackends map[string]bool) error {
	if s.Updated <= 0 {
		return ErrMissingUpdated
	}

	switch s.Type {
	case MediaTypeMovie:
		if s.Season != 0 || s.Episode != 0 || len(s.Parent) != 0 {
			return ErrBadEpisodeShape
		}
	case MediaTypeEpisode:
		if s.Season == 0 || s.Episode == 0 {
			return ErrBadEpisodeShape
		}
	}

	if !s.HasGUIDs() && !s.HasRelativeGUID() {
		return ErrNoIdentity
	}

	if knownBackends != nil {
		for backend := range s.Metadata {
			if !knownBackends[backend] {
				return ErrUnknownBackend
			}
		}
	}

	return nil
}
