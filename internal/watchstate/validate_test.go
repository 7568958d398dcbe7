package watchstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	knownBackends := map[string]bool{"plex": true}

	tests := []struct {
		name    string
		state   State
		wantErr error
	}{
		{
			name:    "valid movie",
			state:   State{Type: MediaTypeMovie, Updated: 1, GUIDs: GUIDs{"imdb": "tt1"}},
			wantErr: nil,
		},
		{
			name:    "missing updated",
			state:   State{Type: MediaTypeMovie, GUIDs: GUIDs{"imdb": "tt1"}},
			wantErr: ErrMissingUpdated,
		},
		{
			name:    "movie carrying episode fields",
			state:   State{Type: MediaTypeMovie, Updated: 1, Season: 1, GUIDs: GUIDs{"imdb": "tt1"}},
			wantErr: ErrBadEpisodeShape,
		},
		{
			name:    "episode missing season/episode/parent",
			state:   State{Type: MediaTypeEpisode, Updated: 1, GUIDs: GUIDs{"imdb": "tt1"}},
			wantErr: ErrBadEpisodeShape,
		},
		{
			name:    "no identity",
			state:   State{Type: MediaTypeMovie, Updated: 1},
			wantErr: ErrNoIdentity,
		},
		{
			name:    "relative guid satisfies identity for an episode",
			state:   State{Type: MediaTypeEpisode, Updated: 1, Season: 1, Episode: 1, Parent: GUIDs{"imdb": "tt1"}},
			wantErr: nil,
		},
		{
			name: "unconfigured backend in metadata",
			state: State{
				Type: MediaTypeMovie, Updated: 1, GUIDs: GUIDs{"imdb": "tt1"},
				Metadata: Metadata{"unknown-backend": {}},
			},
			wantErr: ErrUnknownBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate(knownBackends)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
