package watchstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsIndependent(t *testing.T) {
	id := int64(5)
	playedAt := int64(100)
	s := &State{
		ID:      &id,
		Type:    MediaTypeMovie,
		Watched: true,
		Updated: 1000,
		GUIDs:   GUIDs{"imdb": "tt1"},
		Metadata: Metadata{
			"plex": {ID: "1", Watched: true, PlayedAt: &playedAt},
		},
		Extra: Extra{"event": "media.scrobble"},
	}

	clone := s.Clone()
	clone.GUIDs["tmdb"] = "7"
	clone.Metadata["plex"] = BackendMeta{ID: "2"}
	*clone.ID = 9
	clone.Extra["event"] = "media.pause"

	assert.Equal(t, int64(5), *s.ID, "mutating the clone's id must not affect the original")
	assert.NotContains(t, s.GUIDs, "tmdb")
	assert.Equal(t, "1", s.Metadata["plex"].ID)
	assert.Equal(t, "media.scrobble", s.Extra["event"])
}

func TestPointersAndRelativePointers(t *testing.T) {
	movie := &State{Type: MediaTypeMovie, GUIDs: GUIDs{"imdb": "tt1", "tmdb": "7"}}
	ptrs := movie.Pointers()
	assert.ElementsMatch(t, []string{"imdb://tt1/movie", "tmdb://7/movie"}, ptrs)
	assert.Nil(t, movie.RelativePointers(), "a movie has no relative pointer")

	ep := &State{
		Type:    MediaTypeEpisode,
		Season:  2,
		Episode: 5,
		Parent:  GUIDs{"imdb": "tt100"},
	}
	assert.False(t, ep.HasGUIDs())
	assert.True(t, ep.HasRelativeGUID())
	assert.Equal(t, []string{"rel://imdb/tt100/2/5"}, ep.RelativePointers())
}

func TestShouldMarkAsUnplayed(t *testing.T) {
	playedAt := int64(100)
	cur := &State{Watched: true, Metadata: Metadata{
		"plex": {Watched: true, PlayedAt: &playedAt},
	}}
	incoming := &State{Via: "plex", Watched: false}

	assert.True(t, cur.ShouldMarkAsUnplayed(incoming, 500), "backend's recorded play date predates the watermark")
	assert.False(t, cur.ShouldMarkAsUnplayed(incoming, 50), "backend's recorded play date is after the watermark")

	firstObservation := &State{Via: "jellyfin", Watched: false}
	assert.False(t, cur.ShouldMarkAsUnplayed(firstObservation, 500), "never mark unplayed on a backend's first observation")

	unwatchedCur := &State{Watched: false}
	assert.False(t, unwatchedCur.ShouldMarkAsUnplayed(incoming, 500))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	g := GUIDs{"tmdb": "7", "imdb": "tt1"}
	raw, err := g.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"imdb":"tt1","tmdb":"7"}`, string(raw))
}
