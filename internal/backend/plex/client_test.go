package plex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasync/statesync/internal/backend"
)

func TestDiscoverReturnsMachineIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/identity", r.URL.Path)
		require.Equal(t, "tok", r.Header.Get("X-Plex-Token"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<MediaContainer machineIdentifier="plex-abc"></MediaContainer>`))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Token: "tok"})
	id, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "plex-abc", id)
}

func TestListItemsParsesGUIDsAndViewState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		switch r.URL.Query().Get("type") {
		case "1":
			_, _ = w.Write([]byte(`<MediaContainer>
				<Video ratingKey="101" title="Arrival" year="2016" viewCount="1" lastViewedAt="1700000000">
					<Guid id="imdb://tt2543164"/>
					<Guid id="tmdb://329865"/>
				</Video>
			</MediaContainer>`))
		default:
			_, _ = w.Write([]byte(`<MediaContainer></MediaContainer>`))
		}
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Token: "tok"})
	items, err := c.ListItems(context.Background(), backend.ListOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, "101", got.ID)
	assert.True(t, got.Watched)
	require.NotNil(t, got.PlayedAt)
	assert.Equal(t, int64(1700000000), *got.PlayedAt)
	assert.Equal(t, "tt2543164", got.GUIDs["imdb"])
	assert.Equal(t, "329865", got.GUIDs["tmdb"])
}

func TestDecodeWebhookScrobbleEvent(t *testing.T) {
	c := New(Config{URL: "http://example.invalid", Token: "tok"})
	payload := []byte(`{"event":"media.scrobble","Metadata":{"ratingKey":"101","title":"Arrival","year":2016,"Guid":[{"id":"imdb://tt2543164"}]}}`)

	out, err := c.DecodeWebhook(payload)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.False(t, out.Skip)
	assert.True(t, out.Watched)
	assert.Equal(t, "101", out.Item.ID)
	assert.Equal(t, "tt2543164", out.Item.GUIDs["imdb"])
}

func TestDecodeWebhookIgnoresNonScrobbleEvents(t *testing.T) {
	c := New(Config{URL: "http://example.invalid", Token: "tok"})
	payload := []byte(`{"event":"media.play","Metadata":{"ratingKey":"101"}}`)

	out, err := c.DecodeWebhook(payload)
	require.NoError(t, err)
	assert.True(t, out.Skip)
}

func TestMarkPlayedAndUnplayed(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<MediaContainer></MediaContainer>`))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Token: "tok"})
	require.NoError(t, c.MarkPlayed(context.Background(), "101", time.Now()))
	require.NoError(t, c.MarkUnplayed(context.Background(), "101"))
	require.Len(t, calls, 2)
	assert.Equal(t, "/:/scrobble", calls[0])
	assert.Equal(t, "/:/unscrobble", calls[1])
}
