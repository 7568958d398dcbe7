package jellyfinfamily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasync/statesync/internal/backend"
)

func TestDiscoverReturnsServerID(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(publicSystemInfo{ID: "server-1"})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, APIKey: "secret"})
	id, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "server-1", id)
	assert.Equal(t, "/System/Info/Public", gotPath)
	assert.Contains(t, gotAuth, `Token="secret"`)
}

func TestListItemsDecodesProviderIDsAndUserData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Users/u1/Items", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(itemsResponse{Items: []jellyfinItem{
			{
				ID: "ep-1", Name: "Pilot", Type: "Episode",
				ParentIndexNumber: 1, IndexNumber: 1, SeriesID: "show-1",
				ProviderIds: map[string]string{"Imdb": "tt1"},
				UserData: struct {
					Played        bool   `json:"Played"`
					LastPlayedDate string `json:"LastPlayedDate"`
				}{Played: true, LastPlayedDate: "2024-01-02T03:04:05Z"},
			},
		}})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, APIKey: "secret", UserID: "u1"})
	items, err := c.ListItems(context.Background(), backend.ListOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, "ep-1", got.ID)
	assert.True(t, got.Watched)
	require.NotNil(t, got.PlayedAt)
	assert.Equal(t, "tt1", got.GUIDs["imdb"])
	assert.Equal(t, "show-1", got.Parent["jellyfin_series"])
	assert.Equal(t, 1, got.Season)
	assert.Equal(t, 1, got.Episode)
}

func TestMarkPlayedAndUnplayed(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, APIKey: "secret", UserID: "u1"})
	require.NoError(t, c.MarkPlayed(context.Background(), "item-1", time.Now()))
	require.NoError(t, c.MarkUnplayed(context.Background(), "item-1"))

	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0], "POST /Users/u1/PlayedItems/item-1"))
	assert.True(t, strings.HasPrefix(calls[1], "DELETE /Users/u1/PlayedItems/item-1"))
}

func TestDecodeWebhookPlaybackStopCompletion(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"})
	payload := []byte(`{"NotificationType":"PlaybackStop","ItemId":"item-1","Name":"Arrival","Year":2016,"PlayedToCompletion":true,"Provider_imdb":"tt2543164"}`)

	out, err := c.DecodeWebhook(payload)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.False(t, out.Skip)
	assert.True(t, out.Watched)
	assert.Equal(t, "item-1", out.Item.ID)
	assert.Equal(t, "tt2543164", out.Item.GUIDs["imdb"])
}

func TestDecodeWebhookIgnoresUnrelatedEvents(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"})
	payload := []byte(`{"NotificationType":"ItemAdded","ItemId":"item-1"}`)

	out, err := c.DecodeWebhook(payload)
	require.NoError(t, err)
	assert.True(t, out.Skip)
}

func TestNonSuccessStatusWrapsBodyAndCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid token"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, APIKey: "bad"})
	_, err := c.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid token")
}
