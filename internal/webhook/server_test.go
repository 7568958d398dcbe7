package webhook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/mapper"
	"github.com/mediasync/statesync/internal/metrics"
	"github.com/mediasync/statesync/internal/storage"
)

type stubClient struct {
	payload *backend.WebhookPayload
	err     error
}

func (s *stubClient) Discover(context.Context) (string, error) { return "stub", nil }
func (s *stubClient) ListItems(context.Context, backend.ListOptions) ([]backend.Item, error) {
	return nil, nil
}
func (s *stubClient) GetItem(context.Context, string) (*backend.Item, error) { return nil, nil }
func (s *stubClient) MarkPlayed(context.Context, string, time.Time) error    { return nil }
func (s *stubClient) MarkUnplayed(context.Context, string) error            { return nil }
func (s *stubClient) DecodeWebhook([]byte) (*backend.WebhookPayload, error) {
	return s.payload, s.err
}

func newTestServer(t *testing.T, cfg Config, client backend.Client) *Server {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mapper.New(store, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), map[string]bool{"plex": true}, mapper.Options{})
	return New(cfg, map[string]backend.Client{"plex": client}, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	srv := newTestServer(t, Config{Secret: "topsecret"}, &stubClient{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/plex", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAcceptsCorrectSecret(t *testing.T) {
	client := &stubClient{payload: &backend.WebhookPayload{Skip: true, Event: "media.play"}}
	srv := newTestServer(t, Config{Secret: "topsecret"}, client)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/plex", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Statesync-Webhook-Secret", "topsecret")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookUnknownBackendIs404(t *testing.T) {
	srv := newTestServer(t, Config{}, &stubClient{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/unknown", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookPlayStateEventFeedsMapper(t *testing.T) {
	client := &stubClient{payload: &backend.WebhookPayload{
		Event:   "media.scrobble",
		Watched: true,
		Item: backend.Item{
			ID:      "101",
			Watched: true,
			Title:   "Arrival",
			Year:    2016,
			GUIDs:   map[string]string{"imdb": "tt2543164"},
		},
	}}
	srv := newTestServer(t, Config{}, client)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/plex", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookSkippedEventReturnsOKWithoutMapperCall(t *testing.T) {
	client := &stubClient{payload: &backend.WebhookPayload{Skip: true, Event: "media.pause"}}
	srv := newTestServer(t, Config{}, client)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/plex", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractPayloadMultipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormField("payload")
	require.NoError(t, err)
	_, err = part.Write([]byte(`{"event":"media.scrobble"}`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/plex", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := extractPayload(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media.scrobble"}`, string(body))
}
