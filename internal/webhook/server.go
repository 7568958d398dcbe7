// Package webhook exposes the ingestion HTTP server spec.md names only as
// an external collaborator: a chi router that decodes a backend's webhook
// notification and feeds it to the Mapper. Mirrors the shape (not the
// content) of the example's internal/api chi server and its
// validateWebhookSecret/HandleJellyfinWebhook handlers.
package webhook

import (
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/mapper"
	"github.com/mediasync/statesync/internal/watchstate"
)

// Config controls the webhook server's auth and CORS behavior.
type Config struct {
	Secret       string
	AllowOrigins []string
}

// Server decodes per-backend webhook notifications into watchstate.State
// and hands them to a Mapper.
type Server struct {
	cfg           Config
	backends      map[string]backend.Client
	knownBackends map[string]bool
	mapper        *mapper.Mapper
	logger        *slog.Logger
}

// New constructs a Server. backends must be keyed by the same names the
// Mapper's knownBackends set recognizes.
func New(cfg Config, backends map[string]backend.Client, m *mapper.Mapper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	known := make(map[string]bool, len(backends))
	for name := range backends {
		known[name] = true
	}
	return &Server{cfg: cfg, backends: backends, knownBackends: known, mapper: m, logger: logger}
}

// Handler returns the HTTP handler for the webhook server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowOrigins := s.cfg.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowOrigins,
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Statesync-Webhook-Secret"},
		MaxAge:         300,
	}))

	r.Post("/webhooks/{backend}", s.handleWebhook)
	return r
}

func (s *Server) validateSecret(r *http.Request) bool {
	expected := strings.TrimSpace(s.cfg.Secret)
	if expected == "" {
		return true
	}
	provided := strings.TrimSpace(r.Header.Get("X-Statesync-Webhook-Secret"))
	if provided == "" {
		provided = strings.TrimSpace(r.URL.Query().Get("secret"))
	}
	return provided == expected
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.validateSecret(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	backendName := chi.URLParam(r, "backend")
	client, ok := s.backends[backendName]
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	payloadBytes, err := extractPayload(r)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	decoded, err := client.DecodeWebhook(payloadBytes)
	if err != nil {
		s.logger.Warn("webhook: decode failed", "backend", backendName, "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// Unknown or play-state-irrelevant events are accepted with 200 to
	// avoid the backend's own webhook plugin retrying them forever.
	if decoded == nil || decoded.Skip {
		w.WriteHeader(http.StatusOK)
		return
	}

	entity := toState(backendName, decoded)
	if err := entity.Validate(s.knownBackends); err != nil {
		s.logger.Warn("webhook: rejected invalid state", "backend", backendName, "event", decoded.Event, "error", err)
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	outcome, err := s.mapper.Add(r.Context(), entity, mapper.AddOptions{})
	if err != nil {
		s.logger.Error("webhook: mapper add failed", "backend", backendName, "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("webhook: processed", "backend", backendName, "event", decoded.Event, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}

// extractPayload returns the webhook's JSON body. Plex sends
// multipart/form-data with the JSON in a "payload" field; every other
// backend posts JSON directly.
func extractPayload(r *http.Request) ([]byte, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				return nil, err
			}
			if part.FormName() == "payload" {
				return io.ReadAll(part)
			}
		}
	}
	return io.ReadAll(r.Body)
}

func toState(backendName string, decoded *backend.WebhookPayload) *watchstate.State {
	item := decoded.Item
	item.Watched = decoded.Watched
	return item.ToState(backendName, time.Now().Unix())
}
