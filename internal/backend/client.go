// Package backend defines the contract the Export Planner and webhook
// ingestion drive against, plus the HTTP client families implementing it
// (§6's backend client collaborator).
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/mediasync/statesync/internal/watchstate"
)

// Item is a backend's own view of one title: its id in that backend, its
// reported watched state, and whatever GUIDs it can supply.
type Item struct {
	ID       string
	Watched  bool
	PlayedAt *int64
	// DateCreated is when the backend says it added this item, used by the
	// Export Planner as the drift-comparison date for items the backend
	// has never marked played (§4.4 step 5).
	DateCreated int64
	Title       string
	Year        int
	Season      int
	Episode     int
	GUIDs       map[string]string
	Parent      map[string]string
}

// ToState translates a backend's own view of an item into a canonical
// watchstate.State tagged with via, the way every ingestion path (webhook
// decode, scheduled ListItems reconcile) must: the backend's id goes only
// into that backend's BackendMeta sub-record, never the record's own
// identity, while the item's GUIDs and parent GUIDs are set both on the
// State itself and in that sub-record.
func (i Item) ToState(via string, updated int64) *watchstate.State {
	mediaType := watchstate.MediaTypeMovie
	if i.Season != 0 || i.Episode != 0 || len(i.Parent) != 0 {
		mediaType = watchstate.MediaTypeEpisode
	}

	playedAt := i.PlayedAt
	if playedAt == nil && i.Watched {
		v := updated
		playedAt = &v
	}

	return &watchstate.State{
		Type:    mediaType,
		Watched: i.Watched,
		Updated: updated,
		Via:     via,
		Title:   i.Title,
		Year:    i.Year,
		Season:  i.Season,
		Episode: i.Episode,
		GUIDs:   i.GUIDs,
		Parent:  i.Parent,
		Metadata: watchstate.Metadata{
			via: watchstate.BackendMeta{
				ID:       i.ID,
				Watched:  i.Watched,
				PlayedAt: playedAt,
				GUIDs:    i.GUIDs,
				Parent:   i.Parent,
			},
		},
	}
}

// ReportedAt returns the timestamp a scheduled ListItems reconcile should
// treat as this item's `updated` watermark: the backend's own play date
// when it has one, else when the backend says the item was added.
func (i Item) ReportedAt() int64 {
	if i.PlayedAt != nil {
		return *i.PlayedAt
	}
	return i.DateCreated
}

// ListOptions narrows a ListItems call.
type ListOptions struct {
	// Since restricts to items the backend reports changed after this
	// unix timestamp. Zero means "all items".
	Since int64
}

// WebhookPayload is the normalized result of decoding one backend's
// webhook notification body: the item it concerns, the reported watched
// state, and the raw event name (kept for logging/Extra, never for
// identity or merge decisions).
type WebhookPayload struct {
	Item    Item
	Watched bool
	Event   string
	// Skip marks an event that carries no play-state signal (a library
	// scan, a pause/resume heartbeat) — the caller should ignore it
	// rather than feed it to the Mapper.
	Skip bool
}

// Client is the per-backend HTTP collaborator the Export Planner and
// webhook ingestion are written against. jellyfinfamily and plex supply
// concrete implementations; any backend exposing a comparable play-state
// API can add another.
type Client interface {
	// Discover returns a stable identifier for the backend instance
	// (its server id). BackendMeta.ID holds the item's own id, not this.
	Discover(ctx context.Context) (backendID string, err error)
	ListItems(ctx context.Context, opts ListOptions) ([]Item, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	MarkPlayed(ctx context.Context, id string, at time.Time) error
	MarkUnplayed(ctx context.Context, id string) error
	// DecodeWebhook parses one webhook notification body into a
	// WebhookPayload. body is the backend's own JSON payload — for
	// backends whose webhooks arrive as multipart/form-data (Plex), the
	// caller extracts the JSON field before calling this.
	DecodeWebhook(body []byte) (*WebhookPayload, error)
}

// StatusError wraps a non-2xx HTTP response, carrying enough detail for
// the Export Planner to decide whether a failure is transient (§7).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the Export Planner should treat this response
// as transient rather than a permanent rejection of the request.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
