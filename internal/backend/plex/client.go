// Package plex implements backend.Client for Plex Media Server, following
// the same request/get/post shape as internal/backend/jellyfinfamily but
// adapted to Plex's X-Plex-Token header and /:/scrobble, /:/unscrobble
// routes.
package plex

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mediasync/statesync/internal/backend"
)

// Config configures one Plex Media Server connection.
type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to a single Plex Media Server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	} else if httpClient.Timeout == 0 {
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
	}
}

func (c *Client) request(ctx context.Context, method, endpoint string) (*http.Response, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("plex: invalid base url: %w", err)
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("plex: invalid endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.ResolveReference(rel).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("plex: building request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("X-Plex-Token", c.token)
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plex: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &backend.StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	resp, err := c.request(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if result == nil {
		return nil
	}
	if err := xml.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("plex: decoding response: %w", err)
	}
	return nil
}

type mediaContainer struct {
	MachineIdentifier string     `xml:"machineIdentifier,attr"`
	Videos            []plexItem `xml:"Video"`
}

type plexGUID struct {
	ID string `xml:"id,attr"`
}

type plexItem struct {
	RatingKey     string     `xml:"ratingKey,attr"`
	Type          string     `xml:"type,attr"`
	Title         string     `xml:"title,attr"`
	Year          int        `xml:"year,attr"`
	ParentIndex   int        `xml:"parentIndex,attr"`
	Index         int        `xml:"index,attr"`
	GrandparentKey string    `xml:"grandparentRatingKey,attr"`
	ViewCount     int        `xml:"viewCount,attr"`
	LastViewedAt  int64      `xml:"lastViewedAt,attr"`
	AddedAt       int64      `xml:"addedAt,attr"`
	GUIDs         []plexGUID `xml:"Guid"`
}

func (it plexItem) toBackendItem() backend.Item {
	guids := make(map[string]string, len(it.GUIDs))
	for _, g := range it.GUIDs {
		// Plex GUIDs look like "imdb://tt0000000" or "tmdb://123".
		parts := strings.SplitN(g.ID, "://", 2)
		if len(parts) == 2 {
			guids[parts[0]] = parts[1]
		}
	}

	var playedAt *int64
	watched := it.ViewCount > 0
	if watched && it.LastViewedAt > 0 {
		v := it.LastViewedAt
		playedAt = &v
	}

	var parent map[string]string
	if it.GrandparentKey != "" {
		parent = map[string]string{"plex_show": it.GrandparentKey}
	}

	return backend.Item{
		ID:          it.RatingKey,
		Watched:     watched,
		PlayedAt:    playedAt,
		DateCreated: it.AddedAt,
		Title:       it.Title,
		Year:        it.Year,
		Season:      it.ParentIndex,
		Episode:     it.Index,
		GUIDs:       guids,
		Parent:      parent,
	}
}

// Discover returns the Plex server's machine identifier.
func (c *Client) Discover(ctx context.Context) (string, error) {
	var container mediaContainer
	if err := c.get(ctx, "/identity", &container); err != nil {
		return "", err
	}
	return container.MachineIdentifier, nil
}

// ListItems enumerates all movies and episodes across every library
// section. opts.Since is not honored server-side — Plex's library search
// has no reliable "changed since" filter — callers wanting incremental
// sync should prefer webhook ingestion over polling ListItems.
func (c *Client) ListItems(ctx context.Context, opts backend.ListOptions) ([]backend.Item, error) {
	var container mediaContainer
	if err := c.get(ctx, "/library/all?type=1", &container); err != nil {
		return nil, err
	}
	var episodes mediaContainer
	if err := c.get(ctx, "/library/all?type=4", &episodes); err != nil {
		return nil, err
	}

	out := make([]backend.Item, 0, len(container.Videos)+len(episodes.Videos))
	for _, it := range container.Videos {
		out = append(out, it.toBackendItem())
	}
	for _, it := range episodes.Videos {
		out = append(out, it.toBackendItem())
	}
	return out, nil
}

// GetItem fetches a single item by its Plex rating key.
func (c *Client) GetItem(ctx context.Context, id string) (*backend.Item, error) {
	var container mediaContainer
	if err := c.get(ctx, "/library/metadata/"+id, &container); err != nil {
		return nil, err
	}
	if len(container.Videos) == 0 {
		return nil, fmt.Errorf("plex: item %s not found", id)
	}
	item := container.Videos[0].toBackendItem()
	return &item, nil
}

// MarkPlayed scrobbles id as watched. Plex's /:/scrobble endpoint does not
// accept an explicit played-at time; the server stamps lastViewedAt itself.
func (c *Client) MarkPlayed(ctx context.Context, id string, _ time.Time) error {
	_, err := c.request(ctx, http.MethodGet, "/:/scrobble?identifier=com.plexapp.plugins.library&key="+url.QueryEscape(id))
	if err != nil {
		return err
	}
	return nil
}

// MarkUnplayed unscrobbles id.
func (c *Client) MarkUnplayed(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodGet, "/:/unscrobble?identifier=com.plexapp.plugins.library&key="+url.QueryEscape(id))
	return err
}

// webhookPayload is Plex's webhook JSON shape (the "payload" field of its
// multipart/form-data webhook POST — internal/webhook extracts that field
// before handing its bytes to DecodeWebhook). Only media.scrobble signals
// a completed watch; every other event type is returned with Skip set.
type webhookPayload struct {
	Event    string `json:"event"`
	Metadata struct {
		RatingKey          string     `json:"ratingKey"`
		Type               string     `json:"type"`
		Title              string     `json:"title"`
		Year               int        `json:"year"`
		Index              int        `json:"index"`
		ParentIndex        int        `json:"parentIndex"`
		GrandparentRatingKey string   `json:"grandparentRatingKey"`
		GUIDs              []plexGUID `json:"Guid"`
	} `json:"Metadata"`
}

const eventMediaScrobble = "media.scrobble"

// DecodeWebhook parses a Plex webhook JSON payload.
func (c *Client) DecodeWebhook(body []byte) (*backend.WebhookPayload, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("plex: decoding webhook payload: %w", err)
	}

	if p.Event != eventMediaScrobble {
		return &backend.WebhookPayload{Event: p.Event, Skip: true}, nil
	}

	guids := make(map[string]string, len(p.Metadata.GUIDs))
	for _, g := range p.Metadata.GUIDs {
		parts := strings.SplitN(g.ID, "://", 2)
		if len(parts) == 2 {
			guids[parts[0]] = parts[1]
		}
	}

	var parent map[string]string
	if p.Metadata.GrandparentRatingKey != "" {
		parent = map[string]string{"plex_show": p.Metadata.GrandparentRatingKey}
	}

	return &backend.WebhookPayload{
		Event:   p.Event,
		Watched: true,
		Item: backend.Item{
			ID:      p.Metadata.RatingKey,
			Watched: true,
			Title:   p.Metadata.Title,
			Year:    p.Metadata.Year,
			Season:  p.Metadata.ParentIndex,
			Episode: p.Metadata.Index,
			GUIDs:   guids,
			Parent:  parent,
		},
	}, nil
}

var _ backend.Client = (*Client)(nil)
