// Package jellyfinfamily implements backend.Client for Jellyfin and Emby,
// which share the MediaBrowser auth scheme and PlayedItems routes. Grounded
// on the example codebase's internal/jellyfin/client.go: the same
// baseURL/apiKey/httpClient struct and request/get/post trio, the same
// MediaBrowser auth header format, and the same non-2xx-wraps-status-and-body
// error handling.
package jellyfinfamily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mediasync/statesync/internal/backend"
)

// Config configures one Jellyfin/Emby server connection.
type Config struct {
	URL        string
	APIKey     string
	UserID     string
	ClientName string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to a single Jellyfin or Emby server.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	clientName string
	deviceID   string
	httpClient *http.Client
}

// New constructs a Client. If cfg.HTTPClient is nil, one is created with
// cfg.Timeout (default 30s).
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

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "statesync"
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		clientName: clientName,
		deviceID:   "statesync-daemon",
		httpClient: httpClient,
	}
}

func (c *Client) authHeader() string {
	return fmt.Sprintf(`MediaBrowser Token="%s", Client="%s", Device="%s", DeviceId="%s", Version="1.0.0"`,
		c.apiKey, c.clientName, c.clientName, c.deviceID)
}

func (c *Client) request(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("jellyfinfamily: invalid base url: %w", err)
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("jellyfinfamily: invalid endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.ResolveReference(rel).String(), body)
	if err != nil {
		return nil, fmt.Errorf("jellyfinfamily: building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.authHeader())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jellyfinfamily: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &backend.StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	resp, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("jellyfinfamily: decoding response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("jellyfinfamily: encoding payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.request(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type publicSystemInfo struct {
	ID string `json:"Id"`
}

// Discover returns the server's own id, from the unauthenticated
// /System/Info/Public endpoint.
func (c *Client) Discover(ctx context.Context) (string, error) {
	var info publicSystemInfo
	if err := c.get(ctx, "/System/Info/Public", &info); err != nil {
		return "", err
	}
	return info.ID, nil
}

type itemsResponse struct {
	Items []jellyfinItem `json:"Items"`
}

type jellyfinItem struct {
	ID            string            `json:"Id"`
	Name          string            `json:"Name"`
	Type          string            `json:"Type"`
	ProductionYear int              `json:"ProductionYear"`
	ParentIndexNumber int           `json:"ParentIndexNumber"`
	IndexNumber   int               `json:"IndexNumber"`
	ProviderIds   map[string]string `json:"ProviderIds"`
	SeriesID      string            `json:"SeriesId"`
	DateCreated   string            `json:"DateCreated"`
	UserData      struct {
		Played        bool   `json:"Played"`
		LastPlayedDate string `json:"LastPlayedDate"`
	} `json:"UserData"`
}

func (it jellyfinItem) toBackendItem() backend.Item {
	guids := make(map[string]string, len(it.ProviderIds))
	for ns, id := range it.ProviderIds {
		guids[strings.ToLower(ns)] = id
	}

	var playedAt *int64
	if it.UserData.Played && it.UserData.LastPlayedDate != "" {
		if t, err := time.Parse(time.RFC3339, it.UserData.LastPlayedDate); err == nil {
			v := t.Unix()
			playedAt = &v
		}
	}

	var parent map[string]string
	if it.SeriesID != "" {
		parent = map[string]string{"jellyfin_series": it.SeriesID}
	}

	var dateCreated int64
	if t, err := time.Parse(time.RFC3339, it.DateCreated); err == nil {
		dateCreated = t.Unix()
	}

	return backend.Item{
		ID:          it.ID,
		Watched:     it.UserData.Played,
		PlayedAt:    playedAt,
		DateCreated: dateCreated,
		Title:       it.Name,
		Year:        it.ProductionYear,
		Season:      it.ParentIndexNumber,
		Episode:     it.IndexNumber,
		GUIDs:       guids,
		Parent:      parent,
	}
}

// ListItems enumerates movies and episodes, optionally filtered to those
// changed since opts.Since.
func (c *Client) ListItems(ctx context.Context, opts backend.ListOptions) ([]backend.Item, error) {
	endpoint := fmt.Sprintf("/Users/%s/Items?Recursive=true&IncludeItemTypes=Movie,Episode&Fields=ProviderIds,UserData&UserData=true", c.userID)
	if opts.Since > 0 {
		endpoint += "&MinDateLastSaved=" + url.QueryEscape(time.Unix(opts.Since, 0).UTC().Format(time.RFC3339))
	}

	var resp itemsResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	out := make([]backend.Item, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, it.toBackendItem())
	}
	return out, nil
}

// GetItem fetches a single item by its Jellyfin/Emby id.
func (c *Client) GetItem(ctx context.Context, id string) (*backend.Item, error) {
	var it jellyfinItem
	if err := c.get(ctx, "/Users/"+c.userID+"/Items/"+id+"?Fields=ProviderIds,UserData", &it); err != nil {
		return nil, err
	}
	item := it.toBackendItem()
	return &item, nil
}

// MarkPlayed reports id as played at the given time via PlayedItems.
func (c *Client) MarkPlayed(ctx context.Context, id string, at time.Time) error {
	endpoint := fmt.Sprintf("/Users/%s/PlayedItems/%s?DatePlayed=%s", c.userID, id,
		url.QueryEscape(at.UTC().Format(time.RFC3339)))
	return c.post(ctx, endpoint, nil)
}

// MarkUnplayed reports id as unplayed.
func (c *Client) MarkUnplayed(ctx context.Context, id string) error {
	resp, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/Users/%s/PlayedItems/%s", c.userID, id), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// webhookEvent is the payload shape sent by the Jellyfin/Emby Webhook
// plugin, grounded on the example's internal/jellyfin/webhook_types.go
// WebhookEvent struct, extended with the PlayedToCompletion/Played fields
// the plugin actually sends alongside PlaybackStop (the trimmed example
// struct omitted them since that codebase never needed a watched signal).
type webhookEvent struct {
	NotificationType string `json:"NotificationType"`

	ItemID   string `json:"ItemId"`
	ItemName string `json:"Name"`
	ItemType string `json:"ItemType"`
	Year     int    `json:"Year"`

	SeriesID      string `json:"SeriesId"`
	SeasonNumber  int    `json:"SeasonNumber0"`
	EpisodeNumber int    `json:"EpisodeNumber0"`

	ProviderTmdb string `json:"Provider_tmdb"`
	ProviderTvdb string `json:"Provider_tvdb"`
	ProviderImdb string `json:"Provider_imdb"`

	Played             bool `json:"Played"`
	PlayedToCompletion bool `json:"PlayedToCompletion"`

	Timestamp string `json:"Timestamp"`
}

const (
	eventPlaybackStop = "PlaybackStop"
	eventMarkPlayed    = "UserDataSaved"
)

// DecodeWebhook parses a Jellyfin/Emby Webhook plugin notification.
// Only PlaybackStop (with PlayedToCompletion) and UserDataSaved (a manual
// played/unplayed toggle, with Played) carry a play-state signal; every
// other NotificationType is returned with Skip set.
func (c *Client) DecodeWebhook(body []byte) (*backend.WebhookPayload, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("jellyfinfamily: decoding webhook payload: %w", err)
	}

	switch ev.NotificationType {
	case eventPlaybackStop, eventMarkPlayed:
	default:
		return &backend.WebhookPayload{Event: ev.NotificationType, Skip: true}, nil
	}

	guids := map[string]string{}
	if ev.ProviderImdb != "" {
		guids["imdb"] = ev.ProviderImdb
	}
	if ev.ProviderTmdb != "" {
		guids["tmdb"] = ev.ProviderTmdb
	}
	if ev.ProviderTvdb != "" {
		guids["tvdb"] = ev.ProviderTvdb
	}

	var parent map[string]string
	if ev.SeriesID != "" {
		parent = map[string]string{"jellyfin_series": ev.SeriesID}
	}

	watched := ev.Played || (ev.NotificationType == eventPlaybackStop && ev.PlayedToCompletion)

	return &backend.WebhookPayload{
		Event:   ev.NotificationType,
		Watched: watched,
		Item: backend.Item{
			ID:      ev.ItemID,
			Watched: watched,
			Title:   ev.ItemName,
			Year:    ev.Year,
			Season:  ev.SeasonNumber,
			Episode: ev.EpisodeNumber,
			GUIDs:   guids,
			Parent:  parent,
		},
	}, nil
}

var _ backend.Client = (*Client)(nil)
