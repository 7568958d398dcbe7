package export

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/config"
	"github.com/mediasync/statesync/internal/metrics"
	"github.com/mediasync/statesync/internal/queue"
	"github.com/mediasync/statesync/internal/watchstate"
)

// fakeClient is a minimal backend.Client stub driven entirely by items
// keyed by id, for exercising the planner's decision steps without HTTP.
type fakeClient struct {
	mu    sync.Mutex
	items map[string]*backend.Item
	errs  map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: map[string]*backend.Item{}, errs: map[string]error{}}
}

func (f *fakeClient) Discover(context.Context) (string, error) { return "fake", nil }
func (f *fakeClient) ListItems(context.Context, backend.ListOptions) ([]backend.Item, error) {
	return nil, nil
}
func (f *fakeClient) GetItem(_ context.Context, id string) (*backend.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	item, ok := f.items[id]
	if !ok {
		return nil, &backend.StatusError{StatusCode: 404, Body: "not found"}
	}
	return item, nil
}
func (f *fakeClient) MarkPlayed(context.Context, string, time.Time) error { return nil }
func (f *fakeClient) MarkUnplayed(context.Context, string) error         { return nil }
func (f *fakeClient) DecodeWebhook([]byte) (*backend.WebhookPayload, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPlanner(t *testing.T, client backend.Client) (*Planner, *queue.Queue) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Backends = []config.BackendConfig{{Name: "plex", Kind: "plex", RequestsPerSecond: 100}}
	q := queue.New()
	t.Cleanup(func() { _ = q.Close() })
	planner := New(cfg, map[string]backend.Client{"plex": client}, q, metrics.New(), testLogger())
	return planner, q
}

func entity(watched bool, updated int64, via, backendID string) *watchstate.State {
	return &watchstate.State{
		Type:    watchstate.MediaTypeMovie,
		Watched: watched,
		Updated: updated,
		Via:     via,
		Metadata: watchstate.Metadata{
			"plex": {ID: backendID},
		},
	}
}

func int64p(v int64) *int64 { return &v }

func TestIdenticalStateIsSkipped(t *testing.T) {
	client := newFakeClient()
	client.items["1"] = &backend.Item{ID: "1", Watched: true, PlayedAt: int64p(500)}
	planner, _ := newTestPlanner(t, client)

	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Enqueued)
}

func TestMissingBackendIDIsSkipped(t *testing.T) {
	client := newFakeClient()
	planner, _ := newTestPlanner(t, client)

	e := entity(true, 1000, "plex", "")
	delete(e.Metadata, "plex")
	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{e}, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
}

func TestScenario6ExportSkipBackendNewer(t *testing.T) {
	// Canonical updated=1000, watched=1; backend reports Played=false,
	// DateCreated=1020, EXPORT_ALLOWED_TIME_DIFF=10 => 1020 >= 1000+10 =>
	// no action enqueued. Deferred here from internal/mapper's test suite
	// since it is properly an Export Planner scenario.
	client := newFakeClient()
	client.items["1"] = &backend.Item{ID: "1", Watched: false, DateCreated: 1020}
	planner, _ := newTestPlanner(t, client)

	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Enqueued)
}

func TestBackendOlderEnqueuesMarkPlayed(t *testing.T) {
	client := newFakeClient()
	client.items["1"] = &backend.Item{ID: "1", Watched: false, DateCreated: 900}
	planner, q := newTestPlanner(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan queue.ExportAction, 1)
	d := queue.NewDispatcher(q, "plex")
	go func() {
		_ = d.Run(ctx, func(_ context.Context, action queue.ExportAction) error {
			received <- action
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)

	select {
	case action := <-received:
		assert.Equal(t, "1", action.EntityID)
		assert.True(t, action.Watched)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for enqueued action")
	}
}

func TestDryRunDoesNotEnqueue(t *testing.T) {
	client := newFakeClient()
	client.items["1"] = &backend.Item{ID: "1", Watched: false, DateCreated: 900}
	planner, _ := newTestPlanner(t, client)

	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Planned)
	assert.Equal(t, 0, summary.Enqueued)
}

func TestStaleAfterGateIsSkippedUnlessIgnoreDate(t *testing.T) {
	client := newFakeClient()
	client.items["1"] = &backend.Item{ID: "1", Watched: false, DateCreated: 900}
	planner, _ := newTestPlanner(t, client)

	after := int64(2000)
	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{After: &after})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	summary, err = planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{After: &after, IgnoreDate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)
}

func TestNotFoundIsSkipped(t *testing.T) {
	client := newFakeClient()
	planner, _ := newTestPlanner(t, client)

	summary, err := planner.Plan(context.Background(), "plex", []*watchstate.State{entity(true, 1000, "plex", "missing")}, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
}

func TestUnknownBackendReturnsError(t *testing.T) {
	client := newFakeClient()
	planner, _ := newTestPlanner(t, client)

	_, err := planner.Plan(context.Background(), "nope", []*watchstate.State{entity(true, 1000, "plex", "1")}, PlanOptions{})
	require.Error(t, err)
}
