package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDispatchRoundTrip(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []ExportAction
	done := make(chan struct{})

	d := NewDispatcher(q, "plex")
	go func() {
		_ = d.Run(ctx, func(_ context.Context, action ExportAction) error {
			mu.Lock()
			got = append(got, action)
			mu.Unlock()
			close(done)
			return nil
		})
	}()

	// Give the subscriber goroutine a moment to register before publishing;
	// gochannel only delivers to subscribers active at publish time.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Enqueue(context.Background(), ExportAction{
		Backend:  "plex",
		EntityID: "101",
		Watched:  true,
		Updated:  1700000000,
		UserData: "test-trace",
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched action")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "plex", got[0].Backend)
	assert.Equal(t, "101", got[0].EntityID)
	assert.True(t, got[0].Watched)
	assert.Equal(t, int64(1700000000), got[0].Updated)
	assert.Equal(t, "test-trace", got[0].UserData)
}

func TestEnqueueIsolatesTopicsPerBackend(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plexCh, err := q.Subscribe(ctx, "plex")
	require.NoError(t, err)
	jellyfinCh, err := q.Subscribe(ctx, "jellyfin")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Enqueue(context.Background(), ExportAction{Backend: "plex", EntityID: "1"}))

	select {
	case msg := <-plexCh:
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("expected message on plex topic")
	}

	select {
	case <-jellyfinCh:
		t.Fatal("jellyfin topic should not have received the plex action")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherNacksOnHandlerError(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	seenSuccess := make(chan struct{})

	d := NewDispatcher(q, "plex")
	go func() {
		_ = d.Run(ctx, func(_ context.Context, _ ExportAction) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return assert.AnError
			}
			close(seenSuccess)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Enqueue(context.Background(), ExportAction{Backend: "plex", EntityID: "1"}))

	select {
	case <-seenSuccess:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery after nack")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}
