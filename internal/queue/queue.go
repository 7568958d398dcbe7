// Package queue implements the Export Planner's outbound action queue on
// top of Watermill's in-process gochannel Pub/Sub, adopted from the
// cartographus example repo's event-processing stack (internal/eventprocessor's
// Watermill publisher/subscriber wrapping, minus the NATS transport — a
// single-process reconciler has no need for a durable broker, just the same
// message.Message/Publisher/Subscriber contract).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// ExportAction is one outbound instruction the Export Planner hands off:
// tell `backend` to mark `EntityID` as `Watched` as of `Updated` (§4.4, §6).
type ExportAction struct {
	Backend  string `json:"backend"`
	EntityID string `json:"entity_id"`
	Watched  bool   `json:"watched"`
	Updated  int64  `json:"updated"`
	// UserData carries the caller-supplied annotation used purely for
	// logging/tracing, matching the Queue contract's `user_data` field
	// (§6) — never interpreted by the queue itself.
	UserData string `json:"user_data,omitempty"`
}

func topicFor(backend string) string {
	return "export." + backend
}

// Queue wraps a gochannel Pub/Sub pair, giving the Export Planner a single
// Enqueue method per §6's abstract Queue contract.
type Queue struct {
	pubSub *gochannel.GoChannel
}

// New constructs an in-process Queue. Messages persist only as long as
// there is an active Dispatcher subscribed; there is no durable backing
// store, matching the single-process deployment model this reconciler
// targets.
func New() *Queue {
	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
	return &Queue{pubSub: pubSub}
}

// Enqueue publishes action on its backend-specific topic.
func (q *Queue) Enqueue(ctx context.Context, action ExportAction) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("queue: encoding action: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("user_data", action.UserData)
	msg.Metadata.Set("backend", action.Backend)
	msg.SetContext(ctx)

	if err := q.pubSub.Publish(topicFor(action.Backend), msg); err != nil {
		return fmt.Errorf("queue: publishing action: %w", err)
	}
	return nil
}

// Subscribe returns the raw Watermill message channel for a backend's
// topic, for callers that want lower-level control than Dispatcher.Run.
func (q *Queue) Subscribe(ctx context.Context, backendName string) (<-chan *message.Message, error) {
	return q.pubSub.Subscribe(ctx, topicFor(backendName))
}

// Close shuts down the underlying Pub/Sub.
func (q *Queue) Close() error {
	return q.pubSub.Close()
}

// Dispatcher drains a backend's topic and invokes a handler for each
// action, ack'ing on success and nack'ing on transient failure so
// Watermill's at-least-once delivery can redeliver it.
type Dispatcher struct {
	queue       *Queue
	backendName string
}

// NewDispatcher builds a Dispatcher bound to one backend's topic.
func NewDispatcher(q *Queue, backendName string) *Dispatcher {
	return &Dispatcher{queue: q, backendName: backendName}
}

// Run subscribes to the dispatcher's topic and invokes handler for every
// message until ctx is canceled. A handler error nacks the message;
// success acks it.
func (d *Dispatcher) Run(ctx context.Context, handler func(ctx context.Context, action ExportAction) error) error {
	messages, err := d.queue.Subscribe(ctx, d.backendName)
	if err != nil {
		return fmt.Errorf("queue: subscribing: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			d.handle(msg, handler)
		}
	}
}

func (d *Dispatcher) handle(msg *message.Message, handler func(ctx context.Context, action ExportAction) error) {
	var action ExportAction
	if err := json.Unmarshal(msg.Payload, &action); err != nil {
		// A malformed payload can never succeed on redelivery; ack it away
		// rather than nacking forever.
		msg.Ack()
		return
	}

	deadline, cancel := context.WithTimeout(msg.Context(), 30*time.Second)
	defer cancel()

	if err := handler(deadline, action); err != nil {
		msg.Nack()
		return
	}
	msg.Ack()
}
