package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callcore/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const EventCallEnded EventType = "call.ended"

const eventsChannel = "callcore:events"

// Event is the envelope published on the Redis channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	CallID     domain.CallID   `json:"call_id,omitempty"`
	PeerID     domain.PeerID   `json:"peer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus fans call events out to other processes over Redis pub/sub.
// Events published by this instance are not delivered back to it.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    eventsChannel,
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"call_id", event.CallID,
		"peer_id", event.PeerID,
	)
	return nil
}

// PublishCallEnded announces a persisted call record.
func (eb *EventBus) PublishCallEnded(ctx context.Context, record *domain.CallRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}
	return eb.Publish(ctx, &Event{
		Type:      EventCallEnded,
		Timestamp: record.EndedAt,
		CallID:    record.CallID,
		PeerID:    record.RemotePeer,
		Payload:   payload,
	})
}

// Subscribe blocks delivering events from other instances to handler until
// ctx is done. The subscription is confirmed before Subscribe starts
// reading, so events published after ready is closed are not missed.
func (eb *EventBus) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}
