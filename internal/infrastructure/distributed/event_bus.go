package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomcast/internal/core/domain"
)

// EventType identifies a room lifecycle transition.
type EventType string

const (
	EventRoomCreated  EventType = "room.created"
	EventPeerJoined   EventType = "peer.joined"
	EventPeerLeft     EventType = "peer.left"
	EventMeetingEnded EventType = "meeting.ended"
)

const eventChannel = "roomcast:events"

// Event is the wire form of a room lifecycle event on the shared pub/sub
// channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Room       domain.RoomID   `json:"room,omitempty"`
	Username   domain.Username `json:"username,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// RoomEventBus publishes room lifecycle events over Redis pub/sub so
// out-of-process consumers (recorders, analytics, sibling instances) can
// react to them. Implements ports.EventBus.
type RoomEventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

// NewRoomEventBus creates an event bus bound to a single instance identity.
// Events published by this instance are skipped by its own Subscribe loop.
func NewRoomEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RoomEventBus {
	return &RoomEventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// RoomCreated announces that a room document was created.
func (eb *RoomEventBus) RoomCreated(room domain.RoomID) {
	eb.publish(&Event{Type: EventRoomCreated, Room: room})
}

// PeerJoined announces that a user joined a room.
func (eb *RoomEventBus) PeerJoined(room domain.RoomID, user domain.Username) {
	eb.publish(&Event{Type: EventPeerJoined, Room: room, Username: user})
}

// PeerLeft announces that a user left a room.
func (eb *RoomEventBus) PeerLeft(room domain.RoomID, user domain.Username) {
	eb.publish(&Event{Type: EventPeerLeft, Room: room, Username: user})
}

// MeetingEnded announces that a room was torn down.
func (eb *RoomEventBus) MeetingEnded(room domain.RoomID) {
	eb.publish(&Event{Type: EventMeetingEnded, Room: room})
}

func (eb *RoomEventBus) publish(event *Event) {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		eb.logger.Warnw("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := eb.client.Publish(ctx, eventChannel, data).Err(); err != nil {
		eb.logger.Warnw("failed to publish event",
			"type", event.Type,
			"room", event.Room,
			"error", err,
		)
		return
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room", event.Room,
		"username", event.Username,
	)
}

// Subscribe consumes events published by other instances and passes them to
// handler. Blocks until ctx is cancelled.
func (eb *RoomEventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eventChannel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
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

// Close closes the subscription if one is active.
func (eb *RoomEventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
