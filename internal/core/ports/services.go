package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// Notifier delivers fire-and-forget signaling notifications. Delivery
// failures are logged by implementations, never returned to the caller's
// control flow.
type Notifier interface {
	// Notify sends a notification to one peer in a room.
	Notify(room domain.RoomID, user domain.Username, method string, data interface{})
	// Broadcast sends a notification to every peer in the room except one.
	// An empty except delivers to everyone.
	Broadcast(room domain.RoomID, except domain.Username, method string, data interface{})
}

// EventBus announces room lifecycle transitions to out-of-process
// consumers (recorders, analytics, other instances). Best effort, like
// Notifier.
type EventBus interface {
	RoomCreated(room domain.RoomID)
	PeerJoined(room domain.RoomID, user domain.Username)
	PeerLeft(room domain.RoomID, user domain.Username)
	MeetingEnded(room domain.RoomID)
}

// NopEventBus discards all events.
type NopEventBus struct{}

func (NopEventBus) RoomCreated(domain.RoomID)                 {}
func (NopEventBus) PeerJoined(domain.RoomID, domain.Username) {}
func (NopEventBus) PeerLeft(domain.RoomID, domain.Username)   {}
func (NopEventBus) MeetingEnded(domain.RoomID)                {}

// PlaybackSupervisor owns at most one live-playback pipeline session per
// room.
type PlaybackSupervisor interface {
	// Start spawns the playback pipeline for the room off the given
	// producer, replacing any stale session first.
	Start(ctx context.Context, room domain.RoomID, producer Producer) error
	// StartIfInactive starts a session only when none is recorded for the
	// room and reports whether it did. Concurrent calls for one room yield
	// at most one session.
	StartIfInactive(ctx context.Context, room domain.RoomID, producer Producer) (bool, error)
	// Stop kills the subprocess if present and forgets the session
	// immediately; resources are released asynchronously.
	Stop(room domain.RoomID)
	// Active reports whether a session is currently recorded for the room.
	Active(room domain.RoomID) bool
}

// InjectionSupervisor feeds a pre-recorded file into a room as a synthetic
// peer's producers.
type InjectionSupervisor interface {
	Start(ctx context.Context, room domain.RoomID, filePath string, loop bool) error
	Stop(room domain.RoomID)
	Active(room domain.RoomID) bool
}
