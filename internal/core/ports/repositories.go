package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// RoomRepository is the accessor over the shared durable store. Operations
// are read-modify-write with no cross-operation locking; callers that need
// atomicity across a read/write pair must serialize at a higher level.
type RoomRepository interface {
	Exists(ctx context.Context, id domain.RoomID) (bool, error)
	// Create stores a new room with firstPeer as its only member.
	// Returns domain.ErrRoomExists if the record is already present.
	Create(ctx context.Context, id domain.RoomID, firstPeer domain.Username) error
	// Read returns the ordered peer list. Returns domain.ErrRoomNotFound
	// if the record is absent.
	Read(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	AppendPeer(ctx context.Context, id domain.RoomID, peer domain.Username) error
	// RemovePeer removes peer from the list and returns the remaining count.
	RemovePeer(ctx context.Context, id domain.RoomID, peer domain.Username) (int, error)
	Delete(ctx context.Context, id domain.RoomID) error
}
