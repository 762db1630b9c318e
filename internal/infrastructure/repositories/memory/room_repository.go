package memory

import (
	"context"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// MemoryRoomRepository mirrors the Redis room repository for deployments
// without a shared store, and for tests.
type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Exists(_ context.Context, id domain.RoomID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.rooms[id]
	return exists, nil
}

func (r *MemoryRoomRepository) Create(_ context.Context, id domain.RoomID, firstPeer domain.Username) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; exists {
		return domain.ErrRoomExists
	}
	r.rooms[id] = &domain.Room{
		ID:        id,
		Peers:     []domain.Username{firstPeer},
		CreatedAt: time.Now(),
	}
	return nil
}

func (r *MemoryRoomRepository) Read(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	// Copy so callers cannot mutate stored state.
	peers := make([]domain.Username, len(room.Peers))
	copy(peers, room.Peers)
	return &domain.Room{
		ID:        room.ID,
		Peers:     peers,
		CreatedAt: room.CreatedAt,
	}, nil
}

func (r *MemoryRoomRepository) AppendPeer(_ context.Context, id domain.RoomID, peer domain.Username) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	room.Peers = append(room.Peers, peer)
	return nil
}

func (r *MemoryRoomRepository) RemovePeer(_ context.Context, id domain.RoomID, peer domain.Username) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return 0, domain.ErrRoomNotFound
	}

	peers := room.Peers[:0]
	for _, p := range room.Peers {
		if p != peer {
			peers = append(peers, p)
		}
	}
	room.Peers = peers
	return len(room.Peers), nil
}

func (r *MemoryRoomRepository) Delete(_ context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	return nil
}
