package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository stores one JSON document per room. Mutations are
// read-modify-write; the in-process caller serializes same-room mutators,
// and a per-room Redis lock extends that serialization across instances
// sharing the store.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
	locks  *distributed.LockManager
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "roomcast:room:",
		locks:  distributed.NewLockManager(client, "roomcast:lock:room:"),
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomRepository) indexKey() string {
	return "roomcast:rooms"
}

func (r *RedisRoomRepository) Exists(ctx context.Context, id domain.RoomID) (bool, error) {
	n, err := r.client.Exists(ctx, r.roomKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room in Redis: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRoomRepository) Create(ctx context.Context, id domain.RoomID, firstPeer domain.Username) error {
	room := &domain.Room{
		ID:        id,
		Peers:     []domain.Username{firstPeer},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	set, err := r.client.SetNX(ctx, r.roomKey(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	if !set {
		return domain.ErrRoomExists
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to add room to index: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Read(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RedisRoomRepository) AppendPeer(ctx context.Context, id domain.RoomID, peer domain.Username) error {
	unlock, err := r.lockRoom(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := r.Read(ctx, id)
	if err != nil {
		return err
	}
	room.Peers = append(room.Peers, peer)
	return r.write(ctx, room)
}

func (r *RedisRoomRepository) RemovePeer(ctx context.Context, id domain.RoomID, peer domain.Username) (int, error) {
	unlock, err := r.lockRoom(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	room, err := r.Read(ctx, id)
	if err != nil {
		return 0, err
	}

	peers := room.Peers[:0]
	for _, p := range room.Peers {
		if p != peer {
			peers = append(peers, p)
		}
	}
	room.Peers = peers

	if err := r.write(ctx, room); err != nil {
		return 0, err
	}
	return len(room.Peers), nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	if err := r.client.SRem(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove room from index: %w", err)
	}
	n, err := r.client.Del(ctx, r.roomKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// lockRoom serializes a read-modify-write across processes sharing the
// store.
func (r *RedisRoomRepository) lockRoom(ctx context.Context, id domain.RoomID) (func(), error) {
	lock := r.locks.AcquireLock(string(id), 10*time.Second)
	if err := lock.LockWithTimeout(ctx, 5*time.Second); err != nil {
		return nil, fmt.Errorf("failed to lock room %s: %w", id, err)
	}
	return func() {
		// Expiry reclaims the lock if the release fails.
		_ = lock.Unlock(context.WithoutCancel(ctx))
	}, nil
}

func (r *RedisRoomRepository) write(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.roomKey(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	return nil
}
