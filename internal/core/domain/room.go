package domain

import "time"

type RoomID string
type Username string

// Room is the durable record shared through the external store.
// Peers is an ordered list; the room exists as long as the record does.
type Room struct {
	ID        RoomID     `json:"id"`
	Peers     []Username `json:"peers"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasPeer reports whether user is in the durable peer list.
func (r *Room) HasPeer(user Username) bool {
	for _, p := range r.Peers {
		if p == user {
			return true
		}
	}
	return false
}
