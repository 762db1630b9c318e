package services

import (
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"go.uber.org/zap"
)

// PeerSession is the in-memory bookkeeping for one (room, username) pair:
// both interactive transports, at most one producer per media kind, and any
// number of consumers keyed by consumer id.
type PeerSession struct {
	Room     domain.RoomID
	Username domain.Username

	SendTransport ports.Transport
	RecvTransport ports.Transport

	Producers map[domain.MediaKind]ports.Producer
	Consumers map[string]ports.Consumer
}

// SessionRegistry is the process-wide authority for peer session state.
// The durable store knows which peers belong to a room; the registry knows
// what media state each of them holds on this instance.
type SessionRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.Username]*PeerSession

	logger *zap.SugaredLogger
}

func NewSessionRegistry(logger *zap.SugaredLogger) *SessionRegistry {
	return &SessionRegistry{
		rooms:  make(map[domain.RoomID]map[domain.Username]*PeerSession),
		logger: logger,
	}
}

// Register creates an empty session record for the peer. A reconnect under
// the same identity replaces stale state: the previous record's resources
// are closed before the new record is installed.
func (r *SessionRegistry) Register(room domain.RoomID, user domain.Username) *PeerSession {
	r.mu.Lock()
	peers, ok := r.rooms[room]
	if !ok {
		peers = make(map[domain.Username]*PeerSession)
		r.rooms[room] = peers
	}
	stale := peers[user]
	session := &PeerSession{
		Room:      room,
		Username:  user,
		Producers: make(map[domain.MediaKind]ports.Producer),
		Consumers: make(map[string]ports.Consumer),
	}
	peers[user] = session
	r.mu.Unlock()

	if stale != nil {
		r.logger.Infow("replacing stale peer session",
			"room", room,
			"username", user,
		)
		releaseSession(stale)
	}
	return session
}

// Lookup returns the session for (room, user), or nil.
func (r *SessionRegistry) Lookup(room domain.RoomID, user domain.Username) *PeerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if peers, ok := r.rooms[room]; ok {
		return peers[user]
	}
	return nil
}

// AttachSendTransport records the peer's producing transport.
func (r *SessionRegistry) AttachSendTransport(room domain.RoomID, user domain.Username, t ports.Transport) error {
	return r.attach(room, user, func(s *PeerSession) { s.SendTransport = t })
}

// AttachRecvTransport records the peer's consuming transport.
func (r *SessionRegistry) AttachRecvTransport(room domain.RoomID, user domain.Username, t ports.Transport) error {
	return r.attach(room, user, func(s *PeerSession) { s.RecvTransport = t })
}

func (r *SessionRegistry) attach(room domain.RoomID, user domain.Username, set func(*PeerSession)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.rooms[room]
	if !ok {
		return domain.ErrPeerNotFound
	}
	session, ok := peers[user]
	if !ok {
		return domain.ErrPeerNotFound
	}
	set(session)
	return nil
}

// AddProducer records a producer, overwriting any existing producer of the
// same kind. The predecessor's resources are closed before the new handle
// is recorded.
func (r *SessionRegistry) AddProducer(room domain.RoomID, user domain.Username, p ports.Producer) error {
	r.mu.Lock()
	session := r.lookupLocked(room, user)
	if session == nil {
		r.mu.Unlock()
		return domain.ErrPeerNotFound
	}
	prev := session.Producers[p.Kind()]
	if prev != nil {
		delete(session.Producers, p.Kind())
	}
	r.mu.Unlock()

	if prev != nil {
		r.logger.Infow("closing replaced producer",
			"room", room,
			"username", user,
			"kind", p.Kind(),
			"producer_id", prev.ID(),
		)
		_ = prev.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	session = r.lookupLocked(room, user)
	if session == nil {
		// Peer torn down while the predecessor was closing.
		return domain.ErrPeerNotFound
	}
	session.Producers[p.Kind()] = p
	return nil
}

// Producer returns the peer's producer of the given kind, or nil.
func (r *SessionRegistry) Producer(room domain.RoomID, user domain.Username, kind domain.MediaKind) ports.Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if session := r.lookupLocked(room, user); session != nil {
		return session.Producers[kind]
	}
	return nil
}

// AddConsumer records a consumer under its own id.
func (r *SessionRegistry) AddConsumer(room domain.RoomID, user domain.Username, c ports.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.lookupLocked(room, user)
	if session == nil {
		return domain.ErrPeerNotFound
	}
	session.Consumers[c.ID()] = c
	return nil
}

// Consumer returns the peer's consumer with the given id, or nil.
func (r *SessionRegistry) Consumer(room domain.RoomID, user domain.Username, consumerID string) ports.Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if session := r.lookupLocked(room, user); session != nil {
		return session.Consumers[consumerID]
	}
	return nil
}

// RemoveConsumer forgets a consumer without closing it.
func (r *SessionRegistry) RemoveConsumer(room domain.RoomID, user domain.Username, consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session := r.lookupLocked(room, user); session != nil {
		delete(session.Consumers, consumerID)
	}
}

// Peers returns the usernames with a session record in the room.
func (r *SessionRegistry) Peers(room domain.RoomID) []domain.Username {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.rooms[room]
	out := make([]domain.Username, 0, len(peers))
	for user := range peers {
		out = append(out, user)
	}
	return out
}

// ProducersExcept enumerates every active producer in the room owned by a
// peer other than user, tagged with the owning username.
func (r *SessionRegistry) ProducersExcept(room domain.RoomID, user domain.Username) []domain.ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ProducerInfo
	for owner, session := range r.rooms[room] {
		if owner == user {
			continue
		}
		for kind, p := range session.Producers {
			out = append(out, domain.ProducerInfo{
				ProducerID: p.ID(),
				Username:   owner,
				Kind:       kind,
			})
		}
	}
	return out
}

// Teardown releases every resource held by the peer and removes its record.
// The record is removed first so a concurrent second invocation finds
// nothing to release; the operation is therefore safe to call more than
// once per departure.
func (r *SessionRegistry) Teardown(room domain.RoomID, user domain.Username) {
	r.mu.Lock()
	peers, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	session, ok := peers[user]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(peers, user)
	if len(peers) == 0 {
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	releaseSession(session)
	r.logger.Infow("peer session torn down",
		"room", room,
		"username", user,
	)
}

func (r *SessionRegistry) lookupLocked(room domain.RoomID, user domain.Username) *PeerSession {
	if peers, ok := r.rooms[room]; ok {
		return peers[user]
	}
	return nil
}

// releaseSession closes everything a session holds. Close errors are
// swallowed: teardown must be idempotent and an already-closed handle is
// treated as success.
func releaseSession(s *PeerSession) {
	for _, p := range s.Producers {
		_ = p.Close()
	}
	for _, c := range s.Consumers {
		_ = c.Close()
	}
	if s.SendTransport != nil {
		_ = s.SendTransport.Close()
	}
	if s.RecvTransport != nil {
		_ = s.RecvTransport.Close()
	}
}
