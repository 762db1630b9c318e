package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/utils"

	"go.uber.org/zap"
)

// JoinResult is the success payload of a join request.
type JoinResult struct {
	Capabilities domain.RTPCapabilities `json:"capabilities"`
	Producers    []domain.ProducerInfo  `json:"producers"`
}

// TransportsResult carries the connection parameters for both interactive
// transports, created in a single operation.
type TransportsResult struct {
	Send domain.TransportParameters `json:"send"`
	Recv domain.TransportParameters `json:"recv"`
}

// ConsumeResult is the success payload of a consume request. The consumer
// is paused until the peer sends resume.
type ConsumeResult struct {
	ConsumerID    string               `json:"consumer_id"`
	ProducerID    string               `json:"producer_id"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtp_parameters"`
}

// MeetingService is the protocol state machine behind the signaling
// connection: it validates preconditions, drives the room directory, the
// session registry, the media engine and the pipeline supervisors, and
// emits outbound notifications.
type MeetingService struct {
	rooms     ports.RoomRepository
	registry  *SessionRegistry
	engine    ports.MediaEngine
	notifier  ports.Notifier
	playback  ports.PlaybackSupervisor
	injection ports.InjectionSupervisor
	metrics   ports.Metrics
	events    ports.EventBus
	logger    *zap.SugaredLogger

	// roomLocks serializes read-modify-write sequences against the durable
	// peer list; the store itself offers no transactions. Entries are
	// dropped once the last holder releases.
	roomLocks *utils.KeyedMutex
}

func NewMeetingService(
	rooms ports.RoomRepository,
	registry *SessionRegistry,
	engine ports.MediaEngine,
	notifier ports.Notifier,
	playback ports.PlaybackSupervisor,
	injection ports.InjectionSupervisor,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *MeetingService {
	return &MeetingService{
		rooms:     rooms,
		registry:  registry,
		engine:    engine,
		notifier:  notifier,
		playback:  playback,
		injection: injection,
		metrics:   metrics,
		events:    ports.NopEventBus{},
		logger:    logger,
		roomLocks: utils.NewKeyedMutex(),
	}
}

// SetEventBus replaces the default no-op bus. Call before serving traffic.
func (s *MeetingService) SetEventBus(events ports.EventBus) {
	s.events = events
}

func (s *MeetingService) lockRoom(room domain.RoomID) func() {
	return s.roomLocks.Lock(string(room))
}

// Join admits a peer into a room. When create is set the room must not
// exist yet; otherwise it must. On success the peer is registered and the
// result enumerates every other peer's active producers so the newcomer can
// request consumption of each.
func (s *MeetingService) Join(ctx context.Context, room domain.RoomID, user domain.Username, create bool) (*JoinResult, error) {
	started := time.Now()
	unlock := s.lockRoom(room)
	defer unlock()

	if create {
		if err := s.rooms.Create(ctx, room, user); err != nil {
			return nil, err
		}
		s.metrics.RoomCreated()
		s.events.RoomCreated(room)
	} else {
		record, err := s.rooms.Read(ctx, room)
		if err != nil {
			return nil, err
		}
		if !record.HasPeer(user) {
			if err := s.rooms.AppendPeer(ctx, room, user); err != nil {
				return nil, fmt.Errorf("append peer: %w", err)
			}
		}
	}

	s.registry.Register(room, user)

	router, err := s.engine.Router(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("room router: %w", err)
	}

	s.metrics.PeerJoined(room)
	s.events.PeerJoined(room, user)
	s.metrics.ObserveJoinDuration(time.Since(started).Seconds())
	s.logger.Infow("peer joined",
		"room", room,
		"username", user,
		"creator", create,
	)

	return &JoinResult{
		Capabilities: router.Capabilities(),
		Producers:    s.registry.ProducersExcept(room, user),
	}, nil
}

// CreateTransports allocates the peer's send and recv transports in one
// operation and returns connection parameters for both.
func (s *MeetingService) CreateTransports(ctx context.Context, room domain.RoomID, user domain.Username) (*TransportsResult, error) {
	if s.registry.Lookup(room, user) == nil {
		return nil, domain.ErrPeerNotFound
	}
	router, err := s.engine.Router(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("room router: %w", err)
	}

	send, err := router.CreateTransport(ctx, domain.DirectionSend)
	if err != nil {
		return nil, fmt.Errorf("create send transport: %w", err)
	}
	recv, err := router.CreateTransport(ctx, domain.DirectionRecv)
	if err != nil {
		_ = send.Close()
		return nil, fmt.Errorf("create recv transport: %w", err)
	}

	if err := s.registry.AttachSendTransport(room, user, send); err != nil {
		_ = send.Close()
		_ = recv.Close()
		return nil, err
	}
	if err := s.registry.AttachRecvTransport(room, user, recv); err != nil {
		_ = send.Close()
		_ = recv.Close()
		return nil, err
	}

	return &TransportsResult{
		Send: send.Parameters(),
		Recv: recv.Parameters(),
	}, nil
}

// ConnectTransport supplies the peer's security parameters for one side.
// Idempotent per side.
func (s *MeetingService) ConnectTransport(ctx context.Context, room domain.RoomID, user domain.Username, direction domain.TransportDirection, dtls domain.DTLSParameters) error {
	session := s.registry.Lookup(room, user)
	if session == nil {
		return domain.ErrPeerNotFound
	}
	var transport ports.Transport
	switch direction {
	case domain.DirectionSend:
		transport = session.SendTransport
	case domain.DirectionRecv:
		transport = session.RecvTransport
	default:
		return fmt.Errorf("unknown transport direction %q", direction)
	}
	if transport == nil {
		return domain.ErrTransportNotFound
	}
	return transport.Connect(ctx, dtls)
}

// Produce creates an outbound stream for the peer, overwriting any
// same-kind predecessor, announces it to the rest of the room, and, for the
// first video producer, triggers the playback pipeline. A playback start
// failure is logged and never fails the produce call.
func (s *MeetingService) Produce(ctx context.Context, room domain.RoomID, user domain.Username, kind domain.MediaKind, params domain.RTPParameters) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown media kind %q", kind)
	}
	session := s.registry.Lookup(room, user)
	if session == nil {
		return "", domain.ErrPeerNotFound
	}
	if session.SendTransport == nil {
		return "", domain.ErrTransportNotFound
	}

	producer, err := session.SendTransport.Produce(ctx, kind, params, map[string]string{
		"username": string(user),
	})
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}
	if err := s.registry.AddProducer(room, user, producer); err != nil {
		_ = producer.Close()
		return "", err
	}
	s.metrics.ProducerAdded(kind)

	s.notifier.Broadcast(room, user, "newProducer", domain.ProducerInfo{
		ProducerID: producer.ID(),
		Username:   user,
		Kind:       kind,
	})

	if kind == domain.KindVideo {
		go s.startPlayback(room, producer)
	}

	s.logger.Infow("producer created",
		"room", room,
		"username", user,
		"kind", kind,
		"producer_id", producer.ID(),
	)
	return producer.ID(), nil
}

// startPlayback is fire-and-forget with respect to the produce call. The
// supervisor decides atomically whether the room already has a session, so
// racing producers cannot spawn a second transcoder.
func (s *MeetingService) startPlayback(room domain.RoomID, producer ports.Producer) {
	started, err := s.playback.StartIfInactive(context.Background(), room, producer)
	if err != nil {
		s.metrics.PipelineFailed()
		s.logger.Warnw("playback pipeline failed to start",
			"room", room,
			"producer_id", producer.ID(),
			"error", err,
		)
		return
	}
	if started {
		s.metrics.PlaybackStarted()
	}
}

// Consume creates a paused consumer of the target producer for the peer.
// The peer must resume it separately once local setup completes.
func (s *MeetingService) Consume(ctx context.Context, room domain.RoomID, user domain.Username, producerID string, caps domain.RTPCapabilities) (*ConsumeResult, error) {
	session := s.registry.Lookup(room, user)
	if session == nil {
		return nil, domain.ErrPeerNotFound
	}
	if session.RecvTransport == nil {
		return nil, domain.ErrTransportNotFound
	}
	router, err := s.engine.Router(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("room router: %w", err)
	}
	if err := router.CanConsume(producerID, caps); err != nil {
		return nil, err
	}

	consumer, err := session.RecvTransport.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	if err := s.registry.AddConsumer(room, user, consumer); err != nil {
		_ = consumer.Close()
		return nil, err
	}

	return &ConsumeResult{
		ConsumerID:    consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// Resume resumes a previously created consumer. An unknown consumer id is a
// success no-op: the consumer may already have been torn down by its
// producer closing.
func (s *MeetingService) Resume(_ context.Context, room domain.RoomID, user domain.Username, consumerID string) error {
	consumer := s.registry.Consumer(room, user, consumerID)
	if consumer == nil {
		return nil
	}
	return consumer.Resume()
}

// Hangup handles an explicit departure request. Same semantics as a
// transport-level disconnect; the two exist separately because hangup is
// acknowledged on the wire and a dropped connection is not.
func (s *MeetingService) Hangup(ctx context.Context, room domain.RoomID, user domain.Username) {
	s.Disconnect(ctx, room, user)
}

// Disconnect handles a transport-level departure: same teardown as hangup,
// then the durable peer list is updated. When the list empties the room is
// deleted and its resources released exactly as in EndMeeting.
func (s *MeetingService) Disconnect(ctx context.Context, room domain.RoomID, user domain.Username) {
	s.registry.Teardown(room, user)
	s.metrics.PeerLeft(room)
	s.events.PeerLeft(room, user)

	unlock := s.lockRoom(room)
	defer unlock()

	remaining, err := s.rooms.RemovePeer(ctx, room, user)
	if err != nil {
		if !errors.Is(err, domain.ErrRoomNotFound) {
			s.logger.Warnw("failed to update room peer list on disconnect",
				"room", room,
				"username", user,
				"error", err,
			)
		}
		return
	}

	if remaining > 0 {
		s.notifier.Broadcast(room, user, "peerLeft", map[string]interface{}{
			"username": user,
		})
		return
	}

	s.releaseRoom(ctx, room)
	s.logger.Infow("room released after last peer left", "room", room)
}

// EndMeeting tears down every peer, deletes the durable record, releases
// the room's routing resources, stops any pipeline and tells all
// participants the meeting ended.
func (s *MeetingService) EndMeeting(ctx context.Context, room domain.RoomID) error {
	unlock := s.lockRoom(room)
	defer unlock()

	if _, err := s.rooms.Read(ctx, room); err != nil {
		return err
	}

	for _, user := range s.registry.Peers(room) {
		s.registry.Teardown(room, user)
		s.metrics.PeerLeft(room)
	}

	s.releaseRoom(ctx, room)
	s.notifier.Broadcast(room, "", "meetingEnded", map[string]interface{}{})
	s.logger.Infow("meeting ended", "room", room)
	return nil
}

// releaseRoom deletes the durable record and releases room-scoped
// resources. Best effort throughout.
func (s *MeetingService) releaseRoom(ctx context.Context, room domain.RoomID) {
	if err := s.rooms.Delete(ctx, room); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		s.logger.Warnw("failed to delete room record", "room", room, "error", err)
	}
	if s.playback.Active(room) {
		s.playback.Stop(room)
		s.metrics.PlaybackStopped()
	}
	if s.injection.Active(room) {
		s.injection.Stop(room)
		s.metrics.InjectionStopped()
	}
	s.engine.CloseRouter(room)
	s.metrics.RoomDeleted()
	s.events.MeetingEnded(room)
}

// RoomPeers returns the durable peer list. Used by the administrative API.
func (s *MeetingService) RoomPeers(ctx context.Context, room domain.RoomID) ([]domain.Username, error) {
	record, err := s.rooms.Read(ctx, room)
	if err != nil {
		return nil, err
	}
	return record.Peers, nil
}

// PlaybackActive reports whether the room has a running playback pipeline.
func (s *MeetingService) PlaybackActive(room domain.RoomID) bool {
	return s.playback.Active(room)
}

// InjectionActive reports whether the room has a running injection pipeline.
func (s *MeetingService) InjectionActive(room domain.RoomID) bool {
	return s.injection.Active(room)
}

// StartPlayback starts (or restarts) the playback pipeline off an explicit
// producer, independent of the automatic first-video-producer trigger.
func (s *MeetingService) StartPlayback(ctx context.Context, room domain.RoomID, producerID string) error {
	producer := s.findProducer(room, producerID)
	if producer == nil {
		return domain.ErrProducerNotFound
	}
	if err := s.playback.Start(ctx, room, producer); err != nil {
		s.metrics.PipelineFailed()
		return err
	}
	s.metrics.PlaybackStarted()
	return nil
}

// StopPlayback stops the room's playback pipeline if one is active.
func (s *MeetingService) StopPlayback(_ context.Context, room domain.RoomID) error {
	if !s.playback.Active(room) {
		return domain.ErrPipelineNotFound
	}
	s.playback.Stop(room)
	s.metrics.PlaybackStopped()
	return nil
}

// StartInjection feeds a pre-recorded file into the room.
func (s *MeetingService) StartInjection(ctx context.Context, room domain.RoomID, filePath string, loop bool) error {
	exists, err := s.rooms.Exists(ctx, room)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrRoomNotFound
	}
	if err := s.injection.Start(ctx, room, filePath, loop); err != nil {
		s.metrics.PipelineFailed()
		return err
	}
	s.metrics.InjectionStarted()
	return nil
}

// StopInjection stops the room's injection pipeline if one is active.
func (s *MeetingService) StopInjection(_ context.Context, room domain.RoomID) error {
	if !s.injection.Active(room) {
		return domain.ErrPipelineNotFound
	}
	s.injection.Stop(room)
	s.metrics.InjectionStopped()
	return nil
}

func (s *MeetingService) findProducer(room domain.RoomID, producerID string) ports.Producer {
	for _, user := range s.registry.Peers(room) {
		for _, kind := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
			if p := s.registry.Producer(room, user, kind); p != nil && p.ID() == producerID {
				return p
			}
		}
	}
	return nil
}
