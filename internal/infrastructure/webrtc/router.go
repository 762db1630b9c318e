package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Router is the per-room routing context: it owns the producer forwarders
// and every transport allocated for the room.
type Router struct {
	room   domain.RoomID
	config Config
	api    *webrtc.API

	mu         sync.RWMutex
	forwarders map[string]*forwarder
	transports map[string]*webrtcTransport
	relays     map[string]*relayTransport
	closed     bool

	logger *zap.SugaredLogger
}

func newRouter(room domain.RoomID, config Config, logger *zap.SugaredLogger) (*Router, error) {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &Router{
		room:       room,
		config:     config,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		forwarders: make(map[string]*forwarder),
		transports: make(map[string]*webrtcTransport),
		relays:     make(map[string]*relayTransport),
		logger:     logger,
	}, nil
}

// Capabilities is the descriptor returned to joining peers.
func (r *Router) Capabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{
		Codecs: []string{webrtc.MimeTypeOpus, webrtc.MimeTypeVP8},
	}
}

// CreateTransport allocates one interactive transport backed by a peer
// connection.
func (r *Router) CreateTransport(_ context.Context, direction domain.TransportDirection) (ports.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router for room %s is closed", r.room)
	}

	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   r.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := newWebRTCTransport(utils.NewID(), direction, r, pc)
	r.transports[t.ID()] = t
	return t, nil
}

// CreateRelayTransport allocates a loopback relay for a pipeline.
func (r *Router) CreateRelayTransport(_ context.Context, direction ports.RelayDirection) (ports.RelayTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router for room %s is closed", r.room)
	}

	relay, err := newRelayTransport(utils.NewID(), direction, r, r.config.RelayIP)
	if err != nil {
		return nil, err
	}
	r.relays[relay.ID()] = relay
	return relay, nil
}

// CanConsume reports whether a consumer with the given capabilities can
// receive the producer's stream, distinguishing an unknown producer from a
// codec mismatch.
func (r *Router) CanConsume(producerID string, caps domain.RTPCapabilities) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forwarders[producerID]
	if !ok {
		return domain.ErrProducerNotFound
	}
	if !caps.Supports(f.params.MimeType) {
		return domain.ErrIncompatibleCapabilities
	}
	return nil
}

// Close releases every transport and forwarder. Idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	forwarders := r.forwarders
	transports := r.transports
	relays := r.relays
	r.forwarders = make(map[string]*forwarder)
	r.transports = make(map[string]*webrtcTransport)
	r.relays = make(map[string]*relayTransport)
	r.mu.Unlock()

	for _, f := range forwarders {
		f.close()
	}
	for _, t := range transports {
		_ = t.Close()
	}
	for _, relay := range relays {
		_ = relay.Close()
	}
}

func (r *Router) addForwarder(f *forwarder) {
	r.mu.Lock()
	r.forwarders[f.producerID] = f
	r.mu.Unlock()
}

func (r *Router) forwarder(producerID string) *forwarder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forwarders[producerID]
}

func (r *Router) removeForwarder(producerID string) {
	r.mu.Lock()
	delete(r.forwarders, producerID)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	delete(r.relays, id)
	r.mu.Unlock()
}

// freeUDPPort reserves a free UDP port on ip by binding and releasing it.
// The caller is expected to hand the port to a process that binds it
// promptly; the window between release and rebind is accepted.
func freeUDPPort(ip string) (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: 0})
	if err != nil {
		return 0, fmt.Errorf("reserve udp port: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port, nil
}
