package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// MediaEngine is the boundary to the media-routing engine. One router is
// maintained per room; routers are created lazily and closed when the room
// ends.
type MediaEngine interface {
	// Router returns the room's routing context, creating it if needed.
	Router(ctx context.Context, room domain.RoomID) (Router, error)
	// CloseRouter releases all routing resources for the room. Closing an
	// absent router is a no-op.
	CloseRouter(room domain.RoomID)
}

// Router is the per-room routing context.
type Router interface {
	// Capabilities is the descriptor a joining peer needs before it can
	// negotiate transports.
	Capabilities() domain.RTPCapabilities
	// CreateTransport allocates one interactive, negotiated transport.
	CreateTransport(ctx context.Context, direction domain.TransportDirection) (Transport, error)
	// CreateRelayTransport allocates a fire-and-forget loopback transport
	// for a pipeline. Send relays feed an external reader; receive relays
	// accept packets from an external writer.
	CreateRelayTransport(ctx context.Context, direction RelayDirection) (RelayTransport, error)
	// CanConsume reports whether a consumer with caps can receive the
	// given producer's stream. It returns domain.ErrProducerNotFound when
	// the producer is unknown to the router and
	// domain.ErrIncompatibleCapabilities when caps cannot carry its codec.
	CanConsume(producerID string, caps domain.RTPCapabilities) error
	Close()
}

// RelayDirection is the data direction of a relay transport, seen from the
// engine.
type RelayDirection string

const (
	RelaySend    RelayDirection = "send"
	RelayReceive RelayDirection = "receive"
)

// Transport is one interactive transport owned by a peer.
type Transport interface {
	ID() string
	Parameters() domain.TransportParameters
	// Connect supplies the peer's security parameters. Idempotent per side.
	Connect(ctx context.Context, dtls domain.DTLSParameters) error
	// Produce creates an outbound stream handle. appData travels with the
	// producer and is surfaced to consumers.
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters, appData map[string]string) (Producer, error)
	// Consume creates a PAUSED consumer of the given producer. The caller
	// must resume it once local setup completes.
	Consume(ctx context.Context, producerID string, caps domain.RTPCapabilities) (Consumer, error)
	Close() error
}

// RelayTransport is a one-way loopback transport used by pipelines.
type RelayTransport interface {
	ID() string
	// Port is the negotiated local UDP port.
	Port() int
	// Consume attaches a paused consumer whose packets are written to the
	// relay's destination once resumed. Send direction only.
	Consume(ctx context.Context, producerID string) (Consumer, error)
	// Produce declares a synthetic producer fed by packets arriving on the
	// relay's port. Producers start active. Receive direction only.
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters, appData map[string]string) (Producer, error)
	Close() error
}

// Producer is a handle to an outbound media stream.
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	AppData() map[string]string
	// Close releases the stream. Closing twice is a no-op.
	Close() error
}

// Consumer is a handle to an inbound copy of a remote producer's stream.
// Consumers are created paused.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Resume() error
	Close() error
}
