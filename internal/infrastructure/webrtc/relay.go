package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/utils"

	"github.com/pion/rtp"
)

// relayTransport is a one-way loopback transport for a pipeline. Send
// relays push a consumed stream to an external reader's UDP port; receive
// relays bind a port and turn arriving packets into a synthetic producer's
// stream.
type relayTransport struct {
	id        string
	direction ports.RelayDirection
	router    *Router
	ip        string
	port      int

	// conn is the dialed socket (send) or the bound listener (receive).
	conn *net.UDPConn

	mu        sync.Mutex
	producers []*producer
	closeOnce sync.Once
	closed    chan struct{}
}

func newRelayTransport(id string, direction ports.RelayDirection, router *Router, ip string) (*relayTransport, error) {
	t := &relayTransport{
		id:        id,
		direction: direction,
		router:    router,
		ip:        ip,
		closed:    make(chan struct{}),
	}

	switch direction {
	case ports.RelaySend:
		// The negotiated port is where the external reader will listen;
		// reserve it now, dial it, and let the reader bind it when it
		// starts.
		port, err := freeUDPPort(ip)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
		if err != nil {
			return nil, fmt.Errorf("dial relay destination: %w", err)
		}
		t.port = port
		t.conn = conn

	case ports.RelayReceive:
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: 0})
		if err != nil {
			return nil, fmt.Errorf("bind relay listener: %w", err)
		}
		t.port = conn.LocalAddr().(*net.UDPAddr).Port
		t.conn = conn

	default:
		return nil, fmt.Errorf("unknown relay direction %q", direction)
	}

	return t, nil
}

func (t *relayTransport) ID() string { return t.id }

// Port is the negotiated local UDP port.
func (t *relayTransport) Port() int { return t.port }

// Consume attaches a paused consumer whose packets are written to the
// relay's destination once resumed.
func (t *relayTransport) Consume(_ context.Context, producerID string) (ports.Consumer, error) {
	if t.direction != ports.RelaySend {
		return nil, fmt.Errorf("consume on %s relay", t.direction)
	}
	f := t.router.forwarder(producerID)
	if f == nil {
		return nil, domain.ErrProducerNotFound
	}

	handle := newSinkHandle(udpSink{conn: t.conn})
	consumerID := utils.NewID()
	f.addSink(consumerID, handle)

	return &consumer{
		id:         consumerID,
		producerID: producerID,
		kind:       f.kind,
		params:     f.params,
		f:          f,
		handle:     handle,
	}, nil
}

// Produce declares a synthetic producer fed by packets arriving on the
// relay's port. The declared parameters must match the emitting process
// exactly; no negotiation corrects a mismatch here. Producers start
// active.
func (t *relayTransport) Produce(_ context.Context, kind domain.MediaKind, params domain.RTPParameters, appData map[string]string) (ports.Producer, error) {
	if t.direction != ports.RelayReceive {
		return nil, fmt.Errorf("produce on %s relay", t.direction)
	}

	f := newForwarder(utils.NewID(), kind, params, appData)
	t.router.addForwarder(f)

	p := &producer{
		id:      f.producerID,
		kind:    kind,
		appData: appData,
		f:       f,
		router:  t.router,
	}

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	go t.readLoop(f)
	return p, nil
}

// readLoop pumps arriving packets into the forwarder until the socket
// closes.
func (t *relayTransport) readLoop(f *forwarder) {
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	pkt := &rtp.Packet{}
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.router.logger.Warnw("relay read failed",
					"room", t.router.room,
					"relay_id", t.id,
					"error", err,
				)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		f.route(pkt)
	}
}

// Close releases the socket and every producer declared on the relay.
// Idempotent, errors swallowed.
func (t *relayTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.router.removeTransport(t.id)
		_ = t.conn.Close()
		t.mu.Lock()
		producers := t.producers
		t.producers = nil
		t.mu.Unlock()
		for _, p := range producers {
			_ = p.Close()
		}
	})
	return nil
}

// udpSink writes forwarded packets to the relay's destination.
type udpSink struct {
	conn *net.UDPConn
}

func (s udpSink) write(p *rtp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}
