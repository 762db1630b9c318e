package webrtc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// webrtcTransport is one interactive transport backed by a peer
// connection. Send transports accept remote tracks and feed forwarders;
// recv transports carry forwarded tracks out to the peer.
type webrtcTransport struct {
	id        string
	direction domain.TransportDirection
	router    *Router
	pc        *webrtc.PeerConnection

	mu        sync.Mutex
	byKind    map[domain.MediaKind]*forwarder
	connected bool
	dtls      domain.DTLSParameters
	params    domain.TransportParameters
	closeOnce sync.Once
}

func newWebRTCTransport(id string, direction domain.TransportDirection, router *Router, pc *webrtc.PeerConnection) *webrtcTransport {
	t := &webrtcTransport{
		id:        id,
		direction: direction,
		router:    router,
		pc:        pc,
		byKind:    make(map[domain.MediaKind]*forwarder),
	}

	t.params = domain.TransportParameters{
		ID: id,
		ICEParameters: domain.ICEParameters{
			UsernameFragment: utils.NewID(),
			Password:         utils.NewID(),
		},
		ICECandidates: []domain.ICECandidate{
			{
				Foundation: "udpcandidate",
				IP:         router.config.AnnouncedIP,
				Port:       int(router.config.PortRange.Min),
				Protocol:   "udp",
			},
		},
		DTLSParameters: domain.DTLSParameters{Role: "auto"},
	}

	if direction == domain.DirectionSend {
		pc.OnTrack(t.handleRemoteTrack)
	}
	return t
}

func (t *webrtcTransport) ID() string { return t.id }

func (t *webrtcTransport) Parameters() domain.TransportParameters { return t.params }

// Connect supplies the peer's security parameters. Connecting an already
// connected side is a no-op.
func (t *webrtcTransport) Connect(_ context.Context, dtls domain.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	t.dtls = dtls
	t.connected = true
	return nil
}

// Produce registers an outbound stream on a send transport. The forwarder
// starts routing once the matching remote track arrives.
func (t *webrtcTransport) Produce(_ context.Context, kind domain.MediaKind, params domain.RTPParameters, appData map[string]string) (ports.Producer, error) {
	if t.direction != domain.DirectionSend {
		return nil, fmt.Errorf("produce on %s transport", t.direction)
	}
	if params.MimeType == "" {
		params.MimeType = defaultMimeType(kind)
	}

	f := newForwarder(utils.NewID(), kind, params, appData)

	t.mu.Lock()
	t.byKind[kind] = f
	t.mu.Unlock()
	t.router.addForwarder(f)

	return &producer{
		id:      f.producerID,
		kind:    kind,
		appData: appData,
		f:       f,
		router:  t.router,
	}, nil
}

// Consume attaches a paused consumer of the given producer to a recv
// transport.
func (t *webrtcTransport) Consume(_ context.Context, producerID string, caps domain.RTPCapabilities) (ports.Consumer, error) {
	if t.direction != domain.DirectionRecv {
		return nil, fmt.Errorf("consume on %s transport", t.direction)
	}
	f := t.router.forwarder(producerID)
	if f == nil {
		return nil, domain.ErrProducerNotFound
	}
	if !caps.Supports(f.params.MimeType) {
		return nil, domain.ErrIncompatibleCapabilities
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    f.params.MimeType,
			ClockRate:   f.params.ClockRate,
			Channels:    f.params.Channels,
			SDPFmtpLine: f.params.Parameters,
		},
		f.producerID,
		string(t.router.room),
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	sender, err := t.pc.AddTrack(localTrack)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainSenderRTCP(sender)

	handle := newSinkHandle(trackSink{track: localTrack})
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

// Close releases the peer connection. Idempotent, errors swallowed.
func (t *webrtcTransport) Close() error {
	t.closeOnce.Do(func() {
		t.router.removeTransport(t.id)
		_ = t.pc.Close()
	})
	return nil
}

// handleRemoteTrack binds an arriving remote track to the forwarder
// registered for its kind and pumps its packets.
func (t *webrtcTransport) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.MediaKind(track.Kind().String())

	t.mu.Lock()
	f := t.byKind[kind]
	t.mu.Unlock()
	if f == nil {
		t.router.logger.Warnw("remote track without matching producer",
			"room", t.router.room,
			"transport_id", t.id,
			"kind", kind,
		)
		return
	}

	ssrc := uint32(track.SSRC())
	f.setKeyFrameFunc(func() {
		_ = t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: ssrc},
		})
	})

	t.router.logger.Infow("remote track bound to producer",
		"room", t.router.room,
		"producer_id", f.producerID,
		"kind", kind,
		"codec", track.Codec().MimeType,
	)

	go drainReceiverRTCP(receiver)

	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				t.router.logger.Warnw("error reading remote track",
					"room", t.router.room,
					"producer_id", f.producerID,
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

// trackSink writes forwarded packets to a local outbound track.
type trackSink struct {
	track *webrtc.TrackLocalStaticRTP
}

func (s trackSink) write(p *rtp.Packet) error {
	return s.track.WriteRTP(p)
}

func drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func defaultMimeType(kind domain.MediaKind) string {
	if kind == domain.KindAudio {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}
