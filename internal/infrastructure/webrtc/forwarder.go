package webrtc

import (
	"sync"

	"roomcast/internal/core/domain"

	"github.com/pion/rtp"
)

// sink receives the forwarded copy of a producer's RTP stream.
type sink interface {
	write(p *rtp.Packet) error
}

// sinkHandle wraps a sink with its pause gate. Consumers are created
// paused; no packet is delivered until resume.
type sinkHandle struct {
	s      sink
	mu     sync.RWMutex
	paused bool
}

func newSinkHandle(s sink) *sinkHandle {
	return &sinkHandle{s: s, paused: true}
}

func (h *sinkHandle) setPaused(paused bool) {
	h.mu.Lock()
	h.paused = paused
	h.mu.Unlock()
}

func (h *sinkHandle) deliver(p *rtp.Packet) error {
	h.mu.RLock()
	paused := h.paused
	h.mu.RUnlock()
	if paused {
		return nil
	}
	return h.s.write(p)
}

// forwarder fans one producer's RTP stream out to its consumers' sinks.
// The source is either a remote track on an interactive transport or the
// read loop of a receive relay.
type forwarder struct {
	producerID string
	kind       domain.MediaKind
	params     domain.RTPParameters
	appData    map[string]string

	mu     sync.RWMutex
	sinks  map[string]*sinkHandle
	closed bool

	// requestKeyFrame asks the source for a keyframe so a newly resumed
	// consumer does not wait out a full GOP. Nil for sources that cannot
	// honor it.
	requestKeyFrame func()
}

func newForwarder(producerID string, kind domain.MediaKind, params domain.RTPParameters, appData map[string]string) *forwarder {
	return &forwarder{
		producerID: producerID,
		kind:       kind,
		params:     params,
		appData:    appData,
		sinks:      make(map[string]*sinkHandle),
	}
}

// route delivers one packet to every unpaused sink. Individual sink write
// failures do not stop delivery to the rest.
func (f *forwarder) route(p *rtp.Packet) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	handles := make([]*sinkHandle, 0, len(f.sinks))
	for _, h := range f.sinks {
		handles = append(handles, h)
	}
	f.mu.RUnlock()

	for _, h := range handles {
		_ = h.deliver(p)
	}
}

func (f *forwarder) addSink(consumerID string, h *sinkHandle) {
	f.mu.Lock()
	if !f.closed {
		f.sinks[consumerID] = h
	}
	f.mu.Unlock()
}

func (f *forwarder) removeSink(consumerID string) {
	f.mu.Lock()
	delete(f.sinks, consumerID)
	f.mu.Unlock()
}

func (f *forwarder) keyFrame() {
	f.mu.RLock()
	fn := f.requestKeyFrame
	f.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (f *forwarder) setKeyFrameFunc(fn func()) {
	f.mu.Lock()
	f.requestKeyFrame = fn
	f.mu.Unlock()
}

func (f *forwarder) close() {
	f.mu.Lock()
	f.closed = true
	f.sinks = make(map[string]*sinkHandle)
	f.mu.Unlock()
}
