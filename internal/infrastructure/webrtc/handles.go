package webrtc

import (
	"sync"

	"roomcast/internal/core/domain"
)

// producer is the engine's handle to one outbound stream.
type producer struct {
	id      string
	kind    domain.MediaKind
	appData map[string]string
	f       *forwarder
	router  *Router

	closeOnce sync.Once
}

func (p *producer) ID() string                 { return p.id }
func (p *producer) Kind() domain.MediaKind     { return p.kind }
func (p *producer) AppData() map[string]string { return p.appData }

// Close releases the stream and detaches every consumer sink. Closing
// twice is a no-op.
func (p *producer) Close() error {
	p.closeOnce.Do(func() {
		p.router.removeForwarder(p.id)
		p.f.close()
	})
	return nil
}

// consumer is the engine's handle to one inbound copy of a producer's
// stream. Created paused.
type consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	params     domain.RTPParameters
	f          *forwarder
	handle     *sinkHandle

	closeOnce sync.Once
}

func (c *consumer) ID() string                          { return c.id }
func (c *consumer) ProducerID() string                  { return c.producerID }
func (c *consumer) Kind() domain.MediaKind              { return c.kind }
func (c *consumer) RTPParameters() domain.RTPParameters { return c.params }

// Resume opens the pause gate and asks the source for a keyframe so the
// consumer does not wait out a full GOP.
func (c *consumer) Resume() error {
	c.handle.setPaused(false)
	if c.kind == domain.KindVideo {
		c.f.keyFrame()
	}
	return nil
}

// Close detaches the sink. Closing twice, or after the producer closed, is
// a no-op.
func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		c.f.removeSink(c.id)
	})
	return nil
}
