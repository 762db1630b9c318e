package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// The fakes below implement the media and pipeline ports with just enough
// bookkeeping to assert lifecycle behavior.

type fakeEngine struct {
	mu      sync.Mutex
	routers map[domain.RoomID]*fakeRouter
	closed  []domain.RoomID
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{routers: make(map[domain.RoomID]*fakeRouter)}
}

func (e *fakeEngine) Router(_ context.Context, room domain.RoomID) (ports.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	router, ok := e.routers[room]
	if !ok {
		router = &fakeRouter{}
		e.routers[room] = router
	}
	return router, nil
}

func (e *fakeEngine) CloseRouter(room domain.RoomID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, room)
	e.closed = append(e.closed, room)
}

func (e *fakeEngine) closedRooms() []domain.RoomID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.RoomID(nil), e.closed...)
}

type fakeRouter struct {
	seq        atomic.Int64
	consumeErr error
}

func (r *fakeRouter) Capabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []string{"audio/opus", "video/VP8"}}
}

func (r *fakeRouter) CreateTransport(_ context.Context, direction domain.TransportDirection) (ports.Transport, error) {
	return &fakeTransport{
		id:        fmt.Sprintf("transport-%d", r.seq.Add(1)),
		direction: direction,
		router:    r,
	}, nil
}

func (r *fakeRouter) CreateRelayTransport(context.Context, ports.RelayDirection) (ports.RelayTransport, error) {
	return nil, fmt.Errorf("not supported in fake")
}

func (r *fakeRouter) CanConsume(string, domain.RTPCapabilities) error {
	if r.consumeErr != nil {
		return r.consumeErr
	}
	return nil
}

func (r *fakeRouter) Close() {}

type fakeTransport struct {
	id        string
	direction domain.TransportDirection
	router    *fakeRouter

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Parameters() domain.TransportParameters {
	return domain.TransportParameters{ID: t.id}
}

func (t *fakeTransport) Connect(_ context.Context, _ domain.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(_ context.Context, kind domain.MediaKind, _ domain.RTPParameters, appData map[string]string) (ports.Producer, error) {
	return &fakeProducer{
		id:      fmt.Sprintf("producer-%d", t.router.seq.Add(1)),
		kind:    kind,
		appData: appData,
	}, nil
}

func (t *fakeTransport) Consume(_ context.Context, producerID string, _ domain.RTPCapabilities) (ports.Consumer, error) {
	return &fakeConsumer{
		id:         fmt.Sprintf("consumer-%d", t.router.seq.Add(1)),
		producerID: producerID,
		kind:       domain.KindVideo,
	}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeProducer struct {
	id      string
	kind    domain.MediaKind
	appData map[string]string
	closed  atomic.Bool
}

func (p *fakeProducer) ID() string                 { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind     { return p.kind }
func (p *fakeProducer) AppData() map[string]string { return p.appData }
func (p *fakeProducer) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	resumed    atomic.Bool
	closed     atomic.Bool
}

func (c *fakeConsumer) ID() string             { return c.id }
func (c *fakeConsumer) ProducerID() string     { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind { return c.kind }
func (c *fakeConsumer) RTPParameters() domain.RTPParameters {
	return domain.RTPParameters{MimeType: "video/VP8", PayloadType: 102, ClockRate: 90000}
}
func (c *fakeConsumer) Resume() error {
	c.resumed.Store(true)
	return nil
}
func (c *fakeConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

type broadcastRecord struct {
	Room   domain.RoomID
	Except domain.Username
	Method string
	Data   interface{}
}

type fakeNotifier struct {
	mu         sync.Mutex
	broadcasts []broadcastRecord
}

func (n *fakeNotifier) Notify(domain.RoomID, domain.Username, string, interface{}) {}

func (n *fakeNotifier) Broadcast(room domain.RoomID, except domain.Username, method string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, broadcastRecord{room, except, method, data})
}

func (n *fakeNotifier) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.broadcasts))
	for i, b := range n.broadcasts {
		out[i] = b.Method
	}
	return out
}

type fakePlayback struct {
	mu     sync.Mutex
	active map[domain.RoomID]bool
	starts int
	stops  int
	fail   error
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{active: make(map[domain.RoomID]bool)}
}

func (p *fakePlayback) Start(_ context.Context, room domain.RoomID, _ ports.Producer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.active[room] = true
	p.starts++
	return nil
}

func (p *fakePlayback) StartIfInactive(_ context.Context, room domain.RoomID, _ ports.Producer) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return false, p.fail
	}
	if p.active[room] {
		return false, nil
	}
	p.active[room] = true
	p.starts++
	return true, nil
}

func (p *fakePlayback) Stop(room domain.RoomID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, room)
	p.stops++
}

func (p *fakePlayback) Active(room domain.RoomID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[room]
}

func (p *fakePlayback) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type fakeInjection struct {
	mu     sync.Mutex
	active map[domain.RoomID]bool
}

func newFakeInjection() *fakeInjection {
	return &fakeInjection{active: make(map[domain.RoomID]bool)}
}

func (i *fakeInjection) Start(_ context.Context, room domain.RoomID, _ string, _ bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active[room] = true
	return nil
}

func (i *fakeInjection) Stop(room domain.RoomID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.active, room)
}

func (i *fakeInjection) Active(room domain.RoomID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active[room]
}
