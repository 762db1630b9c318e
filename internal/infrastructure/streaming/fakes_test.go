package streaming

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

type stubEngine struct {
	router *stubRouter
}

func newStubEngine() *stubEngine {
	return &stubEngine{router: &stubRouter{}}
}

func (e *stubEngine) Router(context.Context, domain.RoomID) (ports.Router, error) {
	return e.router, nil
}

func (e *stubEngine) CloseRouter(domain.RoomID) {}

type stubRouter struct {
	mu     sync.Mutex
	seq    int
	relays []*stubRelay
	fail   bool
}

func (r *stubRouter) Capabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []string{"audio/opus", "video/VP8"}}
}

func (r *stubRouter) CreateTransport(context.Context, domain.TransportDirection) (ports.Transport, error) {
	return nil, fmt.Errorf("not supported in stub")
}

func (r *stubRouter) CreateRelayTransport(_ context.Context, direction ports.RelayDirection) (ports.RelayTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, fmt.Errorf("relay allocation failed")
	}
	r.seq++
	relay := &stubRelay{
		id:        fmt.Sprintf("relay-%d", r.seq),
		port:      20000 + r.seq,
		direction: direction,
	}
	r.relays = append(r.relays, relay)
	return relay, nil
}

func (r *stubRouter) CanConsume(string, domain.RTPCapabilities) error { return nil }

func (r *stubRouter) Close() {}

func (r *stubRouter) allRelays() []*stubRelay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*stubRelay(nil), r.relays...)
}

type stubRelay struct {
	id        string
	port      int
	direction ports.RelayDirection

	mu        sync.Mutex
	consumers []*stubConsumer
	producers []*stubProducer
	closed    bool
}

func (t *stubRelay) ID() string { return t.id }
func (t *stubRelay) Port() int  { return t.port }

func (t *stubRelay) Consume(_ context.Context, producerID string) (ports.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &stubConsumer{
		id:         fmt.Sprintf("%s-consumer", t.id),
		producerID: producerID,
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *stubRelay) Produce(_ context.Context, kind domain.MediaKind, params domain.RTPParameters, appData map[string]string) (ports.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &stubProducer{
		id:      fmt.Sprintf("%s-producer", t.id),
		kind:    kind,
		params:  params,
		appData: appData,
	}
	t.producers = append(t.producers, p)
	return p, nil
}

func (t *stubRelay) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *stubRelay) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type stubProducer struct {
	id      string
	kind    domain.MediaKind
	params  domain.RTPParameters
	appData map[string]string
	closed  atomic.Bool
}

func (p *stubProducer) ID() string                 { return p.id }
func (p *stubProducer) Kind() domain.MediaKind     { return p.kind }
func (p *stubProducer) AppData() map[string]string { return p.appData }
func (p *stubProducer) Close() error {
	p.closed.Store(true)
	return nil
}

type stubConsumer struct {
	id         string
	producerID string
	resumed    atomic.Bool
	closed     atomic.Bool
}

func (c *stubConsumer) ID() string             { return c.id }
func (c *stubConsumer) ProducerID() string     { return c.producerID }
func (c *stubConsumer) Kind() domain.MediaKind { return domain.KindVideo }
func (c *stubConsumer) RTPParameters() domain.RTPParameters {
	return domain.RTPParameters{MimeType: "video/VP8", PayloadType: 102, ClockRate: 90000}
}
func (c *stubConsumer) Resume() error {
	c.resumed.Store(true)
	return nil
}
func (c *stubConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeRunner records spawn requests and hands out controllable processes.
type fakeRunner struct {
	mu        sync.Mutex
	processes []*fakeProcess
	commands  [][]string
	failStart bool
}

func (r *fakeRunner) Start(name string, args []string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart {
		return nil, fmt.Errorf("spawn refused")
	}
	p := &fakeProcess{exited: make(chan struct{})}
	r.processes = append(r.processes, p)
	r.commands = append(r.commands, append([]string{name}, args...))
	return p, nil
}

func (r *fakeRunner) lastCommand() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		return nil
	}
	return r.commands[len(r.commands)-1]
}

func (r *fakeRunner) allProcesses() []*fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeProcess(nil), r.processes...)
}

func (r *fakeRunner) lastProcess() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.processes) == 0 {
		return nil
	}
	return r.processes[len(r.processes)-1]
}

type fakeProcess struct {
	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
	killed   atomic.Bool
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(fmt.Errorf("killed"))
	return nil
}

func (p *fakeProcess) Stderr() io.Reader {
	return strings.NewReader("")
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		close(p.exited)
	})
}
