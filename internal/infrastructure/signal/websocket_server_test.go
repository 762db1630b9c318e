package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Minimal media fakes so the full request path can run over a real socket.

type wsEngine struct{ seq atomic.Int64 }

func (e *wsEngine) Router(context.Context, domain.RoomID) (ports.Router, error) {
	return &wsRouter{engine: e}, nil
}
func (e *wsEngine) CloseRouter(domain.RoomID) {}

type wsRouter struct{ engine *wsEngine }

func (r *wsRouter) Capabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []string{"audio/opus", "video/VP8"}}
}

func (r *wsRouter) CreateTransport(_ context.Context, _ domain.TransportDirection) (ports.Transport, error) {
	return &wsTransport{id: fmt.Sprintf("transport-%d", r.engine.seq.Add(1)), router: r}, nil
}

func (r *wsRouter) CreateRelayTransport(context.Context, ports.RelayDirection) (ports.RelayTransport, error) {
	return nil, fmt.Errorf("not supported in fake")
}

func (r *wsRouter) CanConsume(string, domain.RTPCapabilities) error { return nil }
func (r *wsRouter) Close()                                          {}

type wsTransport struct {
	id     string
	router *wsRouter
}

func (t *wsTransport) ID() string { return t.id }
func (t *wsTransport) Parameters() domain.TransportParameters {
	return domain.TransportParameters{ID: t.id}
}
func (t *wsTransport) Connect(context.Context, domain.DTLSParameters) error { return nil }

func (t *wsTransport) Produce(_ context.Context, kind domain.MediaKind, _ domain.RTPParameters, appData map[string]string) (ports.Producer, error) {
	return &wsProducer{
		id:      fmt.Sprintf("producer-%d", t.router.engine.seq.Add(1)),
		kind:    kind,
		appData: appData,
	}, nil
}

func (t *wsTransport) Consume(_ context.Context, producerID string, _ domain.RTPCapabilities) (ports.Consumer, error) {
	return &wsConsumer{
		id:         fmt.Sprintf("consumer-%d", t.router.engine.seq.Add(1)),
		producerID: producerID,
	}, nil
}

func (t *wsTransport) Close() error { return nil }

type wsProducer struct {
	id      string
	kind    domain.MediaKind
	appData map[string]string
}

func (p *wsProducer) ID() string                 { return p.id }
func (p *wsProducer) Kind() domain.MediaKind     { return p.kind }
func (p *wsProducer) AppData() map[string]string { return p.appData }
func (p *wsProducer) Close() error               { return nil }

type wsConsumer struct {
	id         string
	producerID string
}

func (c *wsConsumer) ID() string                          { return c.id }
func (c *wsConsumer) ProducerID() string                  { return c.producerID }
func (c *wsConsumer) Kind() domain.MediaKind              { return domain.KindVideo }
func (c *wsConsumer) RTPParameters() domain.RTPParameters { return domain.RTPParameters{} }
func (c *wsConsumer) Resume() error                       { return nil }
func (c *wsConsumer) Close() error                        { return nil }

type wsPipeline struct{}

func (wsPipeline) Start(context.Context, domain.RoomID, ports.Producer) error { return nil }
func (wsPipeline) StartIfInactive(context.Context, domain.RoomID, ports.Producer) (bool, error) {
	return true, nil
}
func (wsPipeline) Stop(domain.RoomID)        {}
func (wsPipeline) Active(domain.RoomID) bool { return false }

type wsInjection struct{}

func (wsInjection) Start(context.Context, domain.RoomID, string, bool) error { return nil }
func (wsInjection) Stop(domain.RoomID)                                       {}
func (wsInjection) Active(domain.RoomID) bool                                { return false }

func newSignalFixture(t *testing.T, config Config) (*WebSocketServer, *httptest.Server) {
	t.Helper()

	log := zap.NewNop().Sugar()
	server := NewWebSocketServer(config, log)
	service := services.NewMeetingService(
		memory.NewMemoryRoomRepository(),
		services.NewSessionRegistry(log),
		&wsEngine{},
		server,
		wsPipeline{},
		wsInjection{},
		ports.NopMetrics{},
		log,
	)
	server.SetService(service)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return server, ts
}

// frame is the union of response and notification shapes read off the wire.
type frame struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method"`
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID int64
}

func dialClient(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

// call sends one request and reads until its response arrives, discarding
// notifications that land in between.
func (c *testClient) call(method string, data interface{}) frame {
	c.t.Helper()
	c.nextID++
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{
		"id":     c.nextID,
		"type":   "request",
		"method": method,
		"data":   data,
	}))
	for {
		f := c.read()
		if f.Type == "response" && f.ID == c.nextID {
			return f
		}
	}
}

// waitNotification reads until a notification with the given method arrives.
func (c *testClient) waitNotification(method string) frame {
	c.t.Helper()
	for {
		f := c.read()
		if f.Type == "notification" && f.Method == method {
			return f
		}
	}
}

func (c *testClient) read() frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

func (c *testClient) join(room, username string, create bool) frame {
	return c.call("join", map[string]interface{}{
		"room":     room,
		"username": username,
		"create":   create,
	})
}

func TestJoin_CreatesRoom(t *testing.T) {
	server, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	resp := client.join("demo", "alice", true)
	require.True(t, resp.OK, resp.Error)

	var result struct {
		Capabilities domain.RTPCapabilities `json:"capabilities"`
		Producers    []domain.ProducerInfo  `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Contains(t, result.Capabilities.Codecs, "video/VP8")
	assert.Empty(t, result.Producers)

	assert.Equal(t, []domain.Username{"alice"}, server.ConnectedPeers("demo"))
}

func TestJoin_RejectsInvalidNames(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	resp := client.join("bad room!", "alice", true)
	assert.False(t, resp.OK)

	resp = client.join("demo", "al ice", true)
	assert.False(t, resp.OK)
}

func TestJoin_SecondJoinRejected(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	require.True(t, client.join("demo", "alice", true).OK)
	resp := client.join("other", "alice", true)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "already joined")
}

func TestJoinRequiredBeforeOtherMethods(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	resp := client.call("createTransports", nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "join required")
}

func TestMalformedRequest(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	require.NoError(t, client.conn.WriteJSON(map[string]interface{}{
		"id":   int64(1),
		"type": "bogus",
	}))
	f := client.read()
	assert.False(t, f.OK)
	assert.Contains(t, f.Error, "malformed request")
}

func TestUnknownMethod(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	require.True(t, client.join("demo", "alice", true).OK)
	resp := client.call("teleport", nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown method")
}

func TestProduceFlow(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	client := dialClient(t, ts)

	require.True(t, client.join("demo", "alice", true).OK)
	require.True(t, client.call("createTransports", nil).OK)
	require.True(t, client.call("connectTransport", map[string]interface{}{
		"direction": "send",
		"dtls":      domain.DTLSParameters{Role: "client"},
	}).OK)

	resp := client.call("produce", map[string]interface{}{
		"kind":           "video",
		"rtp_parameters": domain.RTPParameters{MimeType: "video/VP8"},
	})
	require.True(t, resp.OK, resp.Error)

	var result struct {
		ProducerID string `json:"producer_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.NotEmpty(t, result.ProducerID)
}

func TestProduce_NotifiesOtherPeers(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	alice := dialClient(t, ts)
	bob := dialClient(t, ts)

	require.True(t, alice.join("demo", "alice", true).OK)
	require.True(t, bob.join("demo", "bob", false).OK)

	require.True(t, bob.call("createTransports", nil).OK)
	require.True(t, bob.call("produce", map[string]interface{}{
		"kind":           "audio",
		"rtp_parameters": domain.RTPParameters{MimeType: "audio/opus"},
	}).OK)

	note := alice.waitNotification("newProducer")
	var info domain.ProducerInfo
	require.NoError(t, json.Unmarshal(note.Data, &info))
	assert.Equal(t, domain.Username("bob"), info.Username)
	assert.Equal(t, domain.KindAudio, info.Kind)
	assert.NotEmpty(t, info.ProducerID)
}

func TestConsumeAndResume(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})
	alice := dialClient(t, ts)
	bob := dialClient(t, ts)

	require.True(t, alice.join("demo", "alice", true).OK)
	require.True(t, alice.call("createTransports", nil).OK)
	produceResp := alice.call("produce", map[string]interface{}{
		"kind":           "video",
		"rtp_parameters": domain.RTPParameters{MimeType: "video/VP8"},
	})
	require.True(t, produceResp.OK, produceResp.Error)
	var produced struct {
		ProducerID string `json:"producer_id"`
	}
	require.NoError(t, json.Unmarshal(produceResp.Data, &produced))

	joinResp := bob.join("demo", "bob", false)
	require.True(t, joinResp.OK)
	var joined struct {
		Producers []domain.ProducerInfo `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(joinResp.Data, &joined))
	require.Len(t, joined.Producers, 1)
	assert.Equal(t, produced.ProducerID, joined.Producers[0].ProducerID)

	require.True(t, bob.call("createTransports", nil).OK)
	consumeResp := bob.call("consume", map[string]interface{}{
		"producer_id":      produced.ProducerID,
		"rtp_capabilities": domain.RTPCapabilities{Codecs: []string{"video/VP8"}},
	})
	require.True(t, consumeResp.OK, consumeResp.Error)
	var consumed struct {
		ConsumerID string `json:"consumer_id"`
	}
	require.NoError(t, json.Unmarshal(consumeResp.Data, &consumed))

	resumeResp := bob.call("resume", map[string]interface{}{
		"consumer_id": consumed.ConsumerID,
	})
	assert.True(t, resumeResp.OK, resumeResp.Error)
}

func TestHangup_NotifiesAndCloses(t *testing.T) {
	server, ts := newSignalFixture(t, Config{})
	alice := dialClient(t, ts)
	bob := dialClient(t, ts)

	require.True(t, alice.join("demo", "alice", true).OK)
	require.True(t, bob.join("demo", "bob", false).OK)

	require.True(t, bob.call("hangup", nil).OK)

	note := alice.waitNotification("peerLeft")
	var data struct {
		Username domain.Username `json:"username"`
	}
	require.NoError(t, json.Unmarshal(note.Data, &data))
	assert.Equal(t, domain.Username("bob"), data.Username)

	assert.Eventually(t, func() bool {
		return len(server.ConnectedPeers("demo")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHangup_PipelinedRequestsDoNotLeakReader(t *testing.T) {
	_, ts := newSignalFixture(t, Config{})

	before := runtime.NumGoroutine()

	client := dialClient(t, ts)
	require.True(t, client.join("demo", "alice", true).OK)

	// Queue far more requests behind the hangup than the handler buffers;
	// once the handler stops draining, the reader must still terminate.
	require.NoError(t, client.conn.WriteJSON(map[string]interface{}{
		"id": int64(50), "type": "request", "method": "hangup",
	}))
	for i := 0; i < 32; i++ {
		_ = client.conn.WriteJSON(map[string]interface{}{
			"id": int64(51 + i), "type": "request", "method": "createTransports",
		})
	}
	client.conn.Close()

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEndMeeting_NotifiesEveryone(t *testing.T) {
	server, ts := newSignalFixture(t, Config{})
	alice := dialClient(t, ts)
	bob := dialClient(t, ts)

	require.True(t, alice.join("demo", "alice", true).OK)
	require.True(t, bob.join("demo", "bob", false).OK)

	require.True(t, bob.call("endMeeting", nil).OK)

	alice.waitNotification("meetingEnded")

	assert.Eventually(t, func() bool {
		return server.ConnectionCount() <= 1
	}, time.Second, 10*time.Millisecond)
}

func TestReconnect_ReplacesStaleConnection(t *testing.T) {
	server, ts := newSignalFixture(t, Config{})
	first := dialClient(t, ts)
	require.True(t, first.join("demo", "alice", true).OK)

	second := dialClient(t, ts)
	require.True(t, second.join("demo", "alice", false).OK)

	// The stale socket is closed by the server; its next read fails.
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	err := first.conn.ReadJSON(&f)
	assert.Error(t, err)

	assert.Equal(t, []domain.Username{"alice"}, server.ConnectedPeers("demo"))

	// The fresh connection still works.
	assert.True(t, second.call("createTransports", nil).OK)
}

func TestMessageRateLimit(t *testing.T) {
	_, ts := newSignalFixture(t, Config{MessagesPerSecond: 0.001, MessageBurst: 1})
	client := dialClient(t, ts)

	require.True(t, client.join("demo", "alice", true).OK)

	resp := client.call("createTransports", nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "rate limit")
}

func TestDefaultConfig(t *testing.T) {
	server := NewWebSocketServer(Config{}, zap.NewNop().Sugar())
	assert.Equal(t, 30*time.Second, server.pingInterval)
	assert.Equal(t, 60*time.Second, server.readTimeout)
	assert.Equal(t, 10*time.Second, server.writeTimeout)
}
