package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	"roomcast/pkg/tracing"
	"roomcast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Request is one client frame. Every request carries a client-chosen
// correlation id that the matching response echoes back.
type Request struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response acknowledges exactly one Request.
type Response struct {
	ID    int64       `json:"id"`
	Type  string      `json:"type"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Notification is a server-initiated frame with no correlation id.
type Notification struct {
	Type   string      `json:"type"`
	Method string      `json:"method"`
	Data   interface{} `json:"data"`
}

// Config tunes the connection housekeeping and the per-connection
// message rate limit.
type Config struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

type peerConn struct {
	conn *websocket.Conn

	// writeMu serializes frames from the handler loop and from
	// notifications fanned out by other peers' handler loops.
	writeMu sync.Mutex

	room domain.RoomID
	user domain.Username
	left bool
}

// WebSocketServer owns the signaling connections. Each connection runs one
// reader goroutine and one handler loop so a peer's requests are processed
// strictly in arrival order. The server doubles as the service's outbound
// notifier.
type WebSocketServer struct {
	service *services.MeetingService

	connections map[domain.RoomID]map[domain.Username]*peerConn
	mu          sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	msgRate      rate.Limit
	msgBurst     int

	logger *zap.SugaredLogger
}

// NewWebSocketServer builds the server without a service bound yet: the
// service takes the server as its notifier, so wiring happens in two steps
// via SetService.
func NewWebSocketServer(config Config, logger *zap.SugaredLogger) *WebSocketServer {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = 50
	}
	if config.MessageBurst <= 0 {
		config.MessageBurst = 100
	}
	return &WebSocketServer{
		connections:  make(map[domain.RoomID]map[domain.Username]*peerConn),
		pingInterval: config.PingInterval,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		msgRate:      rate.Limit(config.MessagesPerSecond),
		msgBurst:     config.MessageBurst,
		logger:       logger,
	}
}

// SetService binds the meeting service. Must be called before the server
// accepts connections.
func (s *WebSocketServer) SetService(service *services.MeetingService) {
	s.service = service
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pc := &peerConn{conn: conn}
	limiter := rate.NewLimiter(s.msgRate, s.msgBurst)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Request, 10)
	errorChan := make(chan error, 1)

	// done releases the reader goroutine once the handler loop stops
	// draining messageChan; a client that pipelined requests behind a
	// hangup would otherwise pin the reader on the send forever.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				select {
				case errorChan <- err:
				case <-done:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messageChan <- req:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case req := <-messageChan:
			if !limiter.Allow() {
				s.respondError(pc, req.ID, fmt.Errorf("message rate limit exceeded"))
				continue
			}
			s.handleRequest(context.Background(), pc, req)
			if pc.left {
				goto cleanup
			}

		case <-pingTicker.C:
			pc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			pc.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping",
					"room", pc.room,
					"username", pc.user,
					"error", err,
				)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from peer",
					"room", pc.room,
					"username", pc.user,
					"error", err,
				)
			}
			goto cleanup
		}
	}

cleanup:
	if pc.room != "" {
		s.unregister(pc)
		if !pc.left {
			s.service.Disconnect(context.Background(), pc.room, pc.user)
		}
		s.logger.Infow("peer connection closed",
			"room", pc.room,
			"username", pc.user,
			"explicit", pc.left,
		)
	}
}

func (s *WebSocketServer) handleRequest(ctx context.Context, pc *peerConn, req Request) {
	if req.Type != "request" || req.Method == "" {
		s.respondError(pc, req.ID, fmt.Errorf("malformed request"))
		return
	}

	if pc.room == "" && req.Method != "join" {
		s.respondError(pc, req.ID, fmt.Errorf("join required before %q", req.Method))
		return
	}

	ctx, span := tracing.TraceSignaling(ctx, req.Method, string(pc.room), string(pc.user))
	defer span.End()

	data, err := s.dispatch(ctx, pc, req)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Infow("request failed",
			"room", pc.room,
			"username", pc.user,
			"method", req.Method,
			"error", err,
		)
		s.respondError(pc, req.ID, err)
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	s.write(pc, Response{ID: req.ID, Type: "response", OK: true, Data: data})
}

func (s *WebSocketServer) dispatch(ctx context.Context, pc *peerConn, req Request) (interface{}, error) {
	switch req.Method {
	case "join":
		return s.handleJoin(ctx, pc, req.Data)

	case "createTransports":
		return s.service.CreateTransports(ctx, pc.room, pc.user)

	case "connectTransport":
		var payload struct {
			Direction domain.TransportDirection `json:"direction"`
			DTLS      domain.DTLSParameters     `json:"dtls"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return nil, fmt.Errorf("invalid connectTransport payload: %w", err)
		}
		return nil, s.service.ConnectTransport(ctx, pc.room, pc.user, payload.Direction, payload.DTLS)

	case "produce":
		var payload struct {
			Kind          domain.MediaKind     `json:"kind"`
			RTPParameters domain.RTPParameters `json:"rtp_parameters"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return nil, fmt.Errorf("invalid produce payload: %w", err)
		}
		producerID, err := s.service.Produce(ctx, pc.room, pc.user, payload.Kind, payload.RTPParameters)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"producer_id": producerID}, nil

	case "consume":
		var payload struct {
			ProducerID      string                 `json:"producer_id"`
			RTPCapabilities domain.RTPCapabilities `json:"rtp_capabilities"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return nil, fmt.Errorf("invalid consume payload: %w", err)
		}
		return s.service.Consume(ctx, pc.room, pc.user, payload.ProducerID, payload.RTPCapabilities)

	case "resume":
		var payload struct {
			ConsumerID string `json:"consumer_id"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			return nil, fmt.Errorf("invalid resume payload: %w", err)
		}
		return nil, s.service.Resume(ctx, pc.room, pc.user, payload.ConsumerID)

	case "hangup":
		s.unregister(pc)
		pc.left = true
		s.service.Hangup(ctx, pc.room, pc.user)
		return nil, nil

	case "endMeeting":
		s.unregister(pc)
		pc.left = true
		return nil, s.service.EndMeeting(ctx, pc.room)

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, pc *peerConn, data json.RawMessage) (interface{}, error) {
	if pc.room != "" {
		return nil, fmt.Errorf("already joined room %s", pc.room)
	}
	var payload struct {
		Room     domain.RoomID   `json:"room"`
		Username domain.Username `json:"username"`
		Create   bool            `json:"create"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid join payload: %w", err)
	}
	if err := validation.ValidateRoomID(string(payload.Room)); err != nil {
		return nil, err
	}
	if err := validation.ValidateUsername(string(payload.Username)); err != nil {
		return nil, err
	}

	result, err := s.service.Join(ctx, payload.Room, payload.Username, payload.Create)
	if err != nil {
		return nil, err
	}

	pc.room = payload.Room
	pc.user = payload.Username
	s.register(pc)
	return result, nil
}

func (s *WebSocketServer) register(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.connections[pc.room]
	if !ok {
		peers = make(map[domain.Username]*peerConn)
		s.connections[pc.room] = peers
	}
	if old, exists := peers[pc.user]; exists && old != pc {
		// Reconnect: the stale socket's handler loop cleans itself up when
		// its read fails, but it must not tear the fresh session down.
		old.left = true
		old.conn.Close()
		s.logger.Infow("closing old connection for reconnecting peer",
			"room", pc.room,
			"username", pc.user,
		)
	}
	peers[pc.user] = pc
}

func (s *WebSocketServer) unregister(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.connections[pc.room]
	if !ok || peers[pc.user] != pc {
		return
	}
	delete(peers, pc.user)
	if len(peers) == 0 {
		delete(s.connections, pc.room)
	}
}

// Notify implements ports.Notifier. Delivery is best effort; a dead socket
// surfaces through its own read loop.
func (s *WebSocketServer) Notify(room domain.RoomID, user domain.Username, method string, data interface{}) {
	s.mu.RLock()
	pc := s.connections[room][user]
	s.mu.RUnlock()
	if pc == nil {
		return
	}
	s.write(pc, Notification{Type: "notification", Method: method, Data: data})
}

// Broadcast implements ports.Notifier. An empty except delivers to every
// peer in the room.
func (s *WebSocketServer) Broadcast(room domain.RoomID, except domain.Username, method string, data interface{}) {
	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.connections[room]))
	for user, pc := range s.connections[room] {
		if except != "" && user == except {
			continue
		}
		targets = append(targets, pc)
	}
	s.mu.RUnlock()

	frame := Notification{Type: "notification", Method: method, Data: data}
	for _, pc := range targets {
		s.write(pc, frame)
	}
}

func (s *WebSocketServer) ConnectedPeers(room domain.RoomID) []domain.Username {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.Username, 0, len(s.connections[room]))
	for user := range s.connections[room] {
		users = append(users, user)
	}
	return users
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, peers := range s.connections {
		n += len(peers)
	}
	return n
}

func (s *WebSocketServer) respondError(pc *peerConn, id int64, err error) {
	s.write(pc, Response{ID: id, Type: "response", OK: false, Error: err.Error()})
}

func (s *WebSocketServer) write(pc *peerConn, frame interface{}) {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	pc.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := pc.conn.WriteJSON(frame); err != nil {
		s.logger.Debugw("write failed",
			"room", pc.room,
			"username", pc.user,
			"error", err,
		)
	}
}
