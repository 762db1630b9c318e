package webrtc

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the engine configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// RelayIP is the loopback address relay transports bind or target.
	RelayIP string
	// AnnouncedIP is the address advertised in interactive transport
	// candidates.
	AnnouncedIP string
}

// Engine is the in-process media-routing engine adapter. It maintains one
// router per room; routers are created lazily and closed when the room
// ends.
type Engine struct {
	config Config

	mu      sync.RWMutex
	routers map[domain.RoomID]*Router

	logger *zap.SugaredLogger
}

func NewEngine(config Config, logger *zap.SugaredLogger) *Engine {
	if config.RelayIP == "" {
		config.RelayIP = "127.0.0.1"
	}
	if config.AnnouncedIP == "" {
		config.AnnouncedIP = "127.0.0.1"
	}
	return &Engine{
		config:  config,
		routers: make(map[domain.RoomID]*Router),
		logger:  logger,
	}
}

// Router returns the room's routing context, creating it on first use.
func (e *Engine) Router(_ context.Context, room domain.RoomID) (ports.Router, error) {
	e.mu.RLock()
	router, ok := e.routers[room]
	e.mu.RUnlock()
	if ok {
		return router, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if router, ok = e.routers[room]; ok {
		return router, nil
	}

	router, err := newRouter(room, e.config, e.logger)
	if err != nil {
		return nil, err
	}
	e.routers[room] = router
	e.logger.Infow("router created", "room", room)
	return router, nil
}

// CloseRouter releases the room's routing resources. Absent routers are a
// no-op.
func (e *Engine) CloseRouter(room domain.RoomID) {
	e.mu.Lock()
	router, ok := e.routers[room]
	delete(e.routers, room)
	e.mu.Unlock()

	if ok {
		router.Close()
		e.logger.Infow("router closed", "room", room)
	}
}
