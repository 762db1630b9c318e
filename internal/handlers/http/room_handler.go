package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	"roomcast/pkg/cache"
	"roomcast/pkg/errors"
	"roomcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// roomReadTTL bounds how stale a GetRoom response may be. Dashboards poll
// this endpoint; the short cache keeps them off the room store.
const roomReadTTL = 2 * time.Second

// RoomHandler is the administrative surface: room inspection, meeting
// termination and manual pipeline control. Peer-facing operations go through
// the signaling connection, not here.
type RoomHandler struct {
	service *services.MeetingService
	reads   *cache.Cache
}

func NewRoomHandler(service *services.MeetingService) *RoomHandler {
	return &RoomHandler{
		service: service,
		reads:   cache.New(roomReadTTL),
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:id", h.GetRoom)
		api.DELETE("/rooms/:id", h.EndMeeting)

		api.POST("/rooms/:id/playback/start", h.StartPlayback)
		api.POST("/rooms/:id/playback/stop", h.StopPlayback)
		api.POST("/rooms/:id/injection/start", h.StartInjection)
		api.POST("/rooms/:id/injection/stop", h.StopInjection)
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))

	body, err := h.reads.GetOrSet(c.Request.Context(), "room:"+string(room), func(ctx context.Context) (interface{}, error) {
		peers, err := h.service.RoomPeers(ctx, room)
		if err != nil {
			return nil, err
		}
		return gin.H{
			"room":             room,
			"peers":            peers,
			"playback_active":  h.service.PlaybackActive(room),
			"injection_active": h.service.InjectionActive(room),
		}, nil
	})
	if err != nil {
		c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusOK, body)
}

func (h *RoomHandler) EndMeeting(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))

	if err := h.service.EndMeeting(c.Request.Context(), room); err != nil {
		c.Error(asAppError(err))
		return
	}

	h.reads.Delete("room:" + string(room))
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *RoomHandler) StartPlayback(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))

	var req struct {
		ProducerID string `json:"producer_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.StartPlayback(c.Request.Context(), room, req.ProducerID); err != nil {
		c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *RoomHandler) StopPlayback(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))

	if err := h.service.StopPlayback(c.Request.Context(), room); err != nil {
		c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *RoomHandler) StartInjection(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))

	var req struct {
		File string `json:"file" binding:"required"`
		Loop bool   `json:"loop"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateMediaFilePath(req.File); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.StartInjection(c.Request.Context(), room, req.File, req.Loop); err != nil {
		c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *RoomHandler) StopInjection(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))

	if err := h.service.StopInjection(c.Request.Context(), room); err != nil {
		c.Error(asAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// asAppError maps domain sentinels onto HTTP-aware error values consumed by
// the error handler middleware.
func asAppError(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrRoomNotFound):
		return errors.NewNotFoundError("room")
	case stderrors.Is(err, domain.ErrProducerNotFound):
		return errors.NewNotFoundError("producer")
	case stderrors.Is(err, domain.ErrPipelineNotFound):
		return errors.NewNotFoundError("pipeline")
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return errors.NewNotFoundError("peer")
	case stderrors.Is(err, domain.ErrRoomExists):
		return errors.NewConflictError("room already exists")
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, "operation failed", http.StatusInternalServerError)
	}
}
