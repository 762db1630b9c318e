package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// HLSHandler serves the playlists and segments the playback pipeline writes
// under <output-root>/<room>/.
type HLSHandler struct {
	outputRoot string
	playback   ports.PlaybackSupervisor
}

func NewHLSHandler(outputRoot string, playback ports.PlaybackSupervisor) *HLSHandler {
	return &HLSHandler{
		outputRoot: outputRoot,
		playback:   playback,
	}
}

func (h *HLSHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/hls/:room/:file", h.ServeFile)
}

func (h *HLSHandler) ServeFile(c *gin.Context) {
	room := c.Param("room")
	file := c.Param("file")

	if !validPathComponent(room) || !validPathComponent(file) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	var contentType string
	switch filepath.Ext(file) {
	case ".m3u8":
		contentType = "application/vnd.apple.mpegurl"
	case ".ts":
		contentType = "video/mp2t"
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown file type"})
		return
	}

	path := filepath.Join(h.outputRoot, room, file)
	if _, err := os.Stat(path); err != nil {
		status := http.StatusNotFound
		message := "file not found"
		// The playlist lags the pipeline start by a few segment durations.
		if h.playback != nil && h.playback.Active(domain.RoomID(room)) {
			status = http.StatusServiceUnavailable
			message = "stream is starting"
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")
	c.File(path)
}

// validPathComponent rejects anything that could escape the room directory.
func validPathComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}
