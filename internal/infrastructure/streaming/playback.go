package streaming

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/tracing"
	"roomcast/pkg/utils"

	"go.uber.org/zap"
)

// PlaybackConfig configures the live-playback pipelines.
type PlaybackConfig struct {
	OutputRoot      string
	FFmpegPath      string
	RelayIP         string
	SegmentDuration int
	PlaylistSize    int
	DeleteSegments  bool
	VideoCodec      string
	VideoPreset     string
}

// PlaybackSupervisor owns at most one live-playback session per room: a
// relay transport, the consumer feeding it, and the transcoding
// subprocess writing segmented output.
type PlaybackSupervisor struct {
	config PlaybackConfig
	engine ports.MediaEngine
	runner Runner
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.RoomID]*playbackSession

	// starts serializes session setup per room so that two concurrent
	// Start calls cannot each spawn a subprocess and then silently orphan
	// one of them when registering.
	starts *utils.KeyedMutex
}

type playbackSession struct {
	id       string
	room     domain.RoomID
	relay    ports.RelayTransport
	consumer ports.Consumer
	process  Process
	sdpPath  string

	releaseOnce sync.Once
}

func NewPlaybackSupervisor(config PlaybackConfig, engine ports.MediaEngine, runner Runner, logger *zap.SugaredLogger) *PlaybackSupervisor {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.RelayIP == "" {
		config.RelayIP = "127.0.0.1"
	}
	if config.VideoCodec == "" {
		config.VideoCodec = "libx264"
	}
	if config.VideoPreset == "" {
		config.VideoPreset = "veryfast"
	}
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = 4
	}
	if config.PlaylistSize <= 0 {
		config.PlaylistSize = 6
	}
	return &PlaybackSupervisor{
		config:   config,
		engine:   engine,
		runner:   runner,
		logger:   logger,
		sessions: make(map[domain.RoomID]*playbackSession),
		starts:   utils.NewKeyedMutex(),
	}
}

// Start spawns the playback pipeline for the room off the given producer.
// Any stale session for the room is torn down first, waiting for its
// release, so the new session never races the old one for the relay.
// The consumer is resumed only after the subprocess is running: media must
// not flow before the reader exists.
func (s *PlaybackSupervisor) Start(ctx context.Context, room domain.RoomID, producer ports.Producer) error {
	unlock := s.starts.Lock(string(room))
	defer unlock()
	return s.start(ctx, room, producer)
}

// StartIfInactive starts a session only when the room has none, holding
// the room's start lock across the check and the setup so concurrent
// callers agree on who starts it.
func (s *PlaybackSupervisor) StartIfInactive(ctx context.Context, room domain.RoomID, producer ports.Producer) (bool, error) {
	unlock := s.starts.Lock(string(room))
	defer unlock()

	if s.Active(room) {
		return false, nil
	}
	if err := s.start(ctx, room, producer); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PlaybackSupervisor) start(ctx context.Context, room domain.RoomID, producer ports.Producer) error {
	ctx, span := tracing.TracePipeline(ctx, "playback", "start", string(room))
	defer span.End()

	s.mu.Lock()
	stale := s.sessions[room]
	delete(s.sessions, room)
	s.mu.Unlock()
	if stale != nil {
		s.logger.Infow("replacing stale playback session",
			"room", room,
			"session_id", stale.id,
		)
		if stale.process != nil {
			_ = stale.process.Kill()
		}
		s.release(stale)
	}

	router, err := s.engine.Router(ctx, room)
	if err != nil {
		return fmt.Errorf("room router: %w", err)
	}

	relay, err := router.CreateRelayTransport(ctx, ports.RelaySend)
	if err != nil {
		return fmt.Errorf("create relay transport: %w", err)
	}

	consumer, err := relay.Consume(ctx, producer.ID())
	if err != nil {
		_ = relay.Close()
		return fmt.Errorf("create relay consumer: %w", err)
	}

	sdpData, err := buildRelaySDP(s.config.RelayIP, relay.Port(), consumer.Kind(), consumer.RTPParameters())
	if err != nil {
		_ = consumer.Close()
		_ = relay.Close()
		return fmt.Errorf("build session descriptor: %w", err)
	}

	sdpFile, err := os.CreateTemp("", fmt.Sprintf("roomcast-playback-%s-*.sdp", room))
	if err != nil {
		_ = consumer.Close()
		_ = relay.Close()
		return fmt.Errorf("write session descriptor: %w", err)
	}
	sdpPath := sdpFile.Name()
	if _, err := sdpFile.Write(sdpData); err != nil {
		_ = sdpFile.Close()
		_ = os.Remove(sdpPath)
		_ = consumer.Close()
		_ = relay.Close()
		return fmt.Errorf("write session descriptor: %w", err)
	}
	_ = sdpFile.Close()

	outputDir := filepath.Join(s.config.OutputRoot, string(room))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		_ = os.Remove(sdpPath)
		_ = consumer.Close()
		_ = relay.Close()
		return fmt.Errorf("create output directory: %w", err)
	}

	process, err := s.runner.Start(s.config.FFmpegPath, s.ffmpegArgs(sdpPath, outputDir))
	if err != nil {
		// Spawn failure releases resources synchronously; there is no
		// exit event coming.
		_ = os.Remove(sdpPath)
		_ = consumer.Close()
		_ = relay.Close()
		return fmt.Errorf("spawn transcoder: %w", err)
	}

	session := &playbackSession{
		id:       utils.NewID(),
		room:     room,
		relay:    relay,
		consumer: consumer,
		process:  process,
		sdpPath:  sdpPath,
	}
	s.mu.Lock()
	s.sessions[room] = session
	s.mu.Unlock()

	// The reader exists now; let media flow.
	if err := consumer.Resume(); err != nil {
		s.logger.Warnw("failed to resume playback consumer",
			"room", room,
			"error", err,
		)
	}

	go s.logDiagnostics(session)
	go s.waitForExit(session)

	s.logger.Infow("playback pipeline started",
		"room", room,
		"session_id", session.id,
		"producer_id", producer.ID(),
		"relay_port", relay.Port(),
		"output_dir", outputDir,
	)
	return nil
}

// Stop kills the subprocess if present and forgets the session
// immediately. Resources are released asynchronously: callers must treat
// stop as "no longer active", not "fully reclaimed". Stopping an absent
// session is a no-op.
func (s *PlaybackSupervisor) Stop(room domain.RoomID) {
	unlock := s.starts.Lock(string(room))
	defer unlock()

	s.mu.Lock()
	session := s.sessions[room]
	delete(s.sessions, room)
	s.mu.Unlock()
	if session == nil {
		return
	}

	if session.process != nil {
		_ = session.process.Kill()
	}
	go s.release(session)

	s.logger.Infow("playback pipeline stopped",
		"room", room,
		"session_id", session.id,
	)
}

// Active reports whether a session is recorded for the room. The session
// map is the sole gate for the first-video-producer trigger.
func (s *PlaybackSupervisor) Active(room domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[room] != nil
}

func (s *PlaybackSupervisor) ffmpegArgs(sdpPath, outputDir string) []string {
	hlsFlags := "append_list"
	if s.config.DeleteSegments {
		hlsFlags = "delete_segments+append_list"
	}
	return []string{
		"-nostdin",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-c:v", s.config.VideoCodec,
		"-preset", s.config.VideoPreset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-an",
		"-f", "hls",
		"-hls_time", strconv.Itoa(s.config.SegmentDuration),
		"-hls_list_size", strconv.Itoa(s.config.PlaylistSize),
		"-hls_flags", hlsFlags,
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%03d.ts"),
		filepath.Join(outputDir, "stream.m3u8"),
	}
}

// logDiagnostics relays the subprocess's line-buffered diagnostic output.
func (s *PlaybackSupervisor) logDiagnostics(session *playbackSession) {
	scanner := bufio.NewScanner(session.process.Stderr())
	for scanner.Scan() {
		s.logger.Debugw("transcoder",
			"room", session.room,
			"session_id", session.id,
			"line", scanner.Text(),
		)
	}
}

// waitForExit releases the session when the subprocess exits for any
// reason, including a kill issued by Stop.
func (s *PlaybackSupervisor) waitForExit(session *playbackSession) {
	err := session.process.Wait()

	s.mu.Lock()
	if s.sessions[session.room] == session {
		delete(s.sessions, session.room)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnw("playback transcoder exited",
			"room", session.room,
			"session_id", session.id,
			"error", err,
		)
	} else {
		s.logger.Infow("playback transcoder exited",
			"room", session.room,
			"session_id", session.id,
		)
	}
	s.release(session)
}

// release frees the session's relay resources exactly once, swallowing
// close errors.
func (s *PlaybackSupervisor) release(session *playbackSession) {
	session.releaseOnce.Do(func() {
		_ = session.consumer.Close()
		_ = session.relay.Close()
		if session.sdpPath != "" {
			_ = os.Remove(session.sdpPath)
		}
	})
}
