package streaming

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/tracing"
	"roomcast/pkg/utils"

	"go.uber.org/zap"
)

// InjectionConfig declares the exact stream parameters the injection
// subprocess will be made to emit. The producers created from these values
// and the encoder output must match bit-for-bit; a mismatch corrupts the
// stream silently because there is no negotiation step on this path.
type InjectionConfig struct {
	FFmpegPath       string
	RelayIP          string
	AudioPayloadType uint8
	AudioSSRC        uint32
	VideoPayloadType uint8
	VideoSSRC        uint32
	VideoBitrateKbps int
}

// InjectionSupervisor feeds a pre-recorded file into a room as a
// synthetic peer: one receive relay and one producer per media kind,
// driven by a single transcoding subprocess reading the file at native
// rate.
type InjectionSupervisor struct {
	config InjectionConfig
	engine ports.MediaEngine
	runner Runner
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.RoomID]*injectionSession

	// starts serializes session setup per room, matching the playback
	// supervisor: without it two concurrent starts would both spawn a
	// subprocess and the registration would orphan one.
	starts *utils.KeyedMutex
}

type injectionSession struct {
	id      string
	room    domain.RoomID
	parts   []interface{ Close() error } // producers then relays, close order
	process Process

	releaseOnce sync.Once
}

func NewInjectionSupervisor(config InjectionConfig, engine ports.MediaEngine, runner Runner, logger *zap.SugaredLogger) *InjectionSupervisor {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.RelayIP == "" {
		config.RelayIP = "127.0.0.1"
	}
	if config.AudioPayloadType == 0 {
		config.AudioPayloadType = 101
	}
	if config.AudioSSRC == 0 {
		config.AudioSSRC = 1111
	}
	if config.VideoPayloadType == 0 {
		config.VideoPayloadType = 102
	}
	if config.VideoSSRC == 0 {
		config.VideoSSRC = 2222
	}
	if config.VideoBitrateKbps <= 0 {
		config.VideoBitrateKbps = 1000
	}
	return &InjectionSupervisor{
		config:   config,
		engine:   engine,
		runner:   runner,
		logger:   logger,
		sessions: make(map[domain.RoomID]*injectionSession),
		starts:   utils.NewKeyedMutex(),
	}
}

// Start injects the file into the room, replacing any prior injection
// session. Producers start active; unlike the playback direction there is
// no resume step.
func (s *InjectionSupervisor) Start(ctx context.Context, room domain.RoomID, filePath string, loop bool) error {
	unlock := s.starts.Lock(string(room))
	defer unlock()
	return s.start(ctx, room, filePath, loop)
}

func (s *InjectionSupervisor) start(ctx context.Context, room domain.RoomID, filePath string, loop bool) error {
	ctx, span := tracing.TracePipeline(ctx, "injection", "start", string(room))
	defer span.End()

	s.mu.Lock()
	stale := s.sessions[room]
	delete(s.sessions, room)
	s.mu.Unlock()
	if stale != nil {
		s.logger.Infow("replacing stale injection session",
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

	audioRelay, err := router.CreateRelayTransport(ctx, ports.RelayReceive)
	if err != nil {
		return fmt.Errorf("create audio relay: %w", err)
	}
	videoRelay, err := router.CreateRelayTransport(ctx, ports.RelayReceive)
	if err != nil {
		_ = audioRelay.Close()
		return fmt.Errorf("create video relay: %w", err)
	}

	appData := map[string]string{"source": "injection"}
	audioProducer, err := audioRelay.Produce(ctx, domain.KindAudio, domain.RTPParameters{
		MimeType:    "audio/opus",
		PayloadType: s.config.AudioPayloadType,
		ClockRate:   48000,
		Channels:    2,
		SSRC:        s.config.AudioSSRC,
	}, appData)
	if err != nil {
		_ = audioRelay.Close()
		_ = videoRelay.Close()
		return fmt.Errorf("create audio producer: %w", err)
	}
	videoProducer, err := videoRelay.Produce(ctx, domain.KindVideo, domain.RTPParameters{
		MimeType:    "video/VP8",
		PayloadType: s.config.VideoPayloadType,
		ClockRate:   90000,
		SSRC:        s.config.VideoSSRC,
	}, appData)
	if err != nil {
		_ = audioProducer.Close()
		_ = audioRelay.Close()
		_ = videoRelay.Close()
		return fmt.Errorf("create video producer: %w", err)
	}

	args := s.ffmpegArgs(filePath, loop, audioRelay.Port(), videoRelay.Port())
	process, err := s.runner.Start(s.config.FFmpegPath, args)
	if err != nil {
		_ = audioProducer.Close()
		_ = videoProducer.Close()
		_ = audioRelay.Close()
		_ = videoRelay.Close()
		return fmt.Errorf("spawn injector: %w", err)
	}

	session := &injectionSession{
		id:   utils.NewID(),
		room: room,
		parts: []interface{ Close() error }{
			audioProducer, videoProducer, audioRelay, videoRelay,
		},
		process: process,
	}
	s.mu.Lock()
	s.sessions[room] = session
	s.mu.Unlock()

	go s.logDiagnostics(session)
	go s.waitForExit(session)

	s.logger.Infow("injection pipeline started",
		"room", room,
		"session_id", session.id,
		"file", filePath,
		"loop", loop,
		"audio_port", audioRelay.Port(),
		"video_port", videoRelay.Port(),
	)
	return nil
}

// Stop mirrors PlaybackSupervisor.Stop: forget immediately, release
// asynchronously.
func (s *InjectionSupervisor) Stop(room domain.RoomID) {
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

	s.logger.Infow("injection pipeline stopped",
		"room", room,
		"session_id", session.id,
	)
}

func (s *InjectionSupervisor) Active(room domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[room] != nil
}

// ffmpegArgs builds the argument list: read the file at native playback
// rate, transcode to the declared codecs, and emit two independently
// addressed RTP streams carrying exactly the declared payload types and
// synchronization sources.
func (s *InjectionSupervisor) ffmpegArgs(filePath string, loop bool, audioPort, videoPort int) []string {
	args := []string{"-nostdin", "-re"}
	if loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args,
		"-i", filePath,
		"-map", "0:a:0",
		"-c:a", "libopus", "-ab", "128k", "-ac", "2", "-ar", "48000",
		"-ssrc", strconv.FormatUint(uint64(s.config.AudioSSRC), 10),
		"-payload_type", strconv.Itoa(int(s.config.AudioPayloadType)),
		"-f", "rtp", fmt.Sprintf("rtp://%s:%d", s.config.RelayIP, audioPort),
		"-map", "0:v:0",
		"-c:v", "libvpx",
		"-b:v", fmt.Sprintf("%dk", s.config.VideoBitrateKbps),
		"-deadline", "realtime", "-cpu-used", "4",
		"-ssrc", strconv.FormatUint(uint64(s.config.VideoSSRC), 10),
		"-payload_type", strconv.Itoa(int(s.config.VideoPayloadType)),
		"-f", "rtp", fmt.Sprintf("rtp://%s:%d", s.config.RelayIP, videoPort),
	)
	return args
}

func (s *InjectionSupervisor) logDiagnostics(session *injectionSession) {
	scanner := bufio.NewScanner(session.process.Stderr())
	for scanner.Scan() {
		s.logger.Debugw("injector",
			"room", session.room,
			"session_id", session.id,
			"line", scanner.Text(),
		)
	}
}

func (s *InjectionSupervisor) waitForExit(session *injectionSession) {
	err := session.process.Wait()

	s.mu.Lock()
	if s.sessions[session.room] == session {
		delete(s.sessions, session.room)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnw("injector exited",
			"room", session.room,
			"session_id", session.id,
			"error", err,
		)
	} else {
		s.logger.Infow("injector exited",
			"room", session.room,
			"session_id", session.id,
		)
	}
	s.release(session)
}

func (s *InjectionSupervisor) release(session *injectionSession) {
	session.releaseOnce.Do(func() {
		for _, part := range session.parts {
			_ = part.Close()
		}
	})
}
