package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	SampleRate int
	Channels   int
	// HoldAudioReady suppresses the end-of-playback signal; tests release it
	// with FinishAll.
	HoldAudioReady bool
}

// StreamingTTS emits one silent audio frame per SendText followed by
// audio_ready carrying the caller's meta.
type StreamingTTS struct {
	cfg TTSConfig
	out chan frames.Frame
	pts *frames.PTSGen

	mu      sync.Mutex
	started bool
	held    []map[string]string
	flushes int
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 64),
		pts: frames.NewPTSGen(),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingTTS) SendText(text string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.out == nil {
		return errors.New("mock tts not started")
	}
	pcm := make([]byte, 320)
	audioMeta := withSource(meta, "tts")
	s.emitLocked(frames.NewAudioFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), pcm, s.cfg.SampleRate, s.cfg.Channels, audioMeta))
	if s.cfg.HoldAudioReady {
		s.held = append(s.held, audioMeta)
		return nil
	}
	s.emitLocked(frames.NewControlFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), frames.ControlAudioReady, audioMeta))
	return nil
}

// FinishAll releases held audio_ready signals.
func (s *StreamingTTS) FinishAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range s.held {
		s.emitLocked(frames.NewControlFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), frames.ControlAudioReady, meta))
	}
	s.held = nil
}

func (s *StreamingTTS) Flush() {
	s.mu.Lock()
	s.held = nil
	s.flushes++
	s.mu.Unlock()
}

// Flushes returns how many times Flush was called.
func (s *StreamingTTS) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

func (s *StreamingTTS) emitLocked(f frames.Frame) {
	if s.out == nil {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

func withSource(meta map[string]string, source string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[frames.MetaSource] = source
	return out
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
