package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/harunnryd/speechchat/pkg/adapters/stt"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
)

// RecognizerConfig scripts one recognition session.
type RecognizerConfig struct {
	StreamID   string
	Interims   []string
	Transcript string
	Confidence float64
	// ErrorCode replaces the final result with an stt_error frame.
	ErrorCode string
	// StartError makes Start fail.
	StartError error
	EmitVAD    bool
	// AutoRun plays the script on Start instead of on the first audio frame.
	AutoRun bool
}

// Recognizer plays a fixed script per session.
type Recognizer struct {
	cfg RecognizerConfig
	out chan frames.Frame
	pts *frames.PTSGen

	mu       sync.Mutex
	active   bool
	played   bool
	closed   bool
	starts   int
	stops    int
	lastOpts stt.Options
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	return &Recognizer{
		cfg: cfg,
		out: make(chan frames.Frame, 64),
		pts: frames.NewPTSGen(),
	}
}

func (r *Recognizer) Name() string { return "mock_recognizer" }

func (r *Recognizer) Start(ctx context.Context, opts stt.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errorsx.New(errorsx.ReasonSTTConnect, "mock recognizer closed")
	}
	r.starts++
	if r.cfg.StartError != nil {
		return errorsx.Wrap(r.cfg.StartError, errorsx.ReasonSTTConnect)
	}
	r.active = true
	r.played = false
	r.lastOpts = opts
	if r.cfg.AutoRun {
		r.playLocked()
	}
	return nil
}

func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.stops++
	r.active = false
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.active = false
	close(r.out)
	return nil
}

// SendAudio plays the script on the first frame of a session.
func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return errors.New("mock recognizer not started")
	}
	if !r.played {
		r.playLocked()
	}
	return nil
}

// Emit pushes a raw frame, as if the engine produced it.
func (r *Recognizer) Emit(f frames.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(f)
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *Recognizer) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *Recognizer) LastOptions() stt.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOpts
}

func (r *Recognizer) playLocked() {
	r.played = true
	id := r.cfg.StreamID
	if r.cfg.EmitVAD {
		r.emitLocked(frames.NewControlFrame(id, r.pts.Next(id), frames.ControlFlush, map[string]string{
			frames.MetaSource: "stt",
			frames.MetaReason: "speech_started",
		}))
	}
	for _, text := range r.cfg.Interims {
		r.emitLocked(frames.NewTextFrame(id, r.pts.Next(id), text, map[string]string{
			frames.MetaSource:  "stt",
			frames.MetaIsFinal: "false",
		}))
	}
	if r.cfg.ErrorCode != "" {
		r.emitLocked(frames.NewSystemFrame(id, r.pts.Next(id), frames.SystemSTTError, map[string]string{
			frames.MetaSource:    "stt",
			frames.MetaErrorCode: r.cfg.ErrorCode,
			frames.MetaError:     "mock recognition error: " + r.cfg.ErrorCode,
			frames.MetaReason:    string(errorsx.ReasonSTTRecognition),
		}))
		return
	}
	r.emitLocked(frames.NewTextFrame(id, r.pts.Next(id), r.cfg.Transcript, map[string]string{
		frames.MetaSource:     "stt",
		frames.MetaIsFinal:    "true",
		frames.MetaConfidence: strconv.FormatFloat(r.cfg.Confidence, 'f', -1, 64),
	}))
}

func (r *Recognizer) emitLocked(f frames.Frame) {
	if r.closed {
		return
	}
	select {
	case r.out <- f:
	default:
	}
}

var (
	_ stt.Recognizer = (*Recognizer)(nil)
	_ stt.AudioSink  = (*Recognizer)(nil)
)
