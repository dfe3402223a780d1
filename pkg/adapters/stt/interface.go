package stt

import (
	"context"

	"github.com/harunnryd/speechchat/pkg/frames"
)

// Recognizer is the speech-recognition capability consumed by the dictation core.
//
// Results carries the raw engine signals for the lifetime of the recognizer:
// progress as TextFrame (is_final=false), results as TextFrame (is_final=true,
// confidence) and failures as SystemFrame named frames.SystemSTTError.
type Recognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens a recognition session.
	Start(ctx context.Context, opts Options) error
	// Stop ends the current session. Safe to call when no session is open.
	Stop() error
	// Close releases the recognizer and closes Results.
	Close() error
	// Results returns the engine event stream.
	Results() <-chan frames.Frame
}

// AudioSink is implemented by recognizers that are fed microphone audio by the host.
type AudioSink interface {
	SendAudio(frame frames.AudioFrame) error
}

// Options configures a single recognition session.
type Options struct {
	Continuous  bool
	Language    string
	GrammarList []string
}
