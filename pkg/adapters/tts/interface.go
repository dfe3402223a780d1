package tts

import (
	"context"

	"github.com/harunnryd/speechchat/pkg/frames"
)

// StreamingTTS defines the contract for the speech-synthesis collaborator.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the TTS connection.
	Start(ctx context.Context) error
	// Close shuts down the TTS connection.
	Close() error
	// SendText sends text to be synthesized. Meta is echoed on the frames produced for it.
	SendText(text string, meta map[string]string) error
	// Flush stops current synthesis and clears buffers.
	Flush()
	// Results returns a channel of audio/control frames. A ControlAudioReady frame
	// marks the end of playback for one SendText call.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID   string
	SampleRate int
	Channels   int
	Voice      string
}
