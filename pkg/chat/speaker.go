package chat

import (
	"fmt"
	"log/slog"

	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/audiogate"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/redact"
)

// AudioOutput receives synthesized audio for playback.
type AudioOutput interface {
	Send(frames.Frame) error
}

// Speaker reads flagged bot activities aloud. An activity stays flagged until
// the synthesizer reports audio_ready for it.
type Speaker struct {
	tts     tts.StreamingTTS
	store   *Store
	out     AudioOutput
	audio   audiogate.ContextProvider
	logger  *slog.Logger
	pending map[string]struct{}
}

// NewSpeaker wires a synthesizer to the store. out and audio may be nil.
func NewSpeaker(synth tts.StreamingTTS, store *Store, out AudioOutput, audio audiogate.ContextProvider, logger *slog.Logger) *Speaker {
	return &Speaker{
		tts:     synth,
		store:   store,
		out:     out,
		audio:   audio,
		logger:  logging.NewComponentLogger(logger, "speaker"),
		pending: make(map[string]struct{}),
	}
}

// Speak synthesizes a if it is flagged. When playback is impossible the flag
// is cleared right away so the microphone is not held back.
func (s *Speaker) Speak(a Activity) error {
	if !a.Speak {
		return nil
	}
	if s.tts == nil {
		s.store.MarkSpoken(a.ID)
		return nil
	}
	if s.audio != nil {
		if ac := s.audio(); ac != nil && ac.Suspended() {
			s.logger.Info("speech_skipped_suspended", slog.String("activity_id", a.ID))
			s.store.MarkSpoken(a.ID)
			return nil
		}
	}
	s.pending[a.ID] = struct{}{}
	err := s.tts.SendText(a.Text, map[string]string{frames.MetaActivityID: a.ID})
	if err != nil {
		delete(s.pending, a.ID)
		s.store.MarkSpoken(a.ID)
		return errorsx.Wrap(fmt.Errorf("speak activity %s: %w", a.ID, err), errorsx.ReasonTTSSend)
	}
	s.logger.Debug("speech_started",
		slog.String("activity_id", a.ID),
		slog.String("text", redact.Transcript(a.Text, 80)))
	return nil
}

// HandleFrame consumes one synthesizer output frame.
func (s *Speaker) HandleFrame(f frames.Frame) {
	switch v := f.(type) {
	case frames.AudioFrame:
		if s.out == nil {
			return
		}
		if err := s.out.Send(v); err != nil {
			s.logger.Debug("speech_audio_send_failed", slog.String("error", err.Error()))
		}
	case frames.ControlFrame:
		if v.Code() != frames.ControlAudioReady {
			return
		}
		id := v.Meta()[frames.MetaActivityID]
		if id == "" {
			return
		}
		delete(s.pending, id)
		if s.store.MarkSpoken(id) {
			s.logger.Debug("speech_finished", slog.String("activity_id", id))
		}
	}
}

// Cancel stops synthesis and clears every speak flag.
func (s *Speaker) Cancel() {
	if len(s.pending) == 0 && s.store.SpeakingCount() == 0 {
		return
	}
	if s.tts != nil {
		s.tts.Flush()
	}
	s.pending = make(map[string]struct{})
	n := s.store.ClearSpeaking()
	s.logger.Debug("speech_cancelled", slog.Int("activities", n))
}

// Pending returns the number of activities awaiting audio_ready.
func (s *Speaker) Pending() int {
	return len(s.pending)
}
