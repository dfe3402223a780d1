// Package view switches between the speech pill and the full text chat.
package view

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/speechchat/pkg/dictation"
	"github.com/harunnryd/speechchat/pkg/logging"
)

type View string

const (
	Speech View = "speech"
	Text   View = "text"
)

// Parse accepts "speech" or "text"; empty means Speech.
func Parse(v string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(v))) {
	case "", Speech:
		return Speech, nil
	case Text:
		return Text, nil
	default:
		return "", fmt.Errorf("unknown view %q", v)
	}
}

// Dictation is the part of the dictation machine the views drive.
type Dictation interface {
	Phase() dictation.Phase
	Stop()
}

// MicrophoneToggle begins listening when idle and ends it when active.
type MicrophoneToggle func()

type Coordinator struct {
	mu      sync.RWMutex
	current View

	speak  dictation.SpeakFlag
	dict   Dictation
	toggle MicrophoneToggle
	logger *slog.Logger
}

func New(initial View, speak dictation.SpeakFlag, dict Dictation, toggle MicrophoneToggle, logger *slog.Logger) *Coordinator {
	if initial == "" {
		initial = Speech
	}
	return &Coordinator{
		current: initial,
		speak:   speak,
		dict:    dict,
		toggle:  toggle,
		logger:  logging.NewComponentLogger(logger, "view"),
	}
}

func (c *Coordinator) Current() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// SwitchToText opens the text chat and abandons any dictation in progress.
func (c *Coordinator) SwitchToText() {
	c.set(Text)
	c.speak.SetShouldSpeak(false)
	if c.dict != nil {
		c.dict.Stop()
	}
}

// SwitchToSpeech returns to the speech view and begins listening. A session
// that is already running is left alone.
func (c *Coordinator) SwitchToSpeech() {
	c.set(Speech)
	c.speak.SetShouldSpeak(false)
	if c.dict != nil && c.dict.Phase() != dictation.PhaseIdle {
		return
	}
	if c.toggle != nil {
		c.toggle()
	}
}

// MicrophoneClick shows the speech view, mutes replies to earlier messages
// and toggles dictation.
func (c *Coordinator) MicrophoneClick() {
	c.set(Speech)
	c.speak.SetShouldSpeak(false)
	if c.toggle != nil {
		c.toggle()
	}
}

func (c *Coordinator) set(v View) {
	c.mu.Lock()
	from := c.current
	c.current = v
	c.mu.Unlock()
	if from != v {
		c.logger.Debug("view_changed", slog.String("from", string(from)), slog.String("to", string(v)))
	}
}
