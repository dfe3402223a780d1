// Package chat holds the in-memory conversation state shared by the dictation
// core: the send box, the should-speak flag and the visible activity list.
package chat

import (
	"strings"
	"sync"
	"time"
)

// Activity is one visible message in the conversation.
type Activity struct {
	ID         string
	Role       string
	Text       string
	Provenance string
	// Speak marks a bot activity whose speech output has not finished yet.
	Speak bool
	Time  time.Time
}

// Store is safe for concurrent readers. The engine control goroutine is the
// only writer.
type Store struct {
	mu          sync.RWMutex
	sendBox     string
	shouldSpeak bool
	activities  []Activity
	limit       int
}

// NewStore keeps at most limit activities visible; limit <= 0 keeps all.
func NewStore(limit int) *Store {
	return &Store{limit: limit}
}

func (s *Store) SetSendBox(text string) {
	s.mu.Lock()
	s.sendBox = text
	s.mu.Unlock()
}

func (s *Store) SendBox() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sendBox
}

func (s *Store) SetShouldSpeak(v bool) {
	s.mu.Lock()
	s.shouldSpeak = v
	s.mu.Unlock()
}

func (s *Store) ShouldSpeak() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldSpeak
}

// Append adds an outgoing activity as is.
func (s *Store) Append(a Activity) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	s.mu.Lock()
	s.appendLocked(a)
	s.mu.Unlock()
}

// AddIncoming adds a bot activity. It is flagged for speech when should-speak
// is on and the activity has text to speak. The stored activity is returned.
func (s *Store) AddIncoming(a Activity) Activity {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	s.mu.Lock()
	a.Speak = s.shouldSpeak && strings.TrimSpace(a.Text) != ""
	s.appendLocked(a)
	s.mu.Unlock()
	return a
}

// MarkSpoken clears the speak flag of the activity with id.
func (s *Store) MarkSpoken(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.activities {
		if s.activities[i].ID == id && s.activities[i].Speak {
			s.activities[i].Speak = false
			return true
		}
	}
	return false
}

// ClearSpeaking drops every pending speak flag, e.g. when speech output is flushed.
func (s *Store) ClearSpeaking() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.activities {
		if s.activities[i].Speak {
			s.activities[i].Speak = false
			n++
		}
	}
	return n
}

// SpeakingCount is the number of visible activities still flagged for speech.
func (s *Store) SpeakingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.activities {
		if a.Speak {
			n++
		}
	}
	return n
}

func (s *Store) Activities() []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Activity(nil), s.activities...)
}

func (s *Store) appendLocked(a Activity) {
	s.activities = append(s.activities, a)
	if s.limit > 0 && len(s.activities) > s.limit {
		s.activities = append([]Activity(nil), s.activities[len(s.activities)-s.limit:]...)
	}
}
