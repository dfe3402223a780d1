package view

import (
	"testing"

	"github.com/harunnryd/speechchat/pkg/dictation"
)

type fakeSpeak struct{ value, set bool }

func (f *fakeSpeak) SetShouldSpeak(v bool) {
	f.value = v
	f.set = true
}

type fakeDictation struct {
	phase dictation.Phase
	stops int
}

func (f *fakeDictation) Phase() dictation.Phase { return f.phase }

func (f *fakeDictation) Stop() { f.stops++ }

func TestSwitchToTextStopsDictation(t *testing.T) {
	speak := &fakeSpeak{value: true}
	dict := &fakeDictation{}
	toggles := 0
	c := New(Speech, speak, dict, func() { toggles++ }, nil)

	c.SwitchToText()

	if c.Current() != Text {
		t.Fatalf("expected text view, got %s", c.Current())
	}
	if speak.value || !speak.set {
		t.Fatalf("expected should-speak cleared")
	}
	if dict.stops != 1 || toggles != 0 {
		t.Fatalf("expected one stop and no toggle, got stops=%d toggles=%d", dict.stops, toggles)
	}
}

func TestMicrophoneClickFromTextView(t *testing.T) {
	speak := &fakeSpeak{value: true}
	toggles := 0
	c := New(Text, speak, &fakeDictation{}, func() { toggles++ }, nil)

	c.MicrophoneClick()

	if c.Current() != Speech || speak.value || toggles != 1 {
		t.Fatalf("unexpected state view=%s speak=%v toggles=%d", c.Current(), speak.value, toggles)
	}
	c.SwitchToSpeech()
	if toggles != 2 {
		t.Fatalf("expected switch to speech to press the microphone")
	}
}

func TestSwitchToSpeechKeepsActiveSession(t *testing.T) {
	speak := &fakeSpeak{value: true}
	dict := &fakeDictation{phase: dictation.PhaseDictating}
	toggles := 0
	c := New(Text, speak, dict, func() { toggles++ }, nil)

	c.SwitchToSpeech()

	if c.Current() != Speech || speak.value {
		t.Fatalf("unexpected state view=%s speak=%v", c.Current(), speak.value)
	}
	if toggles != 0 || dict.stops != 0 {
		t.Fatalf("expected running session untouched, got toggles=%d stops=%d", toggles, dict.stops)
	}

	dict.phase = dictation.PhaseIdle
	c.SwitchToSpeech()
	if toggles != 1 {
		t.Fatalf("expected idle switch to begin listening, got toggles=%d", toggles)
	}
}

func TestParse(t *testing.T) {
	if v, err := Parse(""); err != nil || v != Speech {
		t.Fatalf("expected default speech, got %v %v", v, err)
	}
	if v, err := Parse("TEXT"); err != nil || v != Text {
		t.Fatalf("expected text, got %v %v", v, err)
	}
	if _, err := Parse("video"); err == nil {
		t.Fatalf("expected error for unknown view")
	}
}
