package speechchat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/speechchat/pkg/adapters/stt"
	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/dictation"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/metrics"
	"github.com/harunnryd/speechchat/pkg/providers/mock"
	"github.com/harunnryd/speechchat/pkg/transports"
	mocktransport "github.com/harunnryd/speechchat/pkg/transports/mock"
	"github.com/harunnryd/speechchat/pkg/view"
)

type harness struct {
	engine    *Engine
	rec       *mock.Recognizer
	synth     *mock.StreamingTTS
	transport *mocktransport.Transport
	obs       *metrics.MemoryObserver

	mu     sync.Mutex
	errors []error
}

func newHarness(t *testing.T, cfg Config, rc mock.RecognizerConfig, tc mock.TTSConfig) *harness {
	t.Helper()
	h := &harness{
		rec:       mock.NewRecognizer(rc),
		synth:     mock.NewTTS(tc),
		transport: mocktransport.New(),
		obs:       metrics.NewMemoryObserver(),
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "conv-test"
	}
	e, err := NewEngine(EngineOptions{
		Config:      cfg,
		Recognizer:  h.rec,
		Synthesizer: h.synth,
		Transport:   h.transport,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer:    h.obs,
		OnError: func(err error) {
			h.mu.Lock()
			h.errors = append(h.errors, err)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = e
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return h
}

func (h *harness) reported() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errors...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextUserMessage skips typing indicators and audio.
func nextUserMessage(t *testing.T, tr *mocktransport.Transport) frames.TextFrame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-tr.Sent():
			if !ok {
				t.Fatalf("transport closed before a message was sent")
			}
			if tf, ok := f.(frames.TextFrame); ok {
				return tf
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a user message")
		}
	}
}

func botActivity(id, text string) frames.TextFrame {
	return frames.NewTextFrame("conv-test", 1, text, map[string]string{
		frames.MetaRole:       frames.RoleBot,
		frames.MetaActivityID: id,
		frames.MetaChannel:    "mock",
	})
}

func testConfig() Config {
	return Config{
		Dictation: DictationConfig{Language: "en-US", SendTypingIndicator: true},
		UI:        UIConfig{InitialView: "speech"},
	}
}

func TestEngineDictationSubmitsFinalTranscript(t *testing.T) {
	h := newHarness(t, testConfig(), mock.RecognizerConfig{
		Interims:   []string{"what is", "what is the weather"},
		Transcript: "what is the weather",
		Confidence: 0.92,
		AutoRun:    true,
	}, mock.TTSConfig{})

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	msg := nextUserMessage(t, h.transport)
	if msg.Text() != "what is the weather" {
		t.Fatalf("unexpected message %q", msg.Text())
	}
	meta := msg.Meta()
	if meta[frames.MetaProvenance] != dictation.ProvenanceSpeech {
		t.Fatalf("expected speech provenance, got %q", meta[frames.MetaProvenance])
	}
	if meta[frames.MetaAlternatives] == "" {
		t.Fatalf("expected alternatives metadata")
	}

	waitFor(t, "idle after final", func() bool {
		return h.engine.Snapshot().Phase == dictation.PhaseIdle
	})
	snap := h.engine.Snapshot()
	if !snap.ShouldSpeak {
		t.Fatalf("expected should-speak after a spoken submission")
	}
	if snap.SendBox != "what is the weather" {
		t.Fatalf("unexpected send box %q", snap.SendBox)
	}
	if h.rec.Stops() == 0 {
		t.Fatalf("expected the recognizer to be stopped after a non-continuous final")
	}
	opts := h.rec.LastOptions()
	if opts.Continuous || opts.Language != "en-US" {
		t.Fatalf("unexpected session options %+v", opts)
	}
}

func TestEngineStartFailureReportsRecognitionError(t *testing.T) {
	h := newHarness(t, testConfig(), mock.RecognizerConfig{
		StartError: errors.New("microphone denied"),
	}, mock.TTSConfig{})

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	snap := h.engine.Snapshot()
	if snap.Phase != dictation.PhaseIdle {
		t.Fatalf("expected idle after start failure, got %s", snap.Phase)
	}
	if snap.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	errs := h.reported()
	if len(errs) != 1 {
		t.Fatalf("expected one reported error, got %d", len(errs))
	}
	var re dictation.RecognitionError
	if !errors.As(errs[0], &re) || re.Code != "start_failed" {
		t.Fatalf("expected start_failed recognition error, got %v", errs[0])
	}
}

func TestEngineMicrophoneToggleKeepsInterims(t *testing.T) {
	h := newHarness(t, testConfig(), mock.RecognizerConfig{}, mock.TTSConfig{})

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	if got := h.engine.Snapshot().Phase; got != dictation.PhaseStarting {
		t.Fatalf("expected STARTING, got %s", got)
	}
	h.rec.Emit(frames.NewTextFrame("conv-test", 1, "turn on the", map[string]string{frames.MetaIsFinal: "false"}))
	waitFor(t, "dictating", func() bool {
		return h.engine.Snapshot().Phase == dictation.PhaseDictating
	})
	if !h.engine.Snapshot().InterimsVisible {
		t.Fatalf("expected interims to be visible while dictating")
	}

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("second click: %v", err)
	}
	snap := h.engine.Snapshot()
	if snap.Phase != dictation.PhaseIdle {
		t.Fatalf("expected idle after toggle, got %s", snap.Phase)
	}
	if snap.SendBox != "turn on the" {
		t.Fatalf("expected interims in send box, got %q", snap.SendBox)
	}
	if h.rec.Stops() != 1 {
		t.Fatalf("expected one recognizer stop, got %d", h.rec.Stops())
	}
}

func TestEngineSpeaksRepliesUntilAudioReady(t *testing.T) {
	cfg := testConfig()
	cfg.Dictation.Continuous = false
	h := newHarness(t, cfg, mock.RecognizerConfig{
		Transcript: "hello",
		Confidence: 0.8,
		AutoRun:    true,
	}, mock.TTSConfig{HoldAudioReady: true})

	if err := h.engine.PointerDown(); err != nil {
		t.Fatalf("pointer down: %v", err)
	}
	if h.engine.Snapshot().AudioSuspended {
		t.Fatalf("expected pointer press to resume audio")
	}
	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	_ = nextUserMessage(t, h.transport)
	waitFor(t, "should speak", func() bool { return h.engine.Snapshot().ShouldSpeak })

	h.transport.Push(botActivity("bot-1", "It is sunny."))
	waitFor(t, "bot speaking", func() bool { return h.engine.Snapshot().SpeakingCount == 1 })
	if !h.engine.Snapshot().BotSpeaking {
		t.Fatalf("expected bot speaking")
	}

	h.synth.FinishAll()
	waitFor(t, "speech finished", func() bool { return h.engine.Snapshot().SpeakingCount == 0 })

	// Listening again silences a reply that is still playing.
	h.transport.Push(botActivity("bot-2", "Anything else?"))
	waitFor(t, "second reply speaking", func() bool { return h.engine.Snapshot().SpeakingCount == 1 })
	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	if n := h.engine.Snapshot().SpeakingCount; n != 0 {
		t.Fatalf("expected speech to be cancelled, got %d speaking", n)
	}
	if h.synth.Flushes() != 1 {
		t.Fatalf("expected one tts flush, got %d", h.synth.Flushes())
	}
}

func TestEngineSkipsSpeechWhileAudioSuspended(t *testing.T) {
	h := newHarness(t, testConfig(), mock.RecognizerConfig{
		Transcript: "hi",
		AutoRun:    true,
	}, mock.TTSConfig{HoldAudioReady: true})

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	_ = nextUserMessage(t, h.transport)
	waitFor(t, "should speak", func() bool { return h.engine.Snapshot().ShouldSpeak })

	h.transport.Push(botActivity("bot-1", "Hello there."))
	waitFor(t, "reply stored unflagged", func() bool {
		acts := h.engine.Activities()
		return len(acts) == 2 && acts[1].Role == frames.RoleBot && !acts[1].Speak
	})
	if h.engine.Snapshot().BotSpeaking {
		t.Fatalf("expected no bot speech while audio is suspended")
	}
}

func TestEngineSwitchToTextStopsDictation(t *testing.T) {
	h := newHarness(t, testConfig(), mock.RecognizerConfig{}, mock.TTSConfig{})

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	if err := h.engine.SwitchView(view.Text); err != nil {
		t.Fatalf("switch view: %v", err)
	}
	snap := h.engine.Snapshot()
	if snap.View != view.Text {
		t.Fatalf("expected text view, got %s", snap.View)
	}
	if snap.Phase != dictation.PhaseIdle || snap.ShouldSpeak {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.rec.Stops() != 1 {
		t.Fatalf("expected dictation to be stopped, stops=%d", h.rec.Stops())
	}

	if err := h.engine.SubmitText("  typed question "); err != nil {
		t.Fatalf("submit text: %v", err)
	}
	msg := nextUserMessage(t, h.transport)
	if msg.Text() != "typed question" || msg.Meta()[frames.MetaProvenance] != dictation.ProvenanceKeyboard {
		t.Fatalf("unexpected typed message %q %v", msg.Text(), msg.Meta())
	}
}

func TestEngineIgnoresMicrophoneWhenUIDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.UI.Disabled = true
	h := newHarness(t, cfg, mock.RecognizerConfig{}, mock.TTSConfig{})

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	if h.rec.Starts() != 0 {
		t.Fatalf("expected no recognition session while disabled")
	}
	if h.engine.Snapshot().MicrophoneActive {
		t.Fatalf("expected microphone to be inactive while disabled")
	}
}

func TestEngineForwardsAudioOnlyWhileListening(t *testing.T) {
	h := newHarness(t, testConfig(), mock.RecognizerConfig{
		Transcript: "forwarded",
	}, mock.TTSConfig{})

	audio := frames.NewAudioFrame("conv-test", 1, make([]byte, 320), 16000, 1, nil)
	h.transport.Push(audio)
	waitFor(t, "idle audio metric", func() bool { return h.obs.Count("audio_in") == 1 })
	if h.rec.Starts() != 0 {
		t.Fatalf("unexpected recognizer start")
	}

	if err := h.engine.MicrophoneClick(); err != nil {
		t.Fatalf("microphone click: %v", err)
	}
	h.transport.Push(audio)
	msg := nextUserMessage(t, h.transport)
	if msg.Text() != "forwarded" {
		t.Fatalf("expected the scripted transcript after audio, got %q", msg.Text())
	}
}

func TestEngineCommandsRequireStart(t *testing.T) {
	e, err := NewEngine(EngineOptions{
		Config:      testConfig(),
		Recognizer:  mock.NewRecognizer(mock.RecognizerConfig{}),
		Synthesizer: mock.NewTTS(mock.TTSConfig{}),
		Transport:   mocktransport.New(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.MicrophoneClick(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewEngineBuildsFromRegistry(t *testing.T) {
	reg := NewProviderRegistry()
	reg.RegisterRecognizer("mock", func(Config) (stt.Recognizer, error) {
		return mock.NewRecognizer(mock.RecognizerConfig{}), nil
	})
	reg.RegisterSynthesizer("mock", func(Config) (tts.StreamingTTS, error) {
		return mock.NewTTS(mock.TTSConfig{}), nil
	})
	reg.RegisterTransport("mock", func(Config) (transports.Transport, error) {
		return mocktransport.New(), nil
	})

	cfg := testConfig()
	cfg.Vendors.STT.Provider = "MOCK"
	cfg.Vendors.TTS.Provider = "mock"
	cfg.Transports.Provider = "mock"
	e, err := NewEngine(EngineOptions{Config: cfg, Providers: reg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if e.Transport().Name() != "mock" {
		t.Fatalf("unexpected transport %s", e.Transport().Name())
	}
	if e.Config().ConversationID == "" {
		t.Fatalf("expected a generated conversation id")
	}
	_ = e.Stop()

	cfg.Transports.Provider = "carrier-pigeon"
	if _, err := NewEngine(EngineOptions{Config: cfg, Providers: reg}); err == nil {
		t.Fatalf("expected unregistered transport to fail")
	}
}
