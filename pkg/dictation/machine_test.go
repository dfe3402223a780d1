package dictation

import (
	"errors"
	"sync"
	"testing"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/metrics"
)

type countingStopper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingStopper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func (s *countingStopper) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type countingTyping struct{ calls int }

func (c *countingTyping) EmitTyping() { c.calls++ }

type countingAbort struct{ calls int }

func (a *countingAbort) Abort() { a.calls++ }

type fakeChat struct {
	sendBox     string
	shouldSpeak bool
	submits     []fakeSubmit
	submitErr   error
}

type fakeSubmit struct {
	text string
	md   SubmitMetadata
}

func (f *fakeChat) SetSendBox(text string) { f.sendBox = text }
func (f *fakeChat) SetShouldSpeak(v bool)  { f.shouldSpeak = v }
func (f *fakeChat) Submit(text string, md SubmitMetadata) error {
	f.submits = append(f.submits, fakeSubmit{text: text, md: md})
	return f.submitErr
}

type harness struct {
	m      *Machine
	engine *countingStopper
	typing *countingTyping
	chat   *fakeChat
	errs   []error
	obs    *metrics.MemoryObserver
}

func newHarness(cfg Config) *harness {
	h := &harness{
		engine: &countingStopper{},
		typing: &countingTyping{},
		chat:   &fakeChat{},
		obs:    metrics.NewMemoryObserver(),
	}
	h.m = New(cfg, Deps{
		Engine:    h.engine,
		Typing:    h.typing,
		Committer: NewCoordinator(h.chat, h.chat, h.chat, nil),
		OnError:   func(err error) { h.errs = append(h.errs, err) },
		Observer:  h.obs,
	})
	return h
}

func (h *harness) toDictating(t *testing.T) {
	t.Helper()
	if err := h.m.Begin(&countingAbort{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "hel"}}})
	if h.m.Phase() != PhaseDictating {
		t.Fatalf("expected DICTATING, got %s", h.m.Phase())
	}
}

func TestBeginMovesIdleToStarting(t *testing.T) {
	h := newHarness(Config{})
	abort := &countingAbort{}
	if err := h.m.Begin(abort); err != nil {
		t.Fatalf("begin: %v", err)
	}
	snap := h.m.Snapshot()
	if snap.Phase != PhaseStarting {
		t.Fatalf("expected STARTING, got %s", snap.Phase)
	}
	if !snap.HasAbort {
		t.Fatalf("expected abort handle while not idle")
	}
	if len(snap.Interims) != 0 {
		t.Fatalf("expected interims cleared")
	}
}

func TestBeginWhileActiveIsRejected(t *testing.T) {
	h := newHarness(Config{})
	_ = h.m.Begin(nil)
	err := h.m.Begin(nil)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != PhaseStarting || invalid.To != PhaseStarting {
		t.Fatalf("unexpected transition error %+v", invalid)
	}
	if !errorsx.HasReason(err, errorsx.ReasonDictationTransition) {
		t.Fatalf("expected dictation_transition reason, got %s", errorsx.Reason(err))
	}
}

func TestInterimUpdateMovesToDictating(t *testing.T) {
	h := newHarness(Config{SendTypingIndicator: true})
	_ = h.m.Begin(&countingAbort{})

	reissued := &countingAbort{}
	h.m.Dispatch(InterimUpdate{Abort: reissued, Results: []Alternative{{Transcript: "hello"}, {Transcript: "hallo"}}})

	snap := h.m.Snapshot()
	if snap.Phase != PhaseDictating {
		t.Fatalf("expected DICTATING, got %s", snap.Phase)
	}
	if len(snap.Interims) != 2 || snap.Interims[0] != "hello" || snap.Interims[1] != "hallo" {
		t.Fatalf("unexpected interims %v", snap.Interims)
	}
	if h.typing.calls != 1 {
		t.Fatalf("expected one typing indicator, got %d", h.typing.calls)
	}

	h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "hello wor"}}})
	if got := h.m.Interims(); len(got) != 1 || got[0] != "hello wor" {
		t.Fatalf("expected interims replaced wholesale, got %v", got)
	}
	if h.typing.calls != 2 {
		t.Fatalf("expected typing on every interim, got %d", h.typing.calls)
	}

	h.m.Stop()
	if reissued.calls != 1 {
		t.Fatalf("expected reissued abort handle to be invoked on stop")
	}
}

func TestTypingIndicatorDisabled(t *testing.T) {
	h := newHarness(Config{})
	h.toDictating(t)
	if h.typing.calls != 0 {
		t.Fatalf("expected no typing indicator, got %d", h.typing.calls)
	}
}

func TestEventsWhileIdleHaveNoEffect(t *testing.T) {
	h := newHarness(Config{SendTypingIndicator: true})

	h.m.Dispatch(InterimUpdate{Abort: &countingAbort{}, Results: []Alternative{{Transcript: "late"}}})
	h.m.Dispatch(FinalResult{Confidence: 0.8, Transcript: "late"})

	snap := h.m.Snapshot()
	if snap.Phase != PhaseIdle || len(snap.Interims) != 0 || snap.HasAbort {
		t.Fatalf("expected untouched idle state, got %+v", snap)
	}
	if h.engine.Count() != 0 || h.typing.calls != 0 || len(h.chat.submits) != 0 || len(h.errs) != 0 {
		t.Fatalf("expected no side calls")
	}
	if h.chat.sendBox != "" || h.chat.shouldSpeak {
		t.Fatalf("expected chat state untouched")
	}

	stale := 0
	for _, ev := range h.obs.Events {
		if ev.Name == "dictation_stale_event" {
			stale++
		}
	}
	if stale != 2 {
		t.Fatalf("expected 2 stale events recorded, got %d", stale)
	}
}

func TestStaleEventAfterStopIsDiscarded(t *testing.T) {
	h := newHarness(Config{})
	h.toDictating(t)
	h.m.Stop()
	stops := h.engine.Count()

	h.m.Dispatch(FinalResult{Confidence: 0.9, Transcript: "buffered"})
	if h.m.Phase() != PhaseIdle {
		t.Fatalf("stale final resurrected session: %s", h.m.Phase())
	}
	if len(h.chat.submits) != 0 {
		t.Fatalf("expected no submission from stale final")
	}
	if h.engine.Count() != stops {
		t.Fatalf("expected no extra stop from stale final")
	}
}

func TestFinalResultFromStartingSubmits(t *testing.T) {
	h := newHarness(Config{Continuous: false})
	_ = h.m.Begin(nil)

	h.m.Dispatch(FinalResult{Confidence: 0.9, Transcript: "hello"})

	if h.m.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE, got %s", h.m.Phase())
	}
	if h.engine.Count() != 1 {
		t.Fatalf("expected engine stop once, got %d", h.engine.Count())
	}
	if h.chat.sendBox != "hello" {
		t.Fatalf("expected send box %q, got %q", "hello", h.chat.sendBox)
	}
	if len(h.chat.submits) != 1 {
		t.Fatalf("expected one submit, got %d", len(h.chat.submits))
	}
	sub := h.chat.submits[0]
	if sub.text != "hello" || sub.md.Provenance != ProvenanceSpeech {
		t.Fatalf("unexpected submit %+v", sub)
	}
	if len(sub.md.Alternatives) != 1 || sub.md.Alternatives[0] != (Alternative{Confidence: 0.9, Transcript: "hello"}) {
		t.Fatalf("unexpected alternatives %+v", sub.md.Alternatives)
	}
	if !h.chat.shouldSpeak {
		t.Fatalf("expected should-speak set")
	}
	if len(h.m.Interims()) != 0 {
		t.Fatalf("expected interims cleared")
	}
}

func TestEmptyFinalResultSkipsSubmission(t *testing.T) {
	h := newHarness(Config{Continuous: false})
	_ = h.m.Begin(nil)

	h.m.Dispatch(FinalResult{Confidence: 0.9, Transcript: ""})

	if h.m.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE, got %s", h.m.Phase())
	}
	if h.engine.Count() != 1 {
		t.Fatalf("expected engine stop once, got %d", h.engine.Count())
	}
	if len(h.chat.submits) != 0 {
		t.Fatalf("expected no submit")
	}
	if h.chat.shouldSpeak {
		t.Fatalf("expected should-speak unchanged")
	}
}

func TestContinuousFinalKeepsListening(t *testing.T) {
	h := newHarness(Config{Continuous: true})
	h.toDictating(t)

	h.m.Dispatch(FinalResult{Confidence: 0.7, Transcript: "turn on the lights"})

	if !h.m.Phase().Active() {
		t.Fatalf("expected phase to stay active, got %s", h.m.Phase())
	}
	if h.engine.Count() != 0 {
		t.Fatalf("expected no defensive stop in continuous mode")
	}
	if len(h.chat.submits) != 1 {
		t.Fatalf("expected one submit, got %d", len(h.chat.submits))
	}
	if len(h.m.Interims()) != 0 {
		t.Fatalf("expected interims cleared after final")
	}

	h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "and"}}})
	if h.m.Phase() != PhaseDictating {
		t.Fatalf("expected further dictation accepted, got %s", h.m.Phase())
	}
}

func TestRecognitionErrorResetsFromAnyPhase(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(*testing.T, *harness)
		wantStops int
	}{
		{name: "idle", setup: func(*testing.T, *harness) {}, wantStops: 0},
		{name: "starting", setup: func(_ *testing.T, h *harness) { _ = h.m.Begin(nil) }, wantStops: 1},
		{name: "dictating", setup: func(t *testing.T, h *harness) { h.toDictating(t) }, wantStops: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(Config{})
			tc.setup(t, h)

			h.m.Dispatch(RecognitionError{Code: "network", Err: errors.New("socket closed")})

			snap := h.m.Snapshot()
			if snap.Phase != PhaseIdle || len(snap.Interims) != 0 || snap.HasAbort {
				t.Fatalf("expected reset idle state, got %+v", snap)
			}
			if h.engine.Count() != tc.wantStops {
				t.Fatalf("expected %d stops, got %d", tc.wantStops, h.engine.Count())
			}
			if len(h.errs) != 1 {
				t.Fatalf("expected error handler once, got %d", len(h.errs))
			}
			var rerr RecognitionError
			if !errors.As(h.errs[0], &rerr) || rerr.Code != "network" {
				t.Fatalf("expected recognition error forwarded, got %v", h.errs[0])
			}
		})
	}
}

func TestStopInvokesEngineAndAbort(t *testing.T) {
	h := newHarness(Config{})
	abort := &countingAbort{}
	_ = h.m.Begin(abort)

	h.m.Stop()
	if h.m.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE, got %s", h.m.Phase())
	}
	if h.engine.Count() != 1 || abort.calls != 1 {
		t.Fatalf("expected stop and abort once, got stop=%d abort=%d", h.engine.Count(), abort.calls)
	}

	h.m.Stop()
	if h.engine.Count() != 1 {
		t.Fatalf("expected stop in idle to be a no-op")
	}
}

func TestListenersObservePhaseChanges(t *testing.T) {
	h := newHarness(Config{})
	var changes []PhaseChange
	h.m.AddListener(ListenerFunc(func(ev PhaseChange) { changes = append(changes, ev) }))

	h.toDictating(t)
	h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "hello"}}})
	h.m.Dispatch(FinalResult{Transcript: "hello"})

	want := []Phase{PhaseStarting, PhaseDictating, PhaseIdle}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %d: %+v", len(want), len(changes), changes)
	}
	for i, ph := range want {
		if changes[i].To != ph {
			t.Fatalf("change %d: expected %s, got %s", i, ph, changes[i].To)
		}
	}
	if changes[2].Reason != "final_result" {
		t.Fatalf("unexpected reason %q", changes[2].Reason)
	}
}

func TestInterimsNonEmptyOnlyWhileActive(t *testing.T) {
	h := newHarness(Config{})
	events := []func(){
		func() { _ = h.m.Begin(nil) },
		func() { h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "a"}}}) },
		func() { h.m.Dispatch(FinalResult{Transcript: "a"}) },
		func() { h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "late"}}}) },
		func() { _ = h.m.Begin(nil) },
		func() { h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "b"}}}) },
		func() { h.m.Dispatch(RecognitionError{Err: errors.New("x")}) },
		func() { _ = h.m.Begin(nil) },
		func() { h.m.Dispatch(InterimUpdate{Results: []Alternative{{Transcript: "c"}}}) },
		func() { h.m.Stop() },
	}
	for i, fire := range events {
		fire()
		snap := h.m.Snapshot()
		if len(snap.Interims) > 0 && !snap.Phase.Active() {
			t.Fatalf("step %d: interims %v while %s", i, snap.Interims, snap.Phase)
		}
		if snap.HasAbort && snap.Phase == PhaseIdle {
			t.Fatalf("step %d: abort handle retained while idle", i)
		}
	}
}

func TestSubmissionFailureStillRequestsSpeech(t *testing.T) {
	h := newHarness(Config{})
	h.chat.submitErr = errors.New("offline")
	_ = h.m.Begin(nil)

	h.m.Dispatch(FinalResult{Confidence: 0.5, Transcript: "hi"})
	if h.m.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE, got %s", h.m.Phase())
	}
	if !h.chat.shouldSpeak {
		t.Fatalf("expected should-speak set despite submission failure")
	}
}
