package dictation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/metrics"
	"github.com/harunnryd/speechchat/pkg/redact"
)

// Config is read-only to the machine.
type Config struct {
	// Continuous keeps the session open after a final result.
	Continuous bool
	// SendTypingIndicator emits a typing signal on every interim update.
	SendTypingIndicator bool
	// ConversationID tags metrics events.
	ConversationID string
}

// Stopper is the engine stop capability.
type Stopper interface {
	Stop() error
}

// TypingEmitter sends a best-effort typing indicator.
type TypingEmitter interface {
	EmitTyping()
}

// Committer receives non-empty final transcripts.
type Committer interface {
	Commit(res FinalResult)
}

// ErrorHandler is the external error-reporting collaborator.
type ErrorHandler func(err error)

// Deps are the collaborators a Machine calls into. All are optional.
type Deps struct {
	Engine    Stopper
	Typing    TypingEmitter
	Committer Committer
	OnError   ErrorHandler
	Observer  metrics.Observer
	Logger    *slog.Logger
}

// PhaseChange represents a phase transition event.
type PhaseChange struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

// Listener observes phase changes.
type Listener interface {
	OnPhaseChange(event PhaseChange)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(event PhaseChange)

func (f ListenerFunc) OnPhaseChange(event PhaseChange) { f(event) }

// Snapshot is a consistent read of the machine state.
type Snapshot struct {
	Phase    Phase
	Interims []string
	HasAbort bool
}

// Machine owns the dictation phase, the interim transcripts and the abort handle
// of the current session. Mutators must be called from a single goroutine;
// readers may be called from anywhere.
type Machine struct {
	mu       sync.RWMutex
	phase    Phase
	interims []string
	abort    AbortHandle

	cfg       Config
	engine    Stopper
	typing    TypingEmitter
	committer Committer
	onError   ErrorHandler
	obs       metrics.Observer
	logger    *slog.Logger

	listeners []Listener
}

// New creates a machine in PhaseIdle.
func New(cfg Config, deps Deps) *Machine {
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Machine{
		phase:     PhaseIdle,
		cfg:       cfg,
		engine:    deps.Engine,
		typing:    deps.Typing,
		committer: deps.Committer,
		onError:   deps.OnError,
		obs:       obs,
		logger:    logging.NewComponentLogger(deps.Logger, "dictation"),
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Interims returns a copy of the current interim transcripts.
func (m *Machine) Interims() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.interims...)
}

// Snapshot returns phase, interims and abort presence under one lock.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Phase:    m.phase,
		Interims: append([]string(nil), m.interims...),
		HasAbort: m.abort != nil,
	}
}

// Continuous reports the configured listening mode.
func (m *Machine) Continuous() bool {
	return m.cfg.Continuous
}

// AddListener registers a listener for phase change events.
func (m *Machine) AddListener(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid phase transition attempt
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid dictation transition from " + e.From.String() + " to " + e.To.String()
}

// transitionValid checks if a phase transition is valid (must be called with lock held).
func transitionValid(from, to Phase) bool {
	validTransitions := map[Phase][]Phase{
		PhaseIdle:      {PhaseStarting},
		PhaseStarting:  {PhaseDictating, PhaseIdle},
		PhaseDictating: {PhaseDictating, PhaseIdle},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Begin handles the "begin listening" request: IDLE -> STARTING.
// abort is the cancellation handle of the session about to be opened.
// Starting a second session while one is active is rejected.
func (m *Machine) Begin(abort AbortHandle) error {
	m.mu.Lock()
	if !transitionValid(m.phase, PhaseStarting) {
		from := m.phase
		m.mu.Unlock()
		return errorsx.Wrap(&InvalidTransitionError{From: from, To: PhaseStarting}, errorsx.ReasonDictationTransition)
	}
	m.interims = nil
	m.abort = abort
	change := m.setPhaseLocked(PhaseStarting, "begin_listening")
	m.mu.Unlock()

	m.notify(change)
	return nil
}

// Stop forces an active session back to IDLE and stops the engine. No-op when idle.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.phase.Active() {
		m.mu.Unlock()
		return
	}
	abort := m.abort
	m.abort = nil
	m.interims = nil
	change := m.setPhaseLocked(PhaseIdle, "stop")
	m.mu.Unlock()

	m.notify(change)
	m.stopEngine(abort)
}

// Dispatch feeds one normalized recognizer event into the machine.
func (m *Machine) Dispatch(ev Event) {
	switch e := ev.(type) {
	case InterimUpdate:
		m.onInterim(e)
	case FinalResult:
		m.onFinal(e)
	case RecognitionError:
		m.handleRecognitionError(e)
	case nil:
	default:
		m.logger.Warn("dictation_unknown_event", slog.String("event", ev.eventName()))
	}
}

func (m *Machine) onInterim(e InterimUpdate) {
	m.mu.Lock()
	if !m.phase.Active() {
		phase := m.phase
		m.mu.Unlock()
		m.discardStale(e, phase)
		return
	}
	if e.Abort != nil {
		m.abort = e.Abort
	}
	interims := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		interims = append(interims, r.Transcript)
	}
	m.interims = interims
	change := m.setPhaseLocked(PhaseDictating, "interim_update")
	typing := m.cfg.SendTypingIndicator && m.typing != nil
	m.mu.Unlock()

	m.notify(change)
	if typing {
		m.typing.EmitTyping()
	}
}

func (m *Machine) onFinal(e FinalResult) {
	m.mu.Lock()
	if !m.phase.Active() {
		phase := m.phase
		m.mu.Unlock()
		m.discardStale(e, phase)
		return
	}
	m.interims = nil
	var change *PhaseChange
	var abort AbortHandle
	stop := !m.cfg.Continuous
	if stop {
		abort = m.abort
		m.abort = nil
		change = m.setPhaseLocked(PhaseIdle, "final_result")
	}
	m.mu.Unlock()

	m.notify(change)
	// Some engines keep the microphone open after a result even when continuous
	// mode was not requested.
	if stop {
		m.stopEngine(abort)
	}

	m.record("dictation_final_result", e.Confidence, map[string]string{
		"empty": boolTag(e.Transcript == ""),
	})
	m.logger.Debug("dictation_final_result",
		slog.String("transcript", redact.Transcript(e.Transcript, 120)),
		slog.Float64("confidence", e.Confidence),
		slog.Bool("continuous", m.cfg.Continuous))

	if e.Transcript == "" || m.committer == nil {
		return
	}
	m.committer.Commit(e)
}

func (m *Machine) handleRecognitionError(e RecognitionError) {
	m.mu.Lock()
	prev := m.phase
	abort := m.abort
	m.abort = nil
	m.interims = nil
	change := m.setPhaseLocked(PhaseIdle, "recognition_error")
	m.mu.Unlock()

	m.notify(change)
	if prev.Active() {
		m.stopEngine(abort)
	}

	m.record("dictation_error", 1, map[string]string{
		"phase":       prev.String(),
		"code":        e.Code,
		"reason_code": string(errorsx.Reason(e.Err)),
	})
	m.logger.Warn("dictation_recognition_error",
		slog.String("phase", prev.String()),
		slog.String("code", e.Code),
		slog.String("error", e.Error()))

	if m.onError != nil {
		m.onError(e)
	}
}

func (m *Machine) discardStale(ev Event, phase Phase) {
	m.record("dictation_stale_event", 1, map[string]string{
		"event": ev.eventName(),
		"phase": phase.String(),
	})
	m.logger.Debug("dictation_stale_event",
		slog.String("event", ev.eventName()),
		slog.String("phase", phase.String()))
}

// setPhaseLocked must be called with the write lock held. It returns nil when the
// phase does not change.
func (m *Machine) setPhaseLocked(to Phase, reason string) *PhaseChange {
	from := m.phase
	if from == to {
		return nil
	}
	if !transitionValid(from, to) {
		m.logger.Error("dictation_invalid_transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", reason))
		return nil
	}
	m.phase = to
	if to == PhaseIdle {
		m.interims = nil
		m.abort = nil
	}
	return &PhaseChange{From: from, To: to, Timestamp: time.Now(), Reason: reason}
}

func (m *Machine) notify(change *PhaseChange) {
	if change == nil {
		return
	}
	m.record("dictation_phase_change", 1, map[string]string{
		"from":   change.From.String(),
		"to":     change.To.String(),
		"reason": change.Reason,
	})
	m.logger.Debug("dictation_phase_change",
		slog.String("from", change.From.String()),
		slog.String("to", change.To.String()),
		slog.String("reason", change.Reason))

	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnPhaseChange(*change)
	}
}

func (m *Machine) stopEngine(abort AbortHandle) {
	if abort != nil {
		abort.Abort()
	}
	if m.engine == nil {
		return
	}
	if err := m.engine.Stop(); err != nil {
		m.logger.Warn("dictation_engine_stop_failed", slog.String("error", err.Error()))
	}
}

func (m *Machine) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	tags["component"] = "dictation"
	if m.cfg.ConversationID != "" {
		tags["stream_id"] = m.cfg.ConversationID
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
