package speechchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/speechchat/pkg/adapters/stt"
	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/audiogate"
	"github.com/harunnryd/speechchat/pkg/chat"
	"github.com/harunnryd/speechchat/pkg/dictation"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/metrics"
	"github.com/harunnryd/speechchat/pkg/observers"
	"github.com/harunnryd/speechchat/pkg/redact"
	"github.com/harunnryd/speechchat/pkg/transports"
	"github.com/harunnryd/speechchat/pkg/view"
)

// ErrNotRunning is returned by commands issued before Start or after Stop.
var ErrNotRunning = errors.New("engine not running")

// Engine wires the dictation core to its collaborators. A single control
// goroutine owns every state mutation; commands and collaborator frames are
// marshalled onto it.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	recognizer stt.Recognizer
	synth      tts.StreamingTTS
	transport  transports.Transport

	store    *chat.Store
	outbox   *chat.Outbox
	speaker  *chat.Speaker
	machine  *dictation.Machine
	coord    *dictation.Coordinator
	views    *view.Coordinator
	pointer  *audiogate.PointerBus
	playback *audiogate.PlaybackContext
	gate     *audiogate.Gate

	obs         metrics.Observer
	asyncObs    *metrics.AsyncObserver
	timelineObs *observers.TimelineObserver
	metricsFile io.Closer
	onError     func(error)

	// loop-owned
	adapter       *dictation.Adapter
	cancelSession context.CancelFunc

	lastErr atomic.Value

	cmds     chan func()
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry

	// Explicit collaborators take precedence over Providers.
	Recognizer  stt.Recognizer
	Synthesizer tts.StreamingTTS
	Transport   transports.Transport

	Logger *slog.Logger
	// Observer receives metrics in addition to the configured observers.
	Observer metrics.Observer
	// OnError is the external recognition-error handler.
	OnError func(error)
}

// Snapshot is what the UI renders.
type Snapshot struct {
	ConversationID   string
	Phase            dictation.Phase
	Interims         []string
	InterimsVisible  bool
	SendBox          string
	ShouldSpeak      bool
	MicrophoneActive bool
	BotSpeaking      bool
	SpeakingCount    int
	View             view.View
	UIDisabled       bool
	AudioSuspended   bool
	LastError        string
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if strings.TrimSpace(cfg.ConversationID) == "" {
		cfg.ConversationID = uuid.NewString()
	}
	initial, err := view.Parse(cfg.UI.InitialView)
	if err != nil {
		return nil, fmt.Errorf("ui.initial_view: %w", err)
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	base = base.With(slog.String("conversation_id", cfg.ConversationID))

	recognizer, synth, transport := opts.Recognizer, opts.Synthesizer, opts.Transport
	if recognizer == nil || synth == nil || transport == nil {
		if opts.Providers == nil {
			return nil, errors.New("engine requires providers or explicit collaborators")
		}
	}
	if recognizer == nil {
		if recognizer, err = opts.Providers.BuildRecognizer(cfg); err != nil {
			return nil, err
		}
	}
	if synth == nil {
		if synth, err = opts.Providers.BuildSynthesizer(cfg); err != nil {
			return nil, err
		}
	}
	if transport == nil {
		if transport, err = opts.Providers.BuildTransport(cfg); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(base, "engine"),
		recognizer: recognizer,
		synth:      synth,
		transport:  transport,
		onError:    opts.OnError,
		cmds:       make(chan func()),
		done:       make(chan struct{}),
	}
	if err := e.buildObservers(opts.Observer, base); err != nil {
		return nil, err
	}

	e.store = chat.NewStore(cfg.Chat.MaxActivities)
	e.outbox = chat.NewOutbox(transport, e.store, cfg.ConversationID, base)
	e.coord = dictation.NewCoordinator(e.store, e.outbox, e.store, base)
	e.machine = dictation.New(dictation.Config{
		Continuous:          cfg.Dictation.Continuous,
		SendTypingIndicator: cfg.Dictation.SendTypingIndicator,
		ConversationID:      cfg.ConversationID,
	}, dictation.Deps{
		Engine:    recognizer,
		Typing:    e.outbox,
		Committer: e.coord,
		OnError:   e.reportError,
		Observer:  e.obs,
		Logger:    base,
	})
	// Starting to listen silences the bot.
	e.machine.AddListener(dictation.ListenerFunc(func(ev dictation.PhaseChange) {
		if ev.To == dictation.PhaseStarting {
			e.speaker.Cancel()
		}
	}))

	e.pointer = audiogate.NewPointerBus()
	e.playback = audiogate.NewPlaybackContext()
	provider := func() audiogate.AudioContext { return e.playback }
	e.gate = audiogate.New(e.pointer, provider,
		audiogate.WithObserver(e.obs),
		audiogate.WithLogger(base))
	e.speaker = chat.NewSpeaker(synth, e.store, transport, provider, base)
	e.views = view.New(initial, e.store, e.machine, e.toggleMicrophone, base)

	e.logger.Info("speechchat_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", recognizer.Name()),
		slog.String("tts_provider", synth.Name()),
		slog.String("transport", transport.Name()),
		slog.Bool("continuous", cfg.Dictation.Continuous),
		slog.String("initial_view", string(initial)))
	return e, nil
}

func (e *Engine) buildObservers(extra metrics.Observer, base *slog.Logger) error {
	list := []metrics.Observer{observers.NewLoggerObserver(base)}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		e.timelineObs = observers.NewTimelineObserver(dir)
		list = append(list, e.timelineObs)
	}
	if path := strings.TrimSpace(e.cfg.Observability.MetricsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		e.metricsFile = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	if extra != nil {
		list = append(list, extra)
	}
	buffer := e.cfg.Observability.AsyncBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), buffer)
	e.obs = e.asyncObs
	return nil
}

// Start brings up the transport and the synthesizer, then runs the control loop
// until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.running.Load() {
		return errors.New("engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := e.transport.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	if err := e.synth.Start(ctx); err != nil {
		cancel()
		_ = e.transport.Stop()
		return errorsx.Wrap(fmt.Errorf("start tts: %w", err), errorsx.ReasonTTSStart)
	}
	e.gate.Mount()
	e.cancel = cancel
	e.running.Store(true)
	go e.run(ctx)

	fields := []any{slog.String("message", "SpeechChat Engine Ready")}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, slog.Any(k, v))
		}
	}
	e.logger.Info("engine_ready", fields...)
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.running.Store(false)

	recv := e.transport.Recv()
	results := e.recognizer.Results()
	speech := e.synth.Results()
	for {
		select {
		case <-ctx.Done():
			e.machine.Stop()
			e.endSession()
			return
		case fn := <-e.cmds:
			fn()
		case f, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			e.handleRecognizer(f)
		case f, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			e.handleInbound(f)
		case f, ok := <-speech:
			if !ok {
				speech = nil
				continue
			}
			e.speaker.HandleFrame(f)
		}
	}
}

// do runs fn on the control goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrNotRunning
	}
}

// PointerDown reports a user press anywhere on the page.
func (e *Engine) PointerDown() error {
	return e.do(e.pointer.Press)
}

// MicrophoneClick toggles dictation from the microphone button.
func (e *Engine) MicrophoneClick() error {
	return e.do(func() {
		if e.cfg.UI.Disabled {
			e.logger.Debug("microphone_click_ignored", slog.String("reason", "ui_disabled"))
			return
		}
		e.views.MicrophoneClick()
	})
}

// SwitchView moves between the speech pill and the text chat.
func (e *Engine) SwitchView(v view.View) error {
	return e.do(func() {
		switch v {
		case view.Text:
			e.views.SwitchToText()
		case view.Speech:
			if e.cfg.UI.Disabled {
				e.logger.Debug("switch_to_speech_ignored", slog.String("reason", "ui_disabled"))
				return
			}
			e.views.SwitchToSpeech()
		}
	})
}

// SubmitText sends a typed message.
func (e *Engine) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var err error
	if doErr := e.do(func() {
		err = e.outbox.Submit(text, dictation.SubmitMetadata{Provenance: dictation.ProvenanceKeyboard})
		if err == nil {
			e.store.SetSendBox("")
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// toggleMicrophone runs on the control goroutine.
func (e *Engine) toggleMicrophone() {
	if e.machine.Phase().Active() {
		interims := e.machine.Interims()
		e.machine.Stop()
		e.store.SetSendBox(strings.Join(interims, " "))
		return
	}
	e.store.SetSendBox("")
	e.beginListening()
}

func (e *Engine) beginListening() {
	e.endSession()
	ctx, cancel := context.WithCancel(context.Background())
	abort := dictation.AbortFunc(cancel)
	if err := e.machine.Begin(abort); err != nil {
		cancel()
		e.logger.Warn("dictation_begin_rejected",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		return
	}
	e.cancelSession = cancel
	e.adapter = dictation.NewAdapter(abort)

	opts := stt.Options{
		Continuous:  e.cfg.Dictation.Continuous,
		Language:    e.cfg.Dictation.Language,
		GrammarList: append([]string(nil), e.cfg.Dictation.GrammarList...),
	}
	if err := e.recognizer.Start(ctx, opts); err != nil {
		e.machine.Dispatch(dictation.RecognitionError{Code: "start_failed", Err: err})
	}
}

func (e *Engine) endSession() {
	if e.cancelSession != nil {
		e.cancelSession()
		e.cancelSession = nil
	}
}

func (e *Engine) handleRecognizer(f frames.Frame) {
	adapter := e.adapter
	if adapter == nil {
		adapter = dictation.NewAdapter(nil)
	}
	ev, ok := adapter.Translate(f)
	if !ok {
		return
	}
	e.machine.Dispatch(ev)
	if !e.machine.Phase().Active() {
		e.endSession()
	}
}

func (e *Engine) handleInbound(f frames.Frame) {
	switch v := f.(type) {
	case frames.AudioFrame:
		sink, ok := e.recognizer.(stt.AudioSink)
		forwarded := ok && e.machine.Phase() != dictation.PhaseIdle
		if forwarded {
			if err := sink.SendAudio(v); err != nil {
				e.logger.Debug("audio_forward_failed", slog.String("error", err.Error()))
			}
		}
		e.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "audio_in",
			Time:  time.Now(),
			Value: float64(len(v.RawPayload())),
			Tags: map[string]string{
				"stream_id": e.cfg.ConversationID,
				"component": "transport",
				"forwarded": strconv.FormatBool(forwarded),
			},
			Fields: map[string]any{"sample_rate": v.Rate(), "channels": v.Channels()},
		})
	case frames.TextFrame:
		meta := v.Meta()
		if meta[frames.MetaRole] != frames.RoleBot {
			return
		}
		id := meta[frames.MetaActivityID]
		if id == "" {
			id = uuid.NewString()
		}
		act := e.store.AddIncoming(chat.Activity{
			ID:         id,
			Role:       frames.RoleBot,
			Text:       v.Text(),
			Provenance: meta[frames.MetaChannel],
		})
		e.logger.Debug("activity_received",
			slog.String("activity_id", id),
			slog.Bool("speak", act.Speak),
			slog.String("text", redact.Transcript(act.Text, 80)))
		if err := e.speaker.Speak(act); err != nil {
			e.logger.Warn("speak_failed",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.Reason(err))))
		}
	case frames.ControlFrame:
		if v.Code() == frames.ControlTyping {
			e.logger.Debug("bot_typing")
		}
	}
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	e.lastErr.Store(err.Error())
	if e.onError != nil {
		e.onError(err)
	}
}

// Snapshot is safe from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	ms := e.machine.Snapshot()
	speaking := e.store.SpeakingCount()
	last, _ := e.lastErr.Load().(string)
	return Snapshot{
		ConversationID:   e.cfg.ConversationID,
		Phase:            ms.Phase,
		Interims:         ms.Interims,
		InterimsVisible:  ms.Phase.Active(),
		SendBox:          e.store.SendBox(),
		ShouldSpeak:      e.store.ShouldSpeak(),
		MicrophoneActive: dictation.IsMicrophoneVisuallyActive(ms.Phase, e.cfg.Dictation.Continuous, speaking, e.cfg.UI.Disabled),
		BotSpeaking:      speaking > 0,
		SpeakingCount:    speaking,
		View:             e.views.Current(),
		UIDisabled:       e.cfg.UI.Disabled,
		AudioSuspended:   e.playback.Suspended(),
		LastError:        last,
	}
}

// Activities returns the visible conversation.
func (e *Engine) Activities() []chat.Activity {
	return e.store.Activities()
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

// Drain implements runner.Drainer.
func (e *Engine) Drain() error {
	return e.Stop()
}

// Stop ends any session, stops the loop and releases every collaborator.
func (e *Engine) Stop() error {
	var errs []error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		e.gate.Unmount()
		if err := e.transport.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop transport: %w", err))
		}
		if err := e.recognizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recognizer: %w", err))
		}
		if err := e.synth.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tts: %w", err))
		}
		e.asyncObs.Close()
		if e.timelineObs != nil {
			if err := e.timelineObs.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.metricsFile != nil {
			if err := e.metricsFile.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.logger.Info("shutdown",
			slog.Int("goroutines", runtime.NumGoroutine()),
			slog.Int64("metrics_dropped", e.asyncObs.Dropped()))
	})
	return errors.Join(errs...)
}
