package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechchat/pkg/adapters/stt"
	"github.com/harunnryd/speechchat/pkg/dictation"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/redact"
	"github.com/harunnryd/speechchat/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	StreamID       string
	VADEvents      bool
	UtteranceEndMS int
	ConnectRetries int
}

// Recognizer streams microphone audio to Deepgram live transcription. One
// websocket is opened per dictation session.
type Recognizer struct {
	cfg    Config
	out    chan frames.Frame
	pts    *frames.PTSGen
	logger *slog.Logger
	retry  resilience.RetryPolicy

	mu      sync.Mutex
	session *session
	closed  bool
}

// liveConn is the part of the SDK websocket client a session drives.
type liveConn interface {
	Stream(r io.Reader) error
	Stop()
}

type session struct {
	dg     liveConn
	cancel context.CancelFunc
	pw     *io.PipeWriter
	cb     *callback
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Recognizer{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		pts:    frames.NewPTSGen(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_recognizer"),
		retry:  resilience.NewRetryPolicy(cfg.ConnectRetries, 200*time.Millisecond),
	}
}

func (r *Recognizer) Name() string { return "deepgram" }

// Start opens a live transcription session. Interim results are always
// requested; opts.Language overrides the configured language.
func (r *Recognizer) Start(ctx context.Context, opts stt.Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram recognizer closed")
	}
	prev := r.detachLocked()
	r.mu.Unlock()
	r.shutdown(prev)

	language := r.cfg.Language
	if opts.Language != "" {
		language = opts.Language
	}
	tOpts := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       language,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: true,
		VadEvents:      r.cfg.VADEvents,
		SmartFormat:    true,
		Keywords:       opts.GrammarList,
	}
	if r.cfg.UtteranceEndMS > 0 {
		tOpts.UtteranceEndMs = strconv.Itoa(r.cfg.UtteranceEndMS)
	}

	sctx, cancel := context.WithCancel(ctx)
	cb := &callback{parent: r, continuous: opts.Continuous}
	var dg *client.WSCallback
	err := r.retry.Do(sctx, func(ctx context.Context) error {
		c, err := client.NewWSUsingCallback(ctx, r.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, tOpts, cb)
		if err != nil {
			return err
		}
		if !c.Connect() {
			return fmt.Errorf("deepgram connection failed")
		}
		dg = c
		return nil
	})
	if err != nil {
		cancel()
		r.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", r.cfg.StreamID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	pr, pw := io.Pipe()
	r.mu.Lock()
	if r.closed || r.session != nil {
		r.mu.Unlock()
		cb.stopped.Store(true)
		cancel()
		_ = pw.Close()
		dg.Stop()
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram session superseded")
	}
	r.session = &session{dg: dg, cancel: cancel, pw: pw, cb: cb}
	r.mu.Unlock()
	go func() {
		if err := dg.Stream(pr); err != nil && sctx.Err() == nil {
			r.logger.Warn("deepgram_stream_error",
				slog.String("stream_id", r.cfg.StreamID),
				slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("deepgram_session_started",
		slog.String("stream_id", r.cfg.StreamID),
		slog.String("model", r.cfg.Model),
		slog.String("language", language),
		slog.Bool("continuous", opts.Continuous),
		slog.Int("keywords", len(opts.GrammarList)))
	return nil
}

// Stop closes the current session. Callbacks of a stopped session are dropped.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	s := r.detachLocked()
	r.mu.Unlock()
	r.shutdown(s)
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	s := r.detachLocked()
	r.closed = true
	close(r.out)
	r.mu.Unlock()
	r.shutdown(s)
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return errorsx.New(errorsx.ReasonSTTSend, "deepgram session not started")
	}
	if _, err := s.pw.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(fmt.Errorf("write audio: %w", err), errorsx.ReasonSTTSend)
	}
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

// detachLocked takes the current session out so its callbacks are dropped.
func (r *Recognizer) detachLocked() *session {
	s := r.session
	if s == nil {
		return nil
	}
	r.session = nil
	s.cb.stopped.Store(true)
	return s
}

// shutdown closes a detached session. The SDK close sleeps while the socket
// drains, so it runs without r.mu held.
func (r *Recognizer) shutdown(s *session) {
	if s == nil {
		return
	}
	s.cancel()
	_ = s.pw.Close()
	s.dg.Stop()
	r.logger.Info("deepgram_session_stopped", slog.String("stream_id", r.cfg.StreamID))
}

func (r *Recognizer) emit(f frames.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.out <- f:
	default:
		r.logger.Warn("deepgram_out_channel_full", slog.String("stream_id", r.cfg.StreamID))
	}
}

func (r *Recognizer) meta(extra map[string]string) map[string]string {
	m := map[string]string{frames.MetaSource: "stt"}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

type callback struct {
	parent     *Recognizer
	continuous bool
	stopped    atomic.Bool
	metaLogged atomic.Bool
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if c.stopped.Load() || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	r := c.parent
	best := mr.Channel.Alternatives[0]
	alts := make([]dictation.Alternative, 0, len(mr.Channel.Alternatives))
	for _, a := range mr.Channel.Alternatives {
		alts = append(alts, dictation.Alternative{Confidence: a.Confidence, Transcript: a.Transcript})
	}

	if !mr.IsFinal {
		if best.Transcript == "" {
			return nil
		}
		r.emit(frames.NewTextFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), best.Transcript, r.meta(map[string]string{
			frames.MetaIsFinal:      "false",
			frames.MetaConfidence:   strconv.FormatFloat(best.Confidence, 'f', -1, 64),
			frames.MetaAlternatives: dictation.EncodeAlternatives(alts),
		})))
		return nil
	}
	// Empty finalized segments carry no result unless the engine declared the
	// end of speech, which closes the dictation without a transcript.
	if best.Transcript == "" && !mr.SpeechFinal {
		return nil
	}
	r.logger.Debug("deepgram_final_transcript",
		slog.String("stream_id", r.cfg.StreamID),
		slog.String("transcript", redact.Transcript(best.Transcript, 120)),
		slog.Float64("confidence", best.Confidence))
	r.emit(frames.NewTextFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), best.Transcript, r.meta(map[string]string{
		frames.MetaIsFinal:      "true",
		frames.MetaConfidence:   strconv.FormatFloat(best.Confidence, 'f', -1, 64),
		frames.MetaAlternatives: dictation.EncodeAlternatives(alts),
	})))
	if !c.continuous {
		c.stopped.Store(true)
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	if c.stopped.Load() {
		return nil
	}
	r := c.parent
	r.emit(frames.NewControlFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), frames.ControlFlush, r.meta(map[string]string{
		frames.MetaReason: "speech_started",
	})))
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	if c.stopped.Load() {
		return nil
	}
	r := c.parent
	r.emit(frames.NewControlFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), frames.ControlFlush, r.meta(map[string]string{
		frames.MetaReason: "utterance_end",
	})))
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed", slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	if c.stopped.Swap(true) {
		return nil
	}
	r := c.parent
	r.logger.Error("deepgram_error",
		slog.String("stream_id", r.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	r.emit(frames.NewSystemFrame(r.cfg.StreamID, r.pts.Next(r.cfg.StreamID), frames.SystemSTTError, r.meta(map[string]string{
		frames.MetaErrorCode: er.ErrCode,
		frames.MetaError:     er.ErrMsg,
		frames.MetaReason:    string(errorsx.ReasonSTTRecognition),
	})))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("size_bytes", len(byData)))
	return nil
}

var (
	_ stt.Recognizer = (*Recognizer)(nil)
	_ stt.AudioSink  = (*Recognizer)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
