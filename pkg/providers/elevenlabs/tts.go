package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/redact"
	"github.com/harunnryd/speechchat/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	StreamID     string
	// BaseURL overrides the API host, e.g. for a local stub.
	BaseURL        string
	ConnectRetries int
}

// TTS speaks one bot reply per stream-input websocket. The stream for a reply
// is closed after its text is sent, and the server's final message becomes the
// audio_ready signal for that reply.
type TTS struct {
	cfg    Config
	out    chan frames.Frame
	queue  chan utterance
	pts    *frames.PTSGen
	logger *slog.Logger
	retry  resilience.RetryPolicy
	dialer websocket.Dialer

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	current context.CancelFunc
	gen     int
	closed  bool
	wg      sync.WaitGroup
}

type utterance struct {
	text string
	meta map[string]string
	gen  int
}

func New(cfg Config) *TTS {
	retry := resilience.NewRetryPolicy(cfg.ConnectRetries, 250*time.Millisecond)
	retry.Retryable = func(err error) bool { return !resilience.IsRateLimit(err) }
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = fmt.Sprintf("pcm_%d", cfg.SampleRate)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &TTS{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		queue:  make(chan utterance, 32),
		pts:    frames.NewPTSGen(),
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
		retry:  retry,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
	}
}

func (s *TTS) Name() string { return "elevenlabs" }

func (s *TTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.New(errorsx.ReasonTTSStart, "elevenlabs api key and voice id are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.New(errorsx.ReasonTTSStart, "elevenlabs tts closed")
	}
	if s.cancel != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker()
	return nil
}

func (s *TTS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.out)
	return nil
}

// SendText queues one reply. meta is echoed on its audio and audio_ready frames.
func (s *TTS) SendText(text string, meta map[string]string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	started, gen := s.cancel != nil && !s.closed, s.gen
	s.mu.Unlock()
	if !started {
		return errorsx.New(errorsx.ReasonTTSSend, "elevenlabs tts not started")
	}
	select {
	case s.queue <- utterance{text: text, meta: meta, gen: gen}:
		return nil
	default:
		return errorsx.New(errorsx.ReasonTTSSend, "elevenlabs queue full")
	}
}

// Flush abandons the reply being spoken and everything queued behind it.
func (s *TTS) Flush() {
	s.mu.Lock()
	s.gen++
	if s.current != nil {
		s.current()
	}
	s.mu.Unlock()
drain:
	for {
		select {
		case _, ok := <-s.out:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
	s.logger.Debug("tts_flushed", slog.String("stream_id", s.cfg.StreamID))
}

func (s *TTS) Results() <-chan frames.Frame { return s.out }

func (s *TTS) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.queue:
			s.mu.Lock()
			stale := u.gen != s.gen
			var ctx context.Context
			if !stale {
				ctx, s.current = context.WithCancel(s.ctx)
			}
			s.mu.Unlock()
			if stale {
				continue
			}
			err := s.speak(ctx, u)
			failed := err != nil && ctx.Err() == nil
			s.mu.Lock()
			s.current()
			s.current = nil
			s.mu.Unlock()
			if failed {
				s.logger.Warn("tts_utterance_failed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("activity_id", u.meta[frames.MetaActivityID]))
				// Release the reply so the speaking state does not stick.
				s.emit(frames.NewControlFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), frames.ControlAudioReady, s.meta(u.meta, "error")))
			}
		}
	}
}

func (s *TTS) speak(ctx context.Context, u utterance) error {
	var conn *websocket.Conn
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		c, resp, err := s.dialer.DialContext(ctx, s.url(), http.Header{"xi-api-key": []string{s.cfg.APIKey}})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("connect elevenlabs: %w", err), errorsx.ReasonTTSSend)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Debug("tts_utterance_started",
		slog.String("activity_id", u.meta[frames.MetaActivityID]),
		slog.String("text", redact.Transcript(u.text, 80)))

	for _, msg := range []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
		},
		{"text": u.text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			return errorsx.Wrap(fmt.Errorf("write elevenlabs: %w", err), errorsx.ReasonTTSSend)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(frames.NewControlFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), frames.ControlAudioReady, s.meta(u.meta, "closed")))
				return nil
			}
			return errorsx.Wrap(fmt.Errorf("read elevenlabs: %w", err), errorsx.ReasonTTSSend)
		}
		final, err := s.handleMessage(data, u.meta)
		if err != nil {
			return err
		}
		if final {
			s.emit(frames.NewControlFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), frames.ControlAudioReady, s.meta(u.meta, "final")))
			return nil
		}
	}
}

type streamMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *TTS) handleMessage(data []byte, meta map[string]string) (bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("tts_unparsed_message", slog.Int("size_bytes", len(data)))
		return false, nil
	}
	if msg.Error != "" {
		return false, errorsx.New(errorsx.ReasonTTSSend, "elevenlabs: "+msg.Error+" "+msg.Message)
	}
	if msg.Audio != "" {
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.logger.Warn("tts_audio_decode_failed", slog.String("error", err.Error()))
		} else if len(raw) > 0 {
			s.emit(frames.NewAudioFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), raw, s.cfg.SampleRate, 1, s.meta(meta, "")))
		}
	}
	return msg.IsFinal, nil
}

func (s *TTS) url() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

func (s *TTS) meta(base map[string]string, reason string) map[string]string {
	out := make(map[string]string, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	out[frames.MetaSource] = "elevenlabs"
	out["output_format"] = s.cfg.OutputFormat
	if reason != "" {
		out[frames.MetaReason] = reason
	}
	return out
}

func (s *TTS) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("tts_output_buffer_full", slog.String("stream_id", s.cfg.StreamID))
	}
}

var _ tts.StreamingTTS = (*TTS)(nil)
