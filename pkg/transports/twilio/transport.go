// Package twilio carries chat activities over SMS. Outbound user messages are
// created through the Twilio REST API; inbound replies arrive on a signed
// messaging webhook.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/redact"
	"github.com/harunnryd/speechchat/pkg/resilience"
)

type Config struct {
	ServerAddr  string `mapstructure:"server_addr"`
	PublicURL   string `mapstructure:"public_url"`
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	From        string `mapstructure:"from"`
	To          string `mapstructure:"to"`
	WebhookPath string `mapstructure:"webhook_path"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8081"
	}
	if c.WebhookPath == "" {
		c.WebhookPath = "/sms"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type Transport struct {
	cfg     Config
	server  *http.Server
	recvCh  chan frames.Frame
	pts     *frames.PTSGen
	logger  *slog.Logger
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker

	creator messageCreator

	mu       sync.Mutex
	stopOnce sync.Once
	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	retry := resilience.NewRetryPolicy(cfg.MaxRetries, 250*time.Millisecond)
	retry.Retryable = func(err error) bool {
		return !resilience.IsRateLimit(err) && !errors.Is(err, resilience.ErrCircuitOpen)
	}
	return &Transport{
		cfg:     cfg,
		recvCh:  make(chan frames.Frame, 256),
		pts:     frames.NewPTSGen(),
		logger:  logging.NewComponentLogger(slog.Default(), "twilio_sms"),
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url": t.webhookURL(),
		"from":        t.cfg.From,
		"to":          redact.Text(t.cfg.To),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	if t.cfg.From == "" || t.cfg.To == "" {
		return errors.New("twilio from/to numbers required")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.WebhookPath, t.handleMessage)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.mu.Lock()
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	srv := t.server
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	t.draining.Store(true)
	srv := t.server
	t.stopOnce.Do(func() { close(t.recvCh) })
	t.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
	return nil
}

// Send posts user message activities as SMS. SMS has no typing indicator or
// audio channel; other frames are ignored.
func (t *Transport) Send(f frames.Frame) error {
	tf, ok := f.(frames.TextFrame)
	if !ok {
		return nil
	}
	if role := tf.Meta()[frames.MetaRole]; role != "" && role != frames.RoleUser {
		return nil
	}
	body := strings.TrimSpace(tf.Text())
	if body == "" {
		return nil
	}
	if t.draining.Load() {
		return errorsx.New(errorsx.ReasonTransportClosed, "twilio transport stopped")
	}
	creator := t.creator
	if creator == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		creator = rest.Api
	}
	params := &api.CreateMessageParams{}
	params.SetTo(t.cfg.To)
	params.SetFrom(t.cfg.From)
	params.SetBody(body)

	var sid string
	err := t.retry.Do(context.Background(), func(context.Context) error {
		return t.breaker.Call(func() error {
			resp, err := creator.CreateMessage(params)
			if err != nil {
				return classify(err)
			}
			if resp != nil && resp.Sid != nil {
				sid = *resp.Sid
			}
			return nil
		})
	})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("create message: %w", err), errorsx.ReasonTransportSend)
	}
	t.logger.Debug("sms_sent",
		slog.String("message_sid", sid),
		slog.String("activity_id", tf.Meta()[frames.MetaActivityID]),
		slog.String("provenance", tf.Meta()[frames.MetaProvenance]))
	return nil
}

func (t *Transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body := strings.TrimSpace(r.FormValue("Body"))
	id := r.FormValue("MessageSid")
	if id == "" {
		id = uuid.NewString()
	}
	if body != "" {
		meta := map[string]string{
			frames.MetaActivityID: id,
			frames.MetaRole:       frames.RoleBot,
			frames.MetaFrom:       r.FormValue("From"),
			frames.MetaChannel:    "sms",
			frames.MetaSource:     "transport",
		}
		t.deliver(frames.NewTextFrame("", t.pts.Next(id), body, meta))
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(`<Response></Response>`))
}

func (t *Transport) deliver(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("twilio_recv_channel_full")
	}
}

func (t *Transport) webhookURL() string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + t.cfg.WebhookPath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.WebhookPath
}

// classify maps HTTP 429 responses to resilience.RateLimitError so the
// breaker can cool down.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "twilio", Message: restErr.Message}
	}
	return err
}
