// Package webchat relays chat activities to websocket peers. User messages and
// typing indicators are broadcast as JSON; bot peers post message activities
// back. Binary messages carry microphone PCM in and synthesized speech out.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	ConversationID string   `mapstructure:"conversation_id"`
	SampleRate     int      `mapstructure:"sample_rate"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/chat"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	pts      *frames.PTSGen
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	stopOnce sync.Once
	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:   make(chan frames.Frame, 512),
		pts:      frames.NewPTSGen(),
		logger:   logging.NewComponentLogger(slog.Default(), "webchat"),
		sessions: make(map[string]*session),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "webchat" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{"chat_url": "ws://" + addr + t.cfg.Path}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
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
			t.logger.Error("webchat_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	t.draining.Store(true)
	srv := t.server
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.stopOnce.Do(func() { close(t.recvCh) })
	t.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
	for _, sess := range sessions {
		_ = sess.close()
	}
	return nil
}

// ServeHTTP upgrades one peer and reads its messages until it disconnects.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peerID := uuid.NewString()
	t.attach(peerID, conn)
	defer t.detach(peerID)

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			meta := map[string]string{frames.MetaSource: "microphone", frames.MetaChannel: "webchat"}
			t.deliver(frames.NewAudioFrame(t.cfg.ConversationID, t.pts.Next(peerID), msg, t.cfg.SampleRate, 1, meta))
		case websocket.TextMessage:
			var act Activity
			if err := json.Unmarshal(msg, &act); err != nil {
				t.logger.Debug("webchat_bad_activity", slog.String("peer_id", peerID), slog.String("error", err.Error()))
				continue
			}
			if f, ok := t.inbound(act); ok {
				t.deliver(f)
			}
		}
	}
}

// Send broadcasts user activities and speech audio to every connected peer.
func (t *Transport) Send(f frames.Frame) error {
	if t.draining.Load() {
		return errorsx.New(errorsx.ReasonTransportClosed, "webchat transport stopped")
	}
	switch v := f.(type) {
	case frames.TextFrame:
		meta := v.Meta()
		act := Activity{
			Type: activityMessage,
			ID:   meta[frames.MetaActivityID],
			From: Account{Role: roleOr(meta[frames.MetaRole], frames.RoleUser)},
			Text: v.Text(),
		}
		if p := meta[frames.MetaProvenance]; p != "" {
			act.ChannelData = &ChannelData{Provenance: p}
		}
		if alts := decodeAlternatives(meta[frames.MetaAlternatives]); len(alts) > 0 {
			if act.ChannelData == nil {
				act.ChannelData = &ChannelData{}
			}
			act.ChannelData.Speech = &SpeechData{Alternatives: alts}
		}
		b, err := json.Marshal(act)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		t.broadcast(websocket.TextMessage, b)
	case frames.ControlFrame:
		if v.Code() != frames.ControlTyping {
			return nil
		}
		b, _ := json.Marshal(Activity{Type: activityTyping, From: Account{Role: roleOr(v.Meta()[frames.MetaRole], frames.RoleUser)}})
		t.broadcast(websocket.TextMessage, b)
	case frames.AudioFrame:
		t.broadcast(websocket.BinaryMessage, v.RawPayload())
	}
	return nil
}

// Peers returns the number of connected peers.
func (t *Transport) Peers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Transport) inbound(act Activity) (frames.Frame, bool) {
	if act.Type != activityMessage || act.From.Role != frames.RoleBot {
		return nil, false
	}
	text := act.Text
	if strings.TrimSpace(act.Speak) != "" {
		text = act.Speak
	}
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	id := act.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta := map[string]string{
		frames.MetaActivityID: id,
		frames.MetaRole:       frames.RoleBot,
		frames.MetaChannel:    "webchat",
		frames.MetaSource:     "transport",
	}
	return frames.NewTextFrame(t.cfg.ConversationID, t.pts.Next(id), text, meta), true
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
		t.logger.Warn("webchat_recv_channel_full", slog.String("kind", string(f.Kind())))
	}
}

func (t *Transport) broadcast(kind int, payload []byte) {
	t.mu.Lock()
	targets := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		targets = append(targets, s)
	}
	t.mu.Unlock()
	for _, s := range targets {
		s.enqueue(kind, payload)
	}
}

func (t *Transport) attach(id string, conn *websocket.Conn) {
	sess := &session{conn: conn, sendCh: make(chan outbound, 256)}
	t.mu.Lock()
	t.sessions[id] = sess
	t.mu.Unlock()
	go sess.loop()
	t.logger.Info("webchat_peer_connected", slog.String("peer_id", id))
}

func (t *Transport) detach(id string) {
	t.mu.Lock()
	sess := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
		t.logger.Info("webchat_peer_disconnected", slog.String("peer_id", id))
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func roleOr(role, fallback string) string {
	if role == "" {
		return fallback
	}
	return role
}

type outbound struct {
	kind    int
	payload []byte
}

type session struct {
	conn   *websocket.Conn
	sendCh chan outbound
	mu     sync.Mutex
	closed bool
}

func (s *session) enqueue(kind int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.sendCh <- outbound{kind: kind, payload: payload}:
	default:
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = s.conn.WriteMessage(msg.kind, msg.payload)
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}
