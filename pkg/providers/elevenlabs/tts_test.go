package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechchat/pkg/frames"
)

// stubServer answers each stream-input socket with one audio chunk and a
// final message once the empty end-of-input text arrives.
type stubServer struct {
	mu     sync.Mutex
	texts  []string
	keys   []string
	paths  []string
	status int
	hold   chan struct{}
}

func (s *stubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.keys = append(s.keys, r.Header.Get("xi-api-key"))
	s.paths = append(s.paths, r.URL.EscapedPath()+"?"+r.URL.RawQuery)
	status := s.status
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		text, _ := msg["text"].(string)
		if strings.TrimSpace(text) != "" {
			s.mu.Lock()
			s.texts = append(s.texts, strings.TrimSpace(text))
			s.mu.Unlock()
		}
		if text != "" {
			continue
		}
		if s.hold != nil {
			<-s.hold
		}
		audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
		_ = conn.WriteJSON(map[string]any{"audio": audio, "isFinal": nil})
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
		return
	}
}

func newTestTTS(t *testing.T, stub *stubServer) *TTS {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	s := New(Config{
		APIKey:   "xi-test",
		VoiceID:  "voice 1",
		ModelID:  "eleven_flash_v2_5",
		StreamID: "conv-1",
		BaseURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nextFrame(t *testing.T, s *TTS) frames.Frame {
	t.Helper()
	select {
	case f, ok := <-s.Results():
		if !ok {
			t.Fatalf("results closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tts frame")
	}
	return nil
}

func TestSpeakEmitsAudioThenAudioReady(t *testing.T) {
	stub := &stubServer{}
	s := newTestTTS(t, stub)

	if err := s.SendText("It is sunny.", map[string]string{frames.MetaActivityID: "bot-1"}); err != nil {
		t.Fatalf("send text: %v", err)
	}
	audio, ok := nextFrame(t, s).(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected audio first")
	}
	if len(audio.Data()) != 4 || audio.Meta()[frames.MetaActivityID] != "bot-1" {
		t.Fatalf("unexpected audio frame %v %v", audio.Data(), audio.Meta())
	}
	ready, ok := nextFrame(t, s).(frames.ControlFrame)
	if !ok || ready.Code() != frames.ControlAudioReady {
		t.Fatalf("expected audio_ready, got %#v", ready)
	}
	if ready.Meta()[frames.MetaActivityID] != "bot-1" || ready.Meta()[frames.MetaReason] != "final" {
		t.Fatalf("unexpected audio_ready meta %v", ready.Meta())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.texts) != 1 || stub.texts[0] != "It is sunny." {
		t.Fatalf("unexpected texts %v", stub.texts)
	}
	if stub.keys[0] != "xi-test" {
		t.Fatalf("expected api key header, got %q", stub.keys[0])
	}
	if !strings.Contains(stub.paths[0], "/v1/text-to-speech/voice%201/stream-input") ||
		!strings.Contains(stub.paths[0], "output_format=pcm_16000") {
		t.Fatalf("unexpected request path %q", stub.paths[0])
	}
}

func TestFailedConnectionStillReleasesReply(t *testing.T) {
	stub := &stubServer{status: http.StatusUnauthorized}
	s := newTestTTS(t, stub)

	if err := s.SendText("hello", map[string]string{frames.MetaActivityID: "bot-2"}); err != nil {
		t.Fatalf("send text: %v", err)
	}
	ready, ok := nextFrame(t, s).(frames.ControlFrame)
	if !ok || ready.Code() != frames.ControlAudioReady || ready.Meta()[frames.MetaReason] != "error" {
		t.Fatalf("expected error audio_ready, got %#v", ready)
	}
}

func TestFlushDropsQueuedReplies(t *testing.T) {
	stub := &stubServer{hold: make(chan struct{})}
	s := newTestTTS(t, stub)

	_ = s.SendText("first", map[string]string{frames.MetaActivityID: "a"})
	_ = s.SendText("second", map[string]string{frames.MetaActivityID: "b"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stub.mu.Lock()
		n := len(stub.texts)
		stub.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Flush()
	close(stub.hold)

	select {
	case f := <-s.Results():
		t.Fatalf("expected no frames after flush, got %#v", f)
	case <-time.After(200 * time.Millisecond):
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.texts) != 1 {
		t.Fatalf("expected the queued reply to be dropped, texts=%v", stub.texts)
	}
}

func TestStartRequiresCredentials(t *testing.T) {
	if err := New(Config{VoiceID: "v"}).Start(context.Background()); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
}
