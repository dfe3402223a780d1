// Package audiogate resumes a suspended audio playback context on the first
// user gesture. Playback contexts typically start suspended until the user
// interacts with the page or console.
package audiogate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/metrics"
)

// AudioContext is the playback context shared by speech output.
type AudioContext interface {
	Suspended() bool
	Resume(ctx context.Context) error
}

// ContextProvider returns the current audio context, or nil when none has
// been created yet.
type ContextProvider func() AudioContext

// PointerSource delivers global pointer-press notifications.
type PointerSource interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Gate resumes the audio context on every pointer press while mounted.
type Gate struct {
	source   PointerSource
	provider ContextProvider
	timeout  time.Duration
	obs      metrics.Observer
	logger   *slog.Logger

	mu    sync.Mutex
	unsub func()
}

type Option func(*Gate)

func WithObserver(obs metrics.Observer) Option {
	return func(g *Gate) {
		if obs != nil {
			g.obs = obs
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logging.NewComponentLogger(logger, "audiogate") }
}

// WithResumeTimeout bounds a single resume call.
func WithResumeTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func New(source PointerSource, provider ContextProvider, opts ...Option) *Gate {
	g := &Gate{
		source:   source,
		provider: provider,
		timeout:  2 * time.Second,
		obs:      metrics.NoopObserver{},
		logger:   logging.NewComponentLogger(nil, "audiogate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mount registers the press listener. Calling it twice keeps one listener.
func (g *Gate) Mount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unsub != nil || g.source == nil {
		return
	}
	g.unsub = g.source.Subscribe(g.onPress)
}

// Unmount removes the press listener. Safe to call when not mounted.
func (g *Gate) Unmount() {
	g.mu.Lock()
	unsub := g.unsub
	g.unsub = nil
	g.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Mounted reports whether the press listener is registered.
func (g *Gate) Mounted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unsub != nil
}

func (g *Gate) onPress() {
	if g.provider == nil {
		return
	}
	ac := g.provider()
	if ac == nil || !ac.Suspended() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := ac.Resume(ctx); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonAudioResume)
		g.logger.Warn("audio_resume_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		g.record(false)
		return
	}
	g.logger.Debug("audio_resumed")
	g.record(true)
}

func (g *Gate) record(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	g.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "audio_resume",
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"component": "audiogate", "status": status},
	})
}
