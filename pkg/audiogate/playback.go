package audiogate

import (
	"context"
	"sync"
)

// PlaybackContext is an AudioContext that starts suspended. OnResume runs once
// per successful transition out of the suspended state.
type PlaybackContext struct {
	mu        sync.Mutex
	suspended bool
	OnResume  func(ctx context.Context) error
}

func NewPlaybackContext() *PlaybackContext {
	return &PlaybackContext{suspended: true}
}

func (p *PlaybackContext) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

func (p *PlaybackContext) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.suspended {
		return nil
	}
	if p.OnResume != nil {
		if err := p.OnResume(ctx); err != nil {
			return err
		}
	}
	p.suspended = false
	return nil
}

// Suspend puts the context back into the suspended state.
func (p *PlaybackContext) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}
