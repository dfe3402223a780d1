package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
)

// Transport is an in-memory transport for local runs and tests.
// Outbound frames are buffered on Sent; inbound frames are injected with Push.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame

	mu      sync.Mutex
	closed  bool
	sendErr error
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recvCh)
	close(t.sentCh)
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errorsx.New(errorsx.ReasonTransportClosed, "mock transport closed")
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// FailSends makes every following Send return err. A nil err restores sending.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Push injects an inbound frame.
func (t *Transport) Push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }
