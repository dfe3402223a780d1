package transports

import (
	"context"

	"github.com/harunnryd/speechchat/pkg/frames"
)

// Transport is the messaging channel between the user side and the bot side.
// Outbound user activities are TextFrames (role=user) and typing ControlFrames.
// Inbound frames are bot activities (TextFrame role=bot) and, for transports
// that carry a microphone, AudioFrames.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// ReadyReporter exposes readiness metadata such as listen addresses or webhook
// URLs. Used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
