package chat

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/harunnryd/speechchat/pkg/dictation"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/transports"
)

// Outbox posts user activities to the transport. It implements
// dictation.Submitter and dictation.TypingEmitter.
type Outbox struct {
	transport transports.Transport
	store     *Store
	streamID  string
	pts       *frames.PTSGen
	logger    *slog.Logger
}

func NewOutbox(t transports.Transport, store *Store, streamID string, logger *slog.Logger) *Outbox {
	return &Outbox{
		transport: t,
		store:     store,
		streamID:  streamID,
		pts:       frames.NewPTSGen(),
		logger:    logging.NewComponentLogger(logger, "outbox"),
	}
}

// Submit sends text as a user message activity.
func (o *Outbox) Submit(text string, md dictation.SubmitMetadata) error {
	if o.transport == nil {
		return errorsx.New(errorsx.ReasonTransportClosed, "no transport configured")
	}
	id := uuid.NewString()
	meta := map[string]string{
		frames.MetaActivityID: id,
		frames.MetaRole:       frames.RoleUser,
		frames.MetaProvenance: md.Provenance,
	}
	if alts := dictation.EncodeAlternatives(md.Alternatives); alts != "" {
		meta[frames.MetaAlternatives] = alts
	}
	f := frames.NewTextFrame(o.streamID, o.pts.Next(o.streamID), text, meta)
	if err := o.transport.Send(f); err != nil {
		return errorsx.Wrap(fmt.Errorf("send message %s: %w", id, err), errorsx.ReasonTransportSend)
	}
	if o.store != nil {
		o.store.Append(Activity{ID: id, Role: frames.RoleUser, Text: text, Provenance: md.Provenance})
	}
	o.logger.Debug("message_sent",
		slog.String("activity_id", id),
		slog.String("provenance", md.Provenance),
		slog.String("transport", o.transport.Name()))
	return nil
}

// EmitTyping is best effort; failures are logged and dropped.
func (o *Outbox) EmitTyping() {
	if o.transport == nil {
		return
	}
	f := frames.NewControlFrame(o.streamID, o.pts.Next(o.streamID), frames.ControlTyping, map[string]string{
		frames.MetaRole: frames.RoleUser,
	})
	if err := o.transport.Send(f); err != nil {
		o.logger.Debug("typing_send_failed", slog.String("error", err.Error()))
	}
}

var (
	_ dictation.Submitter     = (*Outbox)(nil)
	_ dictation.TypingEmitter = (*Outbox)(nil)
	_ dictation.SendBox       = (*Store)(nil)
	_ dictation.SpeakFlag     = (*Store)(nil)
)
