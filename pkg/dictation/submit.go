package dictation

import (
	"log/slog"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/redact"
)

// Submission provenance tags.
const (
	ProvenanceSpeech   = "speech"
	ProvenanceKeyboard = "keyboard"
)

// SubmitMetadata travels with a submitted message for downstream audit.
type SubmitMetadata struct {
	Provenance   string        `json:"-"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// SendBox is the outbound message field.
type SendBox interface {
	SetSendBox(text string)
}

// Submitter is the messaging transport. Fire-and-forget from the core's view.
type Submitter interface {
	Submit(text string, md SubmitMetadata) error
}

// SpeakFlag controls whether the next inbound reply is spoken aloud.
type SpeakFlag interface {
	SetShouldSpeak(v bool)
}

// Coordinator commits final transcripts: fill the send box, submit, request speech.
type Coordinator struct {
	box       SendBox
	submitter Submitter
	speak     SpeakFlag
	logger    *slog.Logger
}

func NewCoordinator(box SendBox, submitter Submitter, speak SpeakFlag, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		box:       box,
		submitter: submitter,
		speak:     speak,
		logger:    logging.NewComponentLogger(logger, "submission"),
	}
}

// Commit implements Committer. Empty transcripts are ignored. Submission errors
// are logged and not retried; the dictation session has already ended.
func (c *Coordinator) Commit(res FinalResult) {
	if res.Transcript == "" {
		return
	}
	c.box.SetSendBox(res.Transcript)

	md := SubmitMetadata{
		Provenance:   ProvenanceSpeech,
		Alternatives: []Alternative{{Confidence: res.Confidence, Transcript: res.Transcript}},
	}
	if err := c.submitter.Submit(res.Transcript, md); err != nil {
		c.logger.Warn("submission_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonTransportSend)))),
			slog.String("transcript", redact.Transcript(res.Transcript, 120)))
	}
	c.speak.SetShouldSpeak(true)
}

var _ Committer = (*Coordinator)(nil)
