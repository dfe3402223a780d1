package dictation

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/frames"
)

// Adapter translates raw recognizer frames into dictation events. It holds no
// state across frames beyond the abort handle of the session it was created for.
type Adapter struct {
	abort AbortHandle
}

// NewAdapter returns an adapter that attaches abort to every interim update.
func NewAdapter(abort AbortHandle) *Adapter {
	return &Adapter{abort: abort}
}

// Translate maps one recognizer frame to an event. ok is false for frames that
// carry no dictation signal.
func (a *Adapter) Translate(f frames.Frame) (ev Event, ok bool) {
	switch v := f.(type) {
	case frames.TextFrame:
		meta := v.Meta()
		if v.IsFinal() {
			return FinalResult{
				Confidence: parseConfidence(meta[frames.MetaConfidence]),
				Transcript: strings.TrimSpace(v.Text()),
			}, true
		}
		return InterimUpdate{Abort: a.abort, Results: interimResults(v.Text(), meta)}, true
	case frames.ControlFrame:
		// Speech onset is progress with no transcript yet.
		if v.Code() == frames.ControlFlush && v.Meta()[frames.MetaReason] == "speech_started" {
			return InterimUpdate{Abort: a.abort}, true
		}
		return nil, false
	case frames.SystemFrame:
		if v.Name() != frames.SystemSTTError {
			return nil, false
		}
		meta := v.Meta()
		msg := strings.TrimSpace(meta[frames.MetaError])
		if msg == "" {
			msg = "speech recognition failed"
		}
		reason := errorsx.ReasonSTTRecognition
		if r := strings.TrimSpace(meta[frames.MetaReason]); r != "" {
			reason = errorsx.ReasonCode(r)
		}
		return RecognitionError{
			Code: meta[frames.MetaErrorCode],
			Err:  errorsx.New(reason, msg),
		}, true
	default:
		return nil, false
	}
}

func interimResults(text string, meta map[string]string) []Alternative {
	if raw := meta[frames.MetaAlternatives]; raw != "" {
		var alts []Alternative
		if err := json.Unmarshal([]byte(raw), &alts); err == nil && len(alts) > 0 {
			return alts
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []Alternative{{
		Confidence: parseConfidence(meta[frames.MetaConfidence]),
		Transcript: text,
	}}
}

func parseConfidence(v string) float64 {
	if v == "" {
		return 0
	}
	c, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return c
}

// EncodeAlternatives renders alternatives for the frames.MetaAlternatives key.
func EncodeAlternatives(alts []Alternative) string {
	if len(alts) == 0 {
		return ""
	}
	b, err := json.Marshal(alts)
	if err != nil {
		return ""
	}
	return string(b)
}
