package webchat

import (
	"encoding/json"

	"github.com/harunnryd/speechchat/pkg/dictation"
)

// Activity is the JSON envelope exchanged with chat peers.
type Activity struct {
	Type        string       `json:"type"`
	ID          string       `json:"id,omitempty"`
	From        Account      `json:"from"`
	Text        string       `json:"text,omitempty"`
	Speak       string       `json:"speak,omitempty"`
	ChannelData *ChannelData `json:"channelData,omitempty"`
}

type Account struct {
	Role string `json:"role"`
}

type ChannelData struct {
	Provenance string      `json:"provenance,omitempty"`
	Speech     *SpeechData `json:"speech,omitempty"`
}

type SpeechData struct {
	Alternatives []dictation.Alternative `json:"alternatives"`
}

const (
	activityMessage = "message"
	activityTyping  = "typing"
)

func decodeAlternatives(raw string) []dictation.Alternative {
	if raw == "" {
		return nil
	}
	var alts []dictation.Alternative
	if err := json.Unmarshal([]byte(raw), &alts); err != nil {
		return nil
	}
	return alts
}
