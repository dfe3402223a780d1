package frames

// Metadata keys carried on frames.
const (
	MetaStreamID = "stream_id"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaReason   = "reason"

	// Recognizer output.
	MetaIsFinal      = "is_final"
	MetaConfidence   = "confidence"
	MetaAlternatives = "alternatives"
	MetaError        = "error"
	MetaErrorCode    = "error_code"

	// Chat activities.
	MetaActivityID = "activity_id"
	MetaRole       = "role"
	MetaProvenance = "provenance"
	MetaSpeak      = "speak"
	MetaFrom       = "from"
	MetaChannel    = "channel"
)

// Activity roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)
