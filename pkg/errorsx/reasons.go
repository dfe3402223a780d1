package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown       ReasonCode = "unknown"
	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRecognition ReasonCode = "stt_recognition"
	ReasonSTTNoSpeech    ReasonCode = "stt_no_speech"

	ReasonTTSStart ReasonCode = "tts_start"
	ReasonTTSSend  ReasonCode = "tts_send"

	ReasonDictationTransition ReasonCode = "dictation_transition"
	ReasonAudioResume         ReasonCode = "audio_resume"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportClosed           ReasonCode = "transport_closed"
)
