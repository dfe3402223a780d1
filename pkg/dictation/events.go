package dictation

import "fmt"

// AbortHandle cancels the in-flight recognition session.
type AbortHandle interface {
	Abort()
}

// AbortFunc adapts a function to AbortHandle.
type AbortFunc func()

func (f AbortFunc) Abort() {
	if f != nil {
		f()
	}
}

// Alternative is one recognition candidate.
type Alternative struct {
	Confidence float64 `json:"confidence"`
	Transcript string  `json:"transcript"`
}

// Event is a normalized recognizer signal consumed by Machine.Dispatch.
type Event interface {
	eventName() string
}

// InterimUpdate reports the engine's current guesses for an utterance in progress.
type InterimUpdate struct {
	Abort   AbortHandle
	Results []Alternative
}

// FinalResult is the terminal transcript for one utterance.
type FinalResult struct {
	Confidence float64
	Transcript string
}

// RecognitionError reports an engine failure.
type RecognitionError struct {
	Code string
	Err  error
}

func (InterimUpdate) eventName() string    { return "interim_update" }
func (FinalResult) eventName() string      { return "final_result" }
func (RecognitionError) eventName() string { return "recognition_error" }

func (e RecognitionError) Error() string {
	switch {
	case e.Err != nil && e.Code != "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	default:
		return "speech recognition error"
	}
}

func (e RecognitionError) Unwrap() error { return e.Err }
