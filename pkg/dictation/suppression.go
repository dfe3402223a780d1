package dictation

// IsMicrophoneVisuallyActive reports whether the microphone affordance may claim
// to be listening. While bot replies flagged for speech are visible the mic stays
// visually idle, unless continuous listening is on.
func IsMicrophoneVisuallyActive(phase Phase, continuousListening bool, speakingActivityCount int, uiDisabled bool) bool {
	if uiDisabled || !phase.Active() {
		return false
	}
	return continuousListening || speakingActivityCount == 0
}
