package dictation

import "testing"

func TestIsMicrophoneVisuallyActive(t *testing.T) {
	cases := []struct {
		name       string
		phase      Phase
		continuous bool
		speaking   int
		disabled   bool
		want       bool
	}{
		{"dictating while bot speaks", PhaseDictating, false, 2, false, false},
		{"dictating quiet", PhaseDictating, false, 0, false, true},
		{"starting quiet", PhaseStarting, false, 0, false, true},
		{"continuous ignores speech", PhaseDictating, true, 3, false, true},
		{"idle", PhaseIdle, true, 0, false, false},
		{"disabled dictating", PhaseDictating, false, 0, true, false},
		{"disabled continuous", PhaseStarting, true, 0, true, false},
	}
	for _, tc := range cases {
		if got := IsMicrophoneVisuallyActive(tc.phase, tc.continuous, tc.speaking, tc.disabled); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
