package agent

import "testing"

func TestFailureDetectorThreshold(t *testing.T) {
	d := NewFailureDetector(10, 3)

	d.Record(true)
	d.Record(true)
	if d.ShouldStop() {
		t.Error("stopped below threshold")
	}
	d.Record(true)
	if !d.ShouldStop() {
		t.Error("did not stop at threshold")
	}
	if d.FailureCount() != 3 {
		t.Errorf("count = %d, want 3", d.FailureCount())
	}
}

func TestFailureDetectorWindowEviction(t *testing.T) {
	d := NewFailureDetector(3, 3)

	d.Record(true)
	d.Record(true)
	d.Record(false)
	// Oldest failure evicted; window is now [true, false, true].
	d.Record(true)
	if d.ShouldStop() {
		t.Errorf("stopped with %d failures in window", d.FailureCount())
	}
	if d.FailureCount() != 2 {
		t.Errorf("count = %d, want 2", d.FailureCount())
	}
}

func TestFailureDetectorSuccessesDoNotReset(t *testing.T) {
	// Failures need not be strictly consecutive: a success between
	// failures keeps earlier ones in the window.
	d := NewFailureDetector(10, 3)
	d.Record(true)
	d.Record(false)
	d.Record(true)
	d.Record(true)
	if !d.ShouldStop() {
		t.Error("three failures in window should stop")
	}
}

func TestFailureDetectorRecordOutcome(t *testing.T) {
	d := NewFailureDetector(5, 2)

	d.RecordOutcome(true, FailurePermissionDenied)
	d.RecordOutcome(true, FailureUserInterrupt)
	if d.FailureCount() != 0 {
		t.Errorf("non-countable outcomes advanced the window: count = %d", d.FailureCount())
	}

	d.RecordOutcome(true, FailureCountable)
	d.RecordOutcome(true, FailureCountable)
	if !d.ShouldStop() {
		t.Error("countable failures should stop")
	}
}

func TestFailureDetectorReset(t *testing.T) {
	d := NewFailureDetector(5, 2)
	d.Record(true)
	d.Record(true)
	d.Reset()
	if d.ShouldStop() || d.FailureCount() != 0 {
		t.Error("reset did not clear the window")
	}
}

func TestDefaultFailureClassifier(t *testing.T) {
	cases := []struct {
		output string
		want   FailureCategory
	}{
		{"Permission denied by policy", FailurePermissionDenied},
		{"tool_use blocked: permission_denied", FailurePermissionDenied},
		{"Interrupted by user", FailureUserInterrupt},
		{"file does not exist", FailureCountable},
		{"", FailureCountable},
	}
	for _, tc := range cases {
		if got := DefaultFailureClassifier("any", tc.output); got != tc.want {
			t.Errorf("classify(%q) = %s, want %s", tc.output, got, tc.want)
		}
	}
}
