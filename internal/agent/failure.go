package agent

import "strings"

// FailureCategory classifies a tool outcome for the failure detector.
// Only countable failures advance the window; permission refusals and
// user interrupts bypass it.
type FailureCategory string

const (
	FailureCountable        FailureCategory = "countable"
	FailurePermissionDenied FailureCategory = "permission_denied"
	FailureUserInterrupt    FailureCategory = "user_interrupt"
)

// FailureClassifier maps an errored tool result to its category. The
// default treats everything countable except permission refusals.
type FailureClassifier func(toolName, output string) FailureCategory

// FailureDetector tracks recent tool outcomes in a fixed ring buffer and
// signals stop when failures within the window reach the threshold. The
// failure count is maintained incrementally on each write so ShouldStop
// is O(1).
type FailureDetector struct {
	window    []bool
	size      int
	threshold int
	pos       int
	filled    int
	failures  int
}

// NewFailureDetector creates a detector over the last windowSize countable
// outcomes with the given stop threshold. Non-positive arguments fall back
// to the defaults (window 10, threshold 3).
func NewFailureDetector(windowSize, threshold int) *FailureDetector {
	if windowSize <= 0 {
		windowSize = 10
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &FailureDetector{
		window:    make([]bool, windowSize),
		size:      windowSize,
		threshold: threshold,
	}
}

// Record writes one outcome into the window, evicting the oldest entry
// once the window is full.
func (d *FailureDetector) Record(failed bool) {
	if d.filled == d.size && d.window[d.pos] {
		d.failures--
	}
	d.window[d.pos] = failed
	if failed {
		d.failures++
	}
	d.pos = (d.pos + 1) % d.size
	if d.filled < d.size {
		d.filled++
	}
}

// RecordOutcome records an errored result only when its category is
// countable; successes always count as non-failures.
func (d *FailureDetector) RecordOutcome(isError bool, category FailureCategory) {
	if isError && category != FailureCountable {
		return
	}
	d.Record(isError)
}

// ShouldStop reports whether failures in the window reached the threshold.
func (d *FailureDetector) ShouldStop() bool {
	return d.failures >= d.threshold
}

// FailureCount returns the number of failures currently in the window.
func (d *FailureDetector) FailureCount() int { return d.failures }

// Reset clears the window.
func (d *FailureDetector) Reset() {
	for i := range d.window {
		d.window[i] = false
	}
	d.pos = 0
	d.filled = 0
	d.failures = 0
}

// DefaultFailureClassifier treats permission refusals as non-countable and
// everything else as countable.
func DefaultFailureClassifier(toolName, output string) FailureCategory {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "permission_denied") {
		return FailurePermissionDenied
	}
	if strings.Contains(lower, "interrupted by user") {
		return FailureUserInterrupt
	}
	return FailureCountable
}
