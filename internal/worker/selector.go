package worker

import "time"

// Window returns the inclusive selection range [now+lead-tol, now+lead+tol].
// Tolerance should cover the trigger interval's jitter without letting one
// block stay in range across many consecutive passes.
func Window(now time.Time, lead, tol time.Duration) (time.Time, time.Time) {
	target := now.Add(lead)
	return target.Add(-tol), target.Add(tol)
}
