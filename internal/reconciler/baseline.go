package reconciler

import "time"

// Baseline is the order count an actor's session last saw. It is a value:
// Observe returns the next baseline instead of mutating the receiver.
type Baseline struct {
	LastSeenCount int
	// SettleUntil is when the baseline arms. Before it every observation
	// silently re-seeds LastSeenCount.
	SettleUntil time.Time
	// ArmedAt is the time of the first observation made while armed.
	ArmedAt time.Time
}

func NewBaseline(count int, start time.Time, settle time.Duration) Baseline {
	return Baseline{
		LastSeenCount: count,
		SettleUntil:   start.Add(settle),
	}
}

func (b Baseline) Armed(now time.Time) bool {
	return !now.Before(b.SettleUntil)
}

// Observe folds a freshly fetched count into the baseline. delta is positive
// only when the baseline is armed and the count grew; shrinkage just lowers
// the baseline.
func (b Baseline) Observe(count int, now time.Time) (next Baseline, delta int) {
	next = b
	next.LastSeenCount = count
	if !b.Armed(now) {
		return next, 0
	}
	if next.ArmedAt.IsZero() {
		next.ArmedAt = now
	}
	if count > b.LastSeenCount {
		return next, count - b.LastSeenCount
	}
	return next, 0
}
