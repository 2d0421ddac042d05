package resilience

import "time"

// PollSchedule produces the adaptive polling cadence used by the protocol
// client's awaitCompletion: short intervals for the first few checks while a
// task is likely to finish quickly, then lengthening for long running units to
// balance responsiveness against request volume.
type PollSchedule struct {
	// Initial is the interval used for the first FastChecks polls.
	Initial time.Duration
	// FastChecks is how many polls run at the Initial interval.
	FastChecks int
	// Step is added to the interval per poll once the fast checks are spent.
	Step time.Duration
	// Max caps the interval.
	Max time.Duration
}

// DefaultPollSchedule polls every 2s for five checks, then stretches by one
// second per check up to 10s.
func DefaultPollSchedule() PollSchedule {
	return PollSchedule{
		Initial:    2 * time.Second,
		FastChecks: 5,
		Step:       time.Second,
		Max:        10 * time.Second,
	}
}

// Interval returns the wait before poll number attempt (zero-based).
func (s PollSchedule) Interval(attempt int) time.Duration {
	if attempt < s.FastChecks {
		return s.Initial
	}
	d := s.Initial + time.Duration(attempt-s.FastChecks+1)*s.Step
	if d > s.Max {
		return s.Max
	}
	return d
}
