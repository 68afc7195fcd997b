package retry

import (
	"time"
)

// Sleeper abstracts the inter-attempt wait so policies are testable without
// wall-clock delays.
type Sleeper interface {
	Sleep(d time.Duration)
}

// SleeperFunc adapts a plain function to the Sleeper interface.
type SleeperFunc func(d time.Duration)

func (f SleeperFunc) Sleep(d time.Duration) {
	f(d)
}

// RealSleeper returns a Sleeper backed by time.Sleep.
func RealSleeper() Sleeper {
	return SleeperFunc(time.Sleep)
}

// DelayFunc maps a 1-based attempt number to the wait before the next attempt.
type DelayFunc func(attempt int) time.Duration

// Linear grows the delay linearly in the attempt number: base, 2*base, 3*base.
func Linear(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential doubles the delay each attempt: base, 2*base, 4*base.
func Exponential(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// Policy runs an operation up to MaxAttempts times, sleeping Delay(attempt)
// between failed attempts. There is no sleep after the final attempt.
type Policy struct {
	MaxAttempts int
	Delay       DelayFunc
	Sleeper     Sleeper
}

// Do invokes op with the 1-based attempt number until it succeeds or the
// attempt budget is spent. Returns nil on the first success, otherwise the
// last error.
func (p Policy) Do(op func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := op(attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < attempts && p.Delay != nil {
			sleeper.Sleep(p.Delay(attempt))
		}
	}
	return lastErr
}
