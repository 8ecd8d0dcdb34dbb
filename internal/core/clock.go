package core

import "time"

// Clock abstracts time for the limiter, breaker, queue and deletion checks.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}
