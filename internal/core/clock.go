package core

import "time"

// Clock abstracts the time source so evaluator ticks can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
