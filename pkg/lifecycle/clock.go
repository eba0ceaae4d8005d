// pkg/lifecycle/clock.go

package lifecycle

import "time"

// Clock abstracts time for the sweeps so tests can drive renewal thresholds
// and backoff without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
