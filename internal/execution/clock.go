package execution

import "time"

// Clock supplies the time and the timers behind every suspension point.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// seconds converts a definition duration in seconds.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
