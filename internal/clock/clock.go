package clock

import "time"

// Clock abstracts wall time so admission decisions can be replayed and tested
// deterministically. All time-dependent code in rategate reads this interface
// instead of calling time.Now directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
	// After returns a channel that receives the current time once the
	// duration d has passed.
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the standard time package.
type Real struct{}

// NewReal returns a Clock backed by the system clock.
func NewReal() *Real {
	return &Real{}
}

func (*Real) Now() time.Time {
	return time.Now()
}

func (*Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (*Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
