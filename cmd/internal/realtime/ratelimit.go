package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// newEventLimiter allows events per window on average with a burst of events.
func newEventLimiter(events int, window time.Duration) *rate.Limiter {
	if events <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(events)), events)
}
