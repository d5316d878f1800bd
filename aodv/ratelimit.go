package aodv

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket refilled continuously at perSecond tokens per second.
// A non-positive rate disables limiting.
type rateLimiter struct {
	lim *rate.Limiter
}

func newRateLimiter(perSecond int) *rateLimiter {
	if perSecond <= 0 {
		return &rateLimiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	return &rateLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

func (r *rateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}

// Delay returns how long the caller has to wait for the next token
func (r *rateLimiter) Delay(now time.Time) time.Duration {
	res := r.lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	d := res.DelayFrom(now)
	res.CancelAt(now)
	return d
}
