// Package ratelimit spaces outbound requests to the remote Jira instance.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval of 1/R seconds between acquisitions.
// Burst is fixed at 1, so a caller that pauses resumes without burst credit:
// at most R acquisitions are admitted in any one-second window.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a Limiter admitting at most perSecond acquisitions per second.
// Non-positive values fall back to 50, the default Jira-friendly ceiling.
func New(perSecond int) *Limiter {
	if perSecond <= 0 {
		perSecond = 50
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Acquire blocks until the next request slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.lim.Wait(ctx)
}
