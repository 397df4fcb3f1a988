// Package ratelimit implements sliding-window admission control, either
// purely in-process or backed by a shared store so several instances
// enforce one combined budget.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the number of requests still available in the
	// current window after this check.
	Remaining int
	// ResetTime is when the oldest tracked request leaves the window,
	// freeing one slot.
	ResetTime time.Time
}

// Config bounds a limiter: at most MaxRequests per rolling Window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Limiter admits or rejects requests per caller key.
type Limiter interface {
	// Check records and admits the request when the key has budget
	// left, or rejects it without recording. Rejection is not an
	// error; errors signal infrastructure trouble only.
	Check(ctx context.Context, key string) (Decision, error)

	// Reset clears all tracked state for the key.
	Reset(ctx context.Context, key string) error

	// Close releases background resources.
	Close() error
}
