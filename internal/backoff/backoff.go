// Package backoff holds the retry timing shared by the HTTP and SDK
// transports.
package backoff

import (
	"context"
	"strconv"
	"time"
)

// Default retry settings.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
)

// Policy is an exponential backoff schedule: Base, 2*Base, 4*Base, ...
type Policy struct {
	MaxRetries int
	Base       time.Duration
}

// Default returns the policy used unless a transport is told otherwise.
// Delays are: 1s, 2s, 4s
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBaseDelay}
}

// Delay returns the wait before the given retry attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// RetryAfter parses a Retry-After header in seconds. It falls back to the
// exponential delay if the header is missing or unparseable.
func (p Policy) RetryAfter(header string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return p.Delay(attempt)
}

// Sleep waits for the specified duration or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
