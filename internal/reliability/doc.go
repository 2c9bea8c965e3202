// Package reliability provides the policies an endpoint uses to decide
// whether, and after how long, to reconnect after losing the broker.
//
//   - FixedDelay: the same delay before every attempt (default 1 second)
//   - ExponentialBackoff: growing delays with optional jitter, capped
//
// A MaxAttempts of zero means attempts never run out.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
