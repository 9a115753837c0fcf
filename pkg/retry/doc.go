// Package retry provides backoff retry loops for transient failures.
//
// Do runs a function until it succeeds under a Config: attempt cap, initial
// and maximum delay, growth multiplier and optional jitter. Fixed(d) is the
// preset for unlimited attempts at a constant delay d with no jitter.
//
// The broker link uses Fixed: a dropped broker is retried on the same interval
// forever, with no growth and no cap.
//
//	err := retry.Do(ctx, retry.Fixed(3*time.Second), func() error {
//	    return link.session(ctx)
//	})
//
// Wrap an error with NonRetryable to stop the loop immediately. OnRetry observes
// each failed attempt before the delay, which is where callers log and count.
//
// All loops honor context cancellation during the attempt and the delay.
package retry
