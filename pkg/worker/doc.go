// Package worker provides a generic, bounded worker pool.
//
// The gateway runs every device operation (resource discovery, resource push,
// transport detach) on a Pool so that a slow or unreachable device only ever
// holds one worker, never the gateway's state loop.
//
//	pool := worker.NewPool(8, 256, process,
//	    worker.WithTaskTimeout[deviceJob](10*time.Second),
//	    worker.WithMetricsRegistry[deviceJob](registry, "cotgate_device_pool"),
//	)
//	if err := pool.Start(ctx); err != nil { ... }
//	if err := pool.Submit(job); errors.Is(err, worker.ErrQueueFull) { ... }
//
// # Semantics
//
//   - Submit never blocks. A full queue returns ErrQueueFull, which the errors
//     package classifies as transient.
//   - WithTaskTimeout gives each item its own deadline derived from the pool
//     context.
//   - A panicking item is recovered, counted in PoolStats.Panicked and reported
//     as a failed item; the worker keeps running.
//   - Stop closes the queue, lets workers drain it, and waits up to the timeout.
//     Cancelling the Start context makes workers exit without draining.
//
// Statistics are always kept with atomics; Prometheus metrics are optional.
package worker
