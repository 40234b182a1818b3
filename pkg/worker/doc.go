// Package worker provides a generic bounded worker pool.
//
// A Pool[T] processes work items of any type on a fixed number of
// goroutines with a bounded queue: Submit never blocks, and work
// beyond the queue's capacity is dropped with an error so producers
// feel backpressure instead of stalling. Pools back the data store's
// private query worker and the data manager's verification pool.
// Statistics are always tracked; Prometheus metrics are opt-in via
// WithMetricsRegistry.
package worker
