// Package buffer provides generic, thread-safe circular buffers with
// configurable overflow policies (drop-oldest, drop-newest, block)
// and always-on statistics.
//
// The protocol layer uses a drop-oldest buffer as the per-contact
// outbound queue: when a slow contact falls behind, the stalest
// queued data objects give way to fresher ones instead of stalling
// the producer.
package buffer
