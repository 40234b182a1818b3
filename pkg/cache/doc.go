// Package cache provides generic, thread-safe caches with pluggable
// eviction.
//
// Two strategies are carried: LRU (size-bounded, least-recently-used
// eviction) and TTL (expiry-based, with a background cleanup
// goroutine). The connectivity manager's learned peer-status cache is
// the main consumer: discovery probe outcomes expire after their TTL
// so a reinstalled peer is eventually re-probed.
//
// Statistics are always collected; Prometheus export is opt-in via
// WithMetrics. A NewNoop cache stands in where caching is disabled.
package cache
