// Package metric provides Prometheus metrics collection and the HTTP
// endpoint that exposes them.
//
// A MetricsRegistry manages both core kernel metrics (manager status,
// processing counters, NATS connection health) and metrics registered
// by individual managers and workers, each namespaced by the owning
// component so names cannot collide. The Server exposes the registry
// in Prometheus exposition format.
package metric
