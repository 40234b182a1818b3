// Package health tracks manager health: each manager reports a
// Status (healthy, degraded, or unhealthy) into a shared Monitor,
// and the kernel aggregates them into one system status for
// diagnostics.
//
// Statuses carry a component name, a human-readable message, a
// timestamp, and optional metrics and sub-statuses. Aggregation is
// pessimistic: one unhealthy manager makes the system unhealthy, one
// degraded manager makes it degraded.
package health
