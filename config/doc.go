// Package config loads and validates the kernel configuration: node
// identity, NATS connection, per-manager tunables. The JSON document
// is validated against an embedded schema before use, and access goes
// through a thread-safe snapshot wrapper.
package config
