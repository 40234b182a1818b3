// Package natsclient manages the kernel's NATS connection, used by
// the repository for JetStream KV persistence of manager state.
//
// The client wraps the standard NATS Go client with a circuit
// breaker (fail fast after consecutive connection failures),
// exponential backoff reconnection, and context propagation on every
// operation. JetStream helpers cover stream, consumer, and KV bucket
// management; the kernel runs fine with no NATS configured, in which
// case persistence degrades to memory only.
package natsclient
