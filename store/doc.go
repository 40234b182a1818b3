// Package store holds the kernel's shared entity stores: the
// InterfaceStore keyed by (type, identifier), the NodeStore keyed by
// node id and by interface, the attribute-indexed DataStore with its
// asynchronous query engine, and the Repository for manager state
// checkpoints.
//
// The InterfaceStore and NodeStore are internally synchronized and
// safe for direct use from any goroutine. The DataStore's public API
// is asynchronous: operations run on a private worker and deliver
// results back through kernel events.
package store
