// Package iface models link-layer interface identities. An Interface
// is (type, identifier bytes, optional addresses, flags); identity is
// the (type, identifier) pair, while addresses and flags may change
// over its lifetime.
package iface
