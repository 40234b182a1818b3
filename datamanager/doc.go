// Package datamanager owns the inbound data object pipeline: payload
// verification off the kernel thread, insertion into the data store,
// local duplicate suppression, and periodic aging of stale content.
package datamanager
