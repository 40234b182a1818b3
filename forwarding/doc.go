// Package forwarding decides which neighbors receive which data
// objects. The ForwardingManager reacts to contact and data object
// events; the pluggable Forwarder module supplies routing judgment
// (targets and delegates), either synchronously in the kernel thread
// or on its own worker via the asynchronous wrapper.
package forwarding
