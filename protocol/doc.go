// Package protocol serves peer contacts: a per-contact state machine
// over a uniform byte-stream transport, a send queue with bounded
// retry, and a streaming receive path that reassembles data objects
// from arbitrary chunk boundaries.
//
// Concrete link transports are external collaborators behind the
// Transport and Dialer contracts; the in-tree WebSocket transport
// demonstrates them end to end.
package protocol
