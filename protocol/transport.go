package protocol

import (
	"context"

	"github.com/haggle-project/haggle/iface"
)

// Transport is the socket-like capability a protocol drives: an
// ordered byte stream to one remote interface. Reads and writes are
// the raw contact stream; data object boundaries are recovered by the
// receiver's streaming ingest.
type Transport interface {
	// Connect establishes the stream. On an accepted (server-side)
	// transport it is a no-op.
	Connect(ctx context.Context) error

	// Write sends bytes in order. Partial writes are completed
	// internally; a short count is always paired with an error.
	Write(p []byte) (int, error)

	// Read returns the next bytes of the stream, blocking until some
	// arrive, the peer closes, or the transport is closed locally.
	Read(p []byte) (int, error)

	// Close tears the stream down; concurrent Reads and Writes
	// unblock with errors.
	Close() error

	// RemoteInterface identifies the peer end of the contact.
	RemoteInterface() *iface.Interface

	// LocalInterface identifies the local end, nil if unbound.
	LocalInterface() *iface.Interface
}

// Dialer creates client-side transports for a link type. The
// ConnectivityManager's discoverers and the Dialer for the same link
// type are the two halves of a concrete link protocol.
type Dialer interface {
	Dial(ctx context.Context, remote *iface.Interface) (Transport, error)
}

// State is the per-contact machine state.
type State int

const (
	// StateIdle is a constructed, unconnected protocol.
	StateIdle State = iota
	// StateConnecting is dialing in progress.
	StateConnecting
	// StateConnected is an established contact with nothing in
	// flight.
	StateConnected
	// StateSending is a data object write in progress.
	StateSending
	// StateReceiving is a data object read in progress.
	StateReceiving
	// StateListening is a server listener awaiting contacts.
	StateListening
	// StateDone is a cleanly finished contact.
	StateDone
	// StateError is a contact torn down by failure.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateReceiving:
		return "receiving"
	case StateListening:
		return "listening"
	case StateDone:
		return "done"
	default:
		return "error"
	}
}
