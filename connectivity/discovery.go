package connectivity

import (
	"context"

	"github.com/haggle-project/haggle/iface"
)

// PeerStatus is the learned classification of a remote interface.
type PeerStatus int

const (
	// StatusUnknown means the interface has not been probed yet; the
	// discoverer should run its link-specific Haggle-service probe.
	StatusUnknown PeerStatus = iota
	// StatusHaggle means the interface answered the service probe.
	StatusHaggle
	// StatusNotHaggle means the probe ruled the interface out.
	StatusNotHaggle
)

func (s PeerStatus) String() string {
	switch s {
	case StatusHaggle:
		return "haggle"
	case StatusNotHaggle:
		return "not_haggle"
	default:
		return "unknown"
	}
}

// Policy is the lifetime descriptor attached to a reported interface:
// a TTL counter decremented on each scan that misses it.
type Policy struct {
	// MissTTL is how many consecutive scan misses the interface
	// survives before it is reported down.
	MissTTL int
}

// Reporter is the manager-side surface a Discoverer reports into
// during a scan.
type Reporter interface {
	// KnownInterfaceStatus consults the learned cache; StatusUnknown
	// tells the discoverer to probe.
	KnownInterfaceStatus(t iface.Type, identifier []byte) PeerStatus

	// UpdateInterfaceStatus records a probe outcome in the cache.
	UpdateInterfaceStatus(t iface.Type, identifier []byte, s PeerStatus)

	// ReportInterface reports a confirmed Haggle peer seen on this
	// scan, reachable via the given local interface.
	ReportInterface(found *iface.Interface, via *iface.Interface, policy Policy)
}

// Discoverer probes one local interface's link for peers; the
// concrete implementations (Bluetooth inquiry, TCP subnet probe) are
// external collaborators. A Discover call performs one scan
// and must return promptly when ctx is canceled.
type Discoverer interface {
	Discover(ctx context.Context, via *iface.Interface, reporter Reporter) error
}

// DiscovererFactory builds a Discoverer bound to a local interface.
type DiscovererFactory func(local *iface.Interface) Discoverer
