package forwarding

import (
	"context"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

// TargetAttribute marks a data object as destined for a specific
// node; its value is the target node id in hex. Objects carrying it
// go through delegate resolution rather than plain interest matching.
const TargetAttribute = "Target"

// Forwarder is the pluggable routing-judgment module. All
// methods are invoked from the kernel thread unless the forwarder is
// wrapped in Asynchronous; result delivery is via TargetNodes and
// DelegateNodes events posted by the implementation.
type Forwarder interface {
	// Name identifies the module ("rank", ...), also the repository
	// authority its save state persists under.
	Name() string

	// HasRoutingInformation reports whether d carries this module's
	// routing metric.
	HasRoutingInformation(d *dataobject.DataObject) bool

	// AddRoutingInformation attaches this module's current metric to
	// d; reports whether anything was added.
	AddRoutingInformation(d *dataobject.DataObject) bool

	// NewRoutingInformation ingests a peer's routing metric carried
	// by d.
	NewRoutingInformation(d *dataobject.DataObject)

	// NewNeighbor and EndNeighbor track contact lifetime.
	NewNeighbor(n *node.Node)
	EndNeighbor(n *node.Node)

	// GenerateTargetsFor posts TargetNodes(n, targets) if this
	// neighbor is a useful carrier for any known target.
	GenerateTargetsFor(n *node.Node)

	// GenerateDelegatesFor posts DelegateNodes(d, target, delegates)
	// if any current neighbor is a better carrier toward target.
	GenerateDelegatesFor(d *dataobject.DataObject, target *node.Node)

	// GenerateRoutingInformationDataObject produces this module's
	// routing-metric data object for a neighbor, nil if the module
	// has nothing to say.
	GenerateRoutingInformationDataObject(n *node.Node) *dataobject.DataObject

	// GetSaveState and SetSaveState checkpoint the module's learned
	// state against repository entries.
	GetSaveState(ctx context.Context) ([]store.RepositoryEntry, error)
	SetSaveState(ctx context.Context, entries []store.RepositoryEntry) error
}
