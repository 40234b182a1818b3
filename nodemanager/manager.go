package nodemanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/bloomfilter"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

// ManagerName identifies the node manager in logs, health, and the
// repository authority for its checkpoints.
const ManagerName = "nodemanager"

// repositoryIDKey is the repository key the local node id persists
// under.
const repositoryIDKey = "node_id"

// Config tunes the local node's advertised identity and matching
// parameters.
type Config struct {
	Name              string
	MatchingThreshold uint32
	MaxMatches        uint32
	BloomErrorRate    float64
	BloomCapacity     uint32
}

// Manager maintains this-node and merges peer descriptions.
type Manager struct {
	kernel *eventbus.Kernel
	log    *slog.Logger
	cfg    Config

	dataStore  *store.DataStore
	nodeStore  *store.NodeStore
	repository *store.Repository

	mu       sync.Mutex
	thisNode *node.Node

	descFilterType eventbus.Type
}

// NewManager creates a node manager over the given stores.
func NewManager(cfg Config, ds *store.DataStore, ns *store.NodeStore, repo *store.Repository) *Manager {
	return &Manager{
		cfg:        cfg,
		dataStore:  ds,
		nodeStore:  ns,
		repository: repo,
	}
}

// Name implements eventbus.Manager.
func (m *Manager) Name() string { return ManagerName }

// ThisNode returns the local node.
func (m *Manager) ThisNode() *node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thisNode
}

// Start implements eventbus.Manager: restores or generates the local
// node identity, binds neighbor handlers, and registers the
// node-description filter with the data store.
func (m *Manager) Start(k *eventbus.Kernel) error {
	m.kernel = k
	m.log = k.Logger().With("component", ManagerName)

	if err := m.initThisNode(); err != nil {
		return err
	}

	if err := k.RegisterHandler(eventbus.TypeNeighborInterfaceUp, m.onNeighborUp); err != nil {
		return err
	}
	if err := k.RegisterHandler(eventbus.TypeNeighborInterfaceDown, m.onNeighborDown); err != nil {
		return err
	}
	if err := k.RegisterHandler(eventbus.TypeNodeContactNew, m.onContactNew); err != nil {
		return err
	}

	// Node descriptions reach us through a data store filter on the
	// NodeDescription attribute, wildcard value.
	m.descFilterType = k.AllocatePrivateType(m.onNodeDescriptions)
	f := store.NewFilter(m.descFilterType,
		attribute.New(dataobject.NodeDescriptionAttribute, attribute.WildcardValue))
	if err := m.dataStore.InsertFilter(f, false, nil); err != nil {
		return err
	}

	k.Health().UpdateHealthy(ManagerName, "node "+m.ThisNode().ID().String())
	return nil
}

// initThisNode restores the persisted local node id or mints one.
func (m *Manager) initThisNode() error {
	ctx := context.Background()
	var id node.ID
	rows, err := m.repository.Read(ctx, ManagerName, repositoryIDKey)
	if err == nil && len(rows) > 0 {
		if parsed, perr := node.ParseID(rows[0].Value); perr == nil {
			id = parsed
		}
	}
	if id == (node.ID{}) {
		id = node.GenerateID()
		if err := m.repository.Insert(ctx, store.RepositoryEntry{
			Authority: ManagerName, Key: repositoryIDKey, Value: id.String(),
		}); err != nil {
			return err
		}
	}

	n, err := node.New(node.TypePeer, id, m.cfg.Name)
	if err != nil {
		return err
	}
	n.SetThreshold(m.cfg.MatchingThreshold)
	n.SetMaxMatches(m.cfg.MaxMatches)
	if m.cfg.BloomErrorRate > 0 && m.cfg.BloomCapacity > 0 {
		f, err := bloomfilter.New(m.cfg.BloomErrorRate, m.cfg.BloomCapacity)
		if err != nil {
			return err
		}
		n.SetBloomfilter(f)
	}

	m.mu.Lock()
	m.thisNode = n
	m.mu.Unlock()
	return nil
}

// PrepareShutdown implements eventbus.Manager: persists this-node,
// then signals readiness.
func (m *Manager) PrepareShutdown() {
	m.dataStore.InsertNode(m.ThisNode(), func(*eventbus.Event) { //nolint:errcheck
		m.kernel.ShutdownReady(ManagerName)
	})
}

// Stop implements eventbus.Manager.
func (m *Manager) Stop() error {
	m.dataStore.DeleteFilter(m.descFilterType) //nolint:errcheck
	return nil
}

// AddLocalInterest adds an interest to this-node; the description's
// create time refreshes so peers adopt the change.
func (m *Manager) AddLocalInterest(a attribute.Attribute) {
	m.ThisNode().AddInterest(a)
}

// Description builds this-node's current description, stamped now.
func (m *Manager) Description() (*dataobject.DataObject, error) {
	return m.ThisNode().Description(node.FormatCreateTime(time.Now()))
}

// onNeighborUp locates a node sharing the interface or creates an
// Undefined placeholder, then asks the data store whether it knows a
// node on that interface.
func (m *Manager) onNeighborUp(e *eventbus.Event) {
	remote := e.Interface()
	if remote == nil {
		return
	}
	if n, ok := m.nodeStore.ByInterface(remote); ok {
		// Known neighbor reappeared on another scan.
		m.postNodeEvent(eventbus.TypeNodeContactNew, n)
		return
	}

	placeholder, err := node.NewPlaceholder(remote)
	if err != nil {
		m.log.Error("create placeholder", "interface", remote.Key(), "error", err)
		return
	}
	m.nodeStore.Insert(placeholder)

	if err := m.dataStore.RetrieveNodeByInterface(remote, func(e *eventbus.Event) {
		m.onRetrievedNode(placeholder, e.Opaque().(*store.RetrieveNodeResult))
	}); err != nil {
		m.log.Error("retrieve node", "interface", remote.Key(), "error", err)
	}
}

// onRetrievedNode resolves the data store reply for a new neighbor
// interface: a stored node promotes the placeholder, otherwise the
// placeholder itself becomes the contact.
func (m *Manager) onRetrievedNode(placeholder *node.Node, res *store.RetrieveNodeResult) {
	contact := placeholder
	if res.Node != nil {
		if res.Interface != nil {
			res.Node.AddInterface(res.Interface)
		}
		m.nodeStore.Replace(placeholder, res.Node)
		contact = res.Node
	}
	m.postNodeEvent(eventbus.TypeNodeContactNew, contact)
}

// onNeighborDown removes the interface from its node; a node with no
// remaining interfaces ends its contact.
func (m *Manager) onNeighborDown(e *eventbus.Event) {
	remote := e.Interface()
	if remote == nil {
		return
	}
	n, ok := m.nodeStore.ByInterface(remote)
	if !ok {
		return
	}
	n.RemoveInterface(remote)
	if len(n.Interfaces()) == 0 {
		m.nodeStore.Remove(n)
		m.postNodeEvent(eventbus.TypeNodeContactEnd, n)
	}
}

// onContactNew gates content exchange on description exchange: this
// node's description goes out first, unless the peer's bloom filter
// already claims it.
func (m *Manager) onContactNew(e *eventbus.Event) {
	peer := e.Node()
	if peer == nil {
		return
	}
	desc, err := m.Description()
	if err != nil {
		m.log.Error("build description", "error", err)
		return
	}
	if peer.HasSeen(desc.ID()) {
		return
	}
	send, err := eventbus.NewResolutionEvent(
		eventbus.TypeDataObjectSend, desc, []*node.Node{peer}, time.Time{})
	if err != nil {
		return
	}
	if perr := m.kernel.Post(send); perr != nil {
		m.log.Error("post description send", "error", perr)
	}
}

// onNodeDescriptions handles the description filter delivery: rebuild
// a node per description, keep only the freshest per node id, update
// the node store, and announce the change.
func (m *Manager) onNodeDescriptions(e *eventbus.Event) {
	objs, ok := e.Opaque().([]*dataobject.DataObject)
	if !ok {
		return
	}
	for _, d := range objs {
		m.mergeDescription(d)
	}
}

func (m *Manager) mergeDescription(d *dataobject.DataObject) {
	received, err := node.FromDescription(d)
	if err != nil {
		m.log.Warn("bad node description", "data_object_id", d.ID().String(), "error", err)
		return
	}
	if received.ID() == m.ThisNode().ID() {
		return
	}
	if remote := d.RemoteInterface(); remote != nil {
		received.AddInterface(remote)
	}

	existing, known := m.nodeStore.ByID(received.ID())
	if !known {
		// A placeholder holding the description's provenance
		// interface is this node, waiting to be promoted.
		if remote := d.RemoteInterface(); remote != nil {
			if ph, ok := m.nodeStore.ByInterface(remote); ok && ph.Type() == node.TypeUndefined {
				existing, known = ph, true
			}
		}
	}

	if known {
		if existing.Type() != node.TypeUndefined &&
			node.CompareCreateTimes(received.DescriptionCreateTime(), existing.DescriptionCreateTime()) <= 0 {
			// Stale or same-age description: keep what we have.
			return
		}
		for _, i := range existing.Interfaces() {
			received.AddInterface(i)
		}
		wasPlaceholder := existing.Type() == node.TypeUndefined
		m.nodeStore.Replace(existing, received)
		m.persistNode(received)
		if wasPlaceholder {
			m.postNodeEvent(eventbus.TypeNodeContactNew, received)
		} else {
			m.postNodeUpdated(received, d)
		}
		return
	}

	// Description of a node we are not in contact with (relayed);
	// persist it for future matching, no contact events.
	m.persistNode(received)
}

func (m *Manager) persistNode(n *node.Node) {
	if err := m.dataStore.InsertNode(n, nil); err != nil {
		m.log.Error("persist node", "node_id", n.ID().String(), "error", err)
	}
}

func (m *Manager) postNodeEvent(t eventbus.Type, n *node.Node) {
	e, err := eventbus.NewNodeEvent(t, n, time.Time{})
	if err != nil {
		return
	}
	if perr := m.kernel.Post(e); perr != nil {
		m.log.Error("post node event", "event", t.String(), "error", perr)
	}
}

func (m *Manager) postNodeUpdated(n *node.Node, cause *dataobject.DataObject) {
	e, err := eventbus.NewNodeUpdatedEvent(n, []*dataobject.DataObject{cause}, time.Time{})
	if err != nil {
		return
	}
	if perr := m.kernel.Post(e); perr != nil {
		m.log.Error("post node updated", "error", perr)
	}
}
