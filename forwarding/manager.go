package forwarding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

// ManagerName identifies the forwarding manager in logs and health.
const ManagerName = "forwarding"

// DefaultSendRetries bounds re-posts of a failed send before the pair
// is dropped.
const DefaultSendRetries = 3

// Config tunes the forwarding manager.
type Config struct {
	SendRetries int
	// MaxNodeMatches bounds DoNodeQuery results per new data object.
	MaxNodeMatches int
}

// DefaultConfig returns the tuning used when the kernel has none.
func DefaultConfig() Config {
	return Config{SendRetries: DefaultSendRetries, MaxNodeMatches: 32}
}

type pendingKey struct {
	object dataobject.ID
	target node.ID
}

type pendingSend struct {
	d       *dataobject.DataObject
	target  *node.Node
	retries int
}

// Manager reacts to contact and data object lifecycle events and
// turns the Forwarder's judgment into DataObjectSend events.
// The pending list deduplicates: one (object, node) pair is never in
// flight twice.
type Manager struct {
	kernel *eventbus.Kernel
	log    *slog.Logger
	cfg    Config

	forwarder  Forwarder
	dataStore  *store.DataStore
	nodeStore  *store.NodeStore
	repository *store.Repository

	mu      sync.Mutex
	pending map[pendingKey]*pendingSend
}

// NewManager creates a forwarding manager around the given forwarder.
func NewManager(cfg Config, f Forwarder, ds *store.DataStore, ns *store.NodeStore, repo *store.Repository) *Manager {
	return &Manager{
		cfg:        cfg,
		forwarder:  f,
		dataStore:  ds,
		nodeStore:  ns,
		repository: repo,
		pending:    make(map[pendingKey]*pendingSend),
	}
}

// Name implements eventbus.Manager.
func (m *Manager) Name() string { return ManagerName }

// Start implements eventbus.Manager: restores the forwarder's saved
// state and binds the four triggers.
func (m *Manager) Start(k *eventbus.Kernel) error {
	m.kernel = k
	m.log = k.Logger().With("component", ManagerName)

	entries, err := m.repository.Read(context.Background(), m.forwarder.Name(), "")
	if err == nil && len(entries) > 0 {
		if serr := m.forwarder.SetSaveState(context.Background(), entries); serr != nil {
			m.log.Warn("restore forwarder state", "error", serr)
		}
	}

	for _, binding := range []struct {
		t eventbus.Type
		h eventbus.Handler
	}{
		{eventbus.TypeNodeContactNew, m.onNeighbor},
		{eventbus.TypeNodeUpdated, m.onNeighbor},
		{eventbus.TypeNodeContactEnd, m.onNeighborEnd},
		{eventbus.TypeDataObjectNew, m.onDataObjectNew},
		{eventbus.TypeTargetNodes, m.onTargetNodes},
		{eventbus.TypeDelegateNodes, m.onDelegateNodes},
		{eventbus.TypeDataObjectSendSuccessful, m.onSendSuccessful},
		{eventbus.TypeDataObjectSendFailure, m.onSendFailure},
	} {
		if err := k.RegisterHandler(binding.t, binding.h); err != nil {
			return err
		}
	}
	k.Health().UpdateHealthy(ManagerName, "forwarder "+m.forwarder.Name())
	return nil
}

// PrepareShutdown implements eventbus.Manager: drains the forwarder
// worker (when asynchronous) and persists its state.
func (m *Manager) PrepareShutdown() {
	ctx := context.Background()
	if async, ok := m.forwarder.(*Asynchronous); ok {
		if err := async.Quit(ctx); err != nil {
			m.log.Error("forwarder quit", "error", err)
		}
	} else {
		entries, err := m.forwarder.GetSaveState(ctx)
		if err == nil {
			for _, entry := range entries {
				if ierr := m.repository.Insert(ctx, entry); ierr != nil {
					m.log.Error("persist forwarder state", "error", ierr)
				}
			}
		}
	}
	m.kernel.ShutdownReady(ManagerName)
}

// Stop implements eventbus.Manager.
func (m *Manager) Stop() error { return nil }

// neighbors returns the current defined contacts.
func (m *Manager) neighbors() []*node.Node {
	var out []*node.Node
	for _, n := range m.nodeStore.All() {
		if n.Type() != node.TypeUndefined {
			out = append(out, n)
		}
	}
	return out
}

// onNeighbor handles a new or updated contact. Undefined nodes are
// filtered out: content exchange must not start before description
// exchange.
func (m *Manager) onNeighbor(e *eventbus.Event) {
	n := e.Node()
	if n == nil || n.Type() == node.TypeUndefined {
		return
	}

	m.forwarder.NewNeighbor(n)

	// Offer our routing metric before content. Routing info is
	// fire-and-forget: it skips the pending list since a fresh metric
	// supersedes a lost one.
	if d := m.forwarder.GenerateRoutingInformationDataObject(n); d != nil {
		m.postSend(d, n)
	}
	m.forwarder.GenerateTargetsFor(n)

	// Everything the neighbor is interested in and does not already
	// hold (its bloom filter is consulted by the query).
	if err := m.dataStore.DoDataObjectQuery(n, 1, nil, func(e *eventbus.Event) {
		res := e.Opaque().(*store.DataObjectQueryResult)
		for _, d := range res.Objects {
			m.sendTo(d, res.Node)
		}
	}); err != nil {
		m.log.Error("neighbor content query", "node_id", n.ID().String(), "error", err)
	}
}

func (m *Manager) onNeighborEnd(e *eventbus.Event) {
	n := e.Node()
	if n == nil {
		return
	}
	m.forwarder.EndNeighbor(n)

	m.mu.Lock()
	for key := range m.pending {
		if key.target == n.ID() {
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()
}

// onDataObjectNew routes a freshly stored data object: routing
// metrics feed the forwarder, targeted objects resolve delegates, and
// plain content goes to interested neighbors.
func (m *Manager) onDataObjectNew(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil || d.IsNodeDescription() {
		return
	}

	if m.forwarder.HasRoutingInformation(d) {
		m.forwarder.NewRoutingInformation(d)
		return
	}

	if target, ok := m.targetOf(d); ok {
		if neighbor, here := m.nodeStore.ByID(target.ID()); here && neighbor.Type() != node.TypeUndefined {
			m.sendTo(d, neighbor)
		}
		m.forwarder.GenerateDelegatesFor(d, target)
		return
	}

	if err := m.dataStore.DoNodeQuery(d, 0, 1, m.cfg.MaxNodeMatches, func(e *eventbus.Event) {
		res := e.Opaque().(*store.NodeQueryResult)
		for _, interested := range res.Nodes {
			if neighbor, here := m.nodeStore.ByID(interested.ID()); here && neighbor.Type() != node.TypeUndefined {
				m.sendTo(res.Object, neighbor)
			}
		}
	}); err != nil {
		m.log.Error("node query", "data_object_id", d.ID().String(), "error", err)
	}
}

// targetOf extracts the target node named by a Target attribute.
func (m *Manager) targetOf(d *dataobject.DataObject) (*node.Node, bool) {
	attrs := d.Attributes().ByName(TargetAttribute)
	if len(attrs) == 0 {
		return nil, false
	}
	id, err := node.ParseID(attrs[0].Value)
	if err != nil {
		return nil, false
	}
	if n, ok := m.nodeStore.ByID(id); ok {
		return n, true
	}
	n, err := node.New(node.TypePeer, id, "")
	if err != nil {
		return nil, false
	}
	return n, true
}

// onTargetNodes serves a TargetNodes resolution: content matching the
// targets, not already delivered to the carrier, goes to the carrier.
func (m *Manager) onTargetNodes(e *eventbus.Event) {
	carrier := e.Node()
	targets := e.Nodes()
	if carrier == nil || len(targets) == 0 {
		return
	}
	if err := m.dataStore.DoDataObjectQueryForNodes(carrier, targets, 1, func(e *eventbus.Event) {
		res := e.Opaque().(*store.DataObjectQueryResult)
		for _, d := range res.Objects {
			m.sendTo(d, res.Node)
		}
	}); err != nil {
		m.log.Error("target content query", "node_id", carrier.ID().String(), "error", err)
	}
}

// onDelegateNodes sends the object to each delegate that does not
// already hold it.
func (m *Manager) onDelegateNodes(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil {
		return
	}
	for _, delegate := range e.Nodes() {
		if delegate == nil || delegate.HasSeen(d.ID()) {
			continue
		}
		m.sendTo(d, delegate)
	}
}

// sendTo posts a DataObjectSend unless the (object, node) pair is
// already pending or the node's bloom filter claims the object.
func (m *Manager) sendTo(d *dataobject.DataObject, target *node.Node) {
	if target.HasSeen(d.ID()) {
		return
	}
	key := pendingKey{object: d.ID(), target: target.ID()}

	m.mu.Lock()
	if _, inFlight := m.pending[key]; inFlight {
		m.mu.Unlock()
		return
	}
	m.pending[key] = &pendingSend{d: d, target: target}
	m.mu.Unlock()

	m.postSend(d, target)
}

func (m *Manager) postSend(d *dataobject.DataObject, target *node.Node) {
	e, err := eventbus.NewResolutionEvent(
		eventbus.TypeDataObjectSend, d, []*node.Node{target}, time.Time{})
	if err != nil {
		return
	}
	if perr := m.kernel.Post(e); perr != nil {
		m.log.Error("post send", "error", perr)
	}
}

// onSendSuccessful records delivery in the receiver's bloom filter
// and clears the pending pair.
func (m *Manager) onSendSuccessful(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil {
		return
	}
	for _, target := range e.Nodes() {
		if target == nil {
			continue
		}
		target.MarkSeen(d.ID())
		m.mu.Lock()
		delete(m.pending, pendingKey{object: d.ID(), target: target.ID()})
		m.mu.Unlock()
	}
}

// onSendFailure re-posts the send a bounded number of times, then
// drops the pair.
func (m *Manager) onSendFailure(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil {
		return
	}
	for _, target := range e.Nodes() {
		if target == nil {
			continue
		}
		key := pendingKey{object: d.ID(), target: target.ID()}
		m.mu.Lock()
		p, ok := m.pending[key]
		if !ok {
			m.mu.Unlock()
			continue
		}
		p.retries++
		if p.retries > m.cfg.SendRetries {
			delete(m.pending, key)
			m.mu.Unlock()
			m.log.Warn("send abandoned",
				"data_object_id", d.ID().String(),
				"node_id", target.ID().String(), "retries", p.retries-1)
			continue
		}
		m.mu.Unlock()
		m.postSend(p.d, p.target)
	}
}

// PendingCount returns the number of in-flight (object, node) pairs,
// for tests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
