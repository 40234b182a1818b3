package nodemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

const testWait = 5 * time.Second

type fixture struct {
	kernel    *eventbus.Kernel
	dataStore *store.DataStore
	nodeStore *store.NodeStore
	repo      *store.Repository
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	k := eventbus.NewKernel()
	ds := store.NewDataStore(k)
	require.NoError(t, ds.Start(context.Background()))
	t.Cleanup(func() { ds.Close(testWait) }) //nolint:errcheck

	f := &fixture{
		kernel:    k,
		dataStore: ds,
		nodeStore: store.NewNodeStore(),
		repo:      store.NewRepository(),
	}
	f.manager = NewManager(Config{
		Name:              "local",
		MatchingThreshold: 0,
		MaxMatches:        10,
		BloomErrorRate:    0.01,
		BloomCapacity:     500,
	}, f.dataStore, f.nodeStore, f.repo)
	require.NoError(t, f.manager.Start(k))

	go k.Run()
	t.Cleanup(func() {
		if e, err := eventbus.NewEvent(eventbus.TypeShutdown, time.Time{}); err == nil {
			k.Post(e) //nolint:errcheck
		}
		select {
		case <-k.Done():
		case <-time.After(testWait):
			t.Error("kernel did not stop")
		}
	})
	return f
}

func peerDescription(t *testing.T, peer *node.Node, createTime string, remote *iface.Interface) *dataobject.DataObject {
	t.Helper()
	d, err := peer.Description(createTime)
	require.NoError(t, err)
	if remote != nil {
		d.SetRemoteInterface(remote)
	}
	return d
}

func TestNeighborUpCreatesContactAndSendsDescription(t *testing.T) {
	f := newFixture(t)

	contact := make(chan *node.Node, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeNodeContactNew, func(e *eventbus.Event) {
		contact <- e.Node()
	}))
	sends := make(chan *dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectSend, func(e *eventbus.Event) {
		sends <- e.DataObject()
	}))

	remote := iface.New(iface.Ethernet, []byte{10, 0, 0, 2})
	e, err := eventbus.NewInterfaceEvent(eventbus.TypeNeighborInterfaceUp, remote, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))

	select {
	case n := <-contact:
		assert.Equal(t, node.TypeUndefined, n.Type())
		assert.True(t, n.HasInterface(remote))
	case <-time.After(testWait):
		t.Fatal("NodeContactNew never posted")
	}

	select {
	case d := <-sends:
		require.True(t, d.IsNodeDescription())
		got, err := node.FromDescription(d)
		require.NoError(t, err)
		assert.Equal(t, f.manager.ThisNode().ID(), got.ID())
	case <-time.After(testWait):
		t.Fatal("description send never posted")
	}
}

func TestDescriptionSendSkippedWhenPeerHasSeenIt(t *testing.T) {
	f := newFixture(t)

	sends := make(chan *dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectSend, func(e *eventbus.Event) {
		sends <- e.DataObject()
	}))

	peer, err := node.New(node.TypePeer, node.GenerateID(), "peer")
	require.NoError(t, err)
	desc, err := f.manager.Description()
	require.NoError(t, err)
	peer.MarkSeen(desc.ID())

	e, err := eventbus.NewNodeEvent(eventbus.TypeNodeContactNew, peer, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))

	select {
	case <-sends:
		t.Fatal("description sent despite peer bloom filter")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDescriptionPromotesPlaceholder(t *testing.T) {
	f := newFixture(t)

	contacts := make(chan *node.Node, 2)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeNodeContactNew, func(e *eventbus.Event) {
		contacts <- e.Node()
	}))

	remote := iface.New(iface.Ethernet, []byte{10, 0, 0, 3})
	e, err := eventbus.NewInterfaceEvent(eventbus.TypeNeighborInterfaceUp, remote, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))

	// First contact: the Undefined placeholder.
	select {
	case n := <-contacts:
		assert.Equal(t, node.TypeUndefined, n.Type())
	case <-time.After(testWait):
		t.Fatal("placeholder contact never posted")
	}

	// The peer's own description arrives over that interface.
	peer, err := node.New(node.TypePeer, node.GenerateID(), "bob")
	require.NoError(t, err)
	peer.AddInterest(attribute.New("Topic", "Weather"))
	desc := peerDescription(t, peer, "1700000010.000000", remote)
	require.NoError(t, f.dataStore.InsertDataObject(desc, nil))

	select {
	case n := <-contacts:
		assert.Equal(t, peer.ID(), n.ID())
		assert.Equal(t, node.TypePeer, n.Type())
		assert.True(t, n.HasInterface(remote), "promoted node keeps the placeholder's interface")
	case <-time.After(testWait):
		t.Fatal("promotion contact never posted")
	}

	got, ok := f.nodeStore.ByID(peer.ID())
	require.True(t, ok)
	assert.Equal(t, "bob", got.Name())
}

func TestFreshestDescriptionWins(t *testing.T) {
	f := newFixture(t)

	updated := make(chan *node.Node, 4)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeNodeUpdated, func(e *eventbus.Event) {
		updated <- e.Node()
	}))

	remote := iface.New(iface.Ethernet, []byte{10, 0, 0, 4})
	peer, err := node.New(node.TypePeer, node.GenerateID(), "v1")
	require.NoError(t, err)

	// Establish the peer as a known (non-placeholder) neighbor.
	peer.AddInterface(remote)
	f.nodeStore.Insert(peer)

	newer, err := node.New(node.TypePeer, peer.ID(), "v2")
	require.NoError(t, err)
	require.NoError(t, f.dataStore.InsertDataObject(
		peerDescription(t, newer, "1700000020.000000", remote), nil))

	select {
	case n := <-updated:
		assert.Equal(t, "v2", n.Name())
	case <-time.After(testWait):
		t.Fatal("NodeUpdated never posted")
	}

	// A stale description must not supersede the stored one.
	stale, err := node.New(node.TypePeer, peer.ID(), "v0")
	require.NoError(t, err)
	require.NoError(t, f.dataStore.InsertDataObject(
		peerDescription(t, stale, "1700000005.000000", remote), nil))

	select {
	case n := <-updated:
		t.Fatalf("stale description applied: %s", n.Name())
	case <-time.After(200 * time.Millisecond):
	}
	got, ok := f.nodeStore.ByID(peer.ID())
	require.True(t, ok)
	assert.Equal(t, "v2", got.Name())
}

func TestOwnDescriptionIgnored(t *testing.T) {
	f := newFixture(t)

	updated := make(chan *node.Node, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeNodeUpdated, func(e *eventbus.Event) {
		updated <- e.Node()
	}))

	desc, err := f.manager.Description()
	require.NoError(t, err)
	require.NoError(t, f.dataStore.InsertDataObject(desc, nil))

	select {
	case <-updated:
		t.Fatal("own description must not update the node store")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNodeIDPersistsAcrossRestart(t *testing.T) {
	repo := store.NewRepository()

	run := func() node.ID {
		k := eventbus.NewKernel()
		ds := store.NewDataStore(k)
		require.NoError(t, ds.Start(context.Background()))
		defer ds.Close(testWait) //nolint:errcheck
		m := NewManager(Config{Name: "stable"}, ds, store.NewNodeStore(), repo)
		require.NoError(t, m.Start(k))
		return m.ThisNode().ID()
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestNeighborDownEndsContact(t *testing.T) {
	f := newFixture(t)

	ended := make(chan *node.Node, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeNodeContactEnd, func(e *eventbus.Event) {
		ended <- e.Node()
	}))

	remote := iface.New(iface.Ethernet, []byte{10, 0, 0, 5})
	peer, err := node.New(node.TypePeer, node.GenerateID(), "leaver")
	require.NoError(t, err)
	peer.AddInterface(remote)
	f.nodeStore.Insert(peer)

	e, err := eventbus.NewInterfaceEvent(eventbus.TypeNeighborInterfaceDown, remote, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))

	select {
	case n := <-ended:
		assert.Equal(t, peer.ID(), n.ID())
	case <-time.After(testWait):
		t.Fatal("NodeContactEnd never posted")
	}
	_, ok := f.nodeStore.ByID(peer.ID())
	assert.False(t, ok)
}
