package forwarding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

const testWait = 5 * time.Second

type fixture struct {
	kernel    *eventbus.Kernel
	dataStore *store.DataStore
	nodeStore *store.NodeStore
	repo      *store.Repository
	forwarder *Rank
	manager   *Manager
	selfID    node.ID
	sends     chan sendEvent
}

type sendEvent struct {
	d      *dataobject.DataObject
	target *node.Node
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
		selfID:    node.GenerateID(),
		sends:     make(chan sendEvent, 16),
	}
	f.forwarder = NewRank(k, func() node.ID { return f.selfID }, func() []*node.Node {
		return f.manager.neighbors()
	}, nil)
	f.manager = NewManager(DefaultConfig(), f.forwarder, ds, f.nodeStore, f.repo)
	require.NoError(t, f.manager.Start(k))

	require.NoError(t, k.RegisterHandler(eventbus.TypeDataObjectSend, func(e *eventbus.Event) {
		for _, n := range e.Nodes() {
			f.sends <- sendEvent{d: e.DataObject(), target: n}
		}
	}))

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

func insertObject(t *testing.T, f *fixture, createTime string, attrs ...attribute.Attribute) *dataobject.DataObject {
	t.Helper()
	d := dataobject.NewWithAttributes(attribute.NewSet(attrs...))
	d.SetCreateTime(createTime)
	done := make(chan struct{})
	require.NoError(t, f.dataStore.InsertDataObject(d, func(*eventbus.Event) { close(done) }))
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("insert never completed")
	}
	return d
}

func newNeighbor(t *testing.T, f *fixture, interests ...attribute.Attribute) *node.Node {
	t.Helper()
	n, err := node.New(node.TypePeer, node.GenerateID(), "neighbor")
	require.NoError(t, err)
	for _, a := range interests {
		n.AddInterest(a)
	}
	f.nodeStore.Insert(n)
	return n
}

func postContactNew(t *testing.T, f *fixture, n *node.Node) {
	t.Helper()
	e, err := eventbus.NewNodeEvent(eventbus.TypeNodeContactNew, n, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))
}

// waitForContentSend skips routing-info objects, which the manager
// offers to every new neighbor before content.
func waitForContentSend(t *testing.T, f *fixture) sendEvent {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case s := <-f.sends:
			if f.forwarder.HasRoutingInformation(s.d) {
				continue
			}
			return s
		case <-deadline:
			t.Fatal("content send never posted")
			return sendEvent{}
		}
	}
}

func TestNewNeighborReceivesMatchingContent(t *testing.T) {
	f := newFixture(t)

	weather := insertObject(t, f, "1700000001.000000", attribute.New("Topic", "Weather"))
	insertObject(t, f, "1700000002.000000", attribute.New("Topic", "Sports"))

	n := newNeighbor(t, f, attribute.NewWeighted("Topic", "Weather", 1))
	postContactNew(t, f, n)

	s := waitForContentSend(t, f)
	assert.Equal(t, weather.ID(), s.d.ID())
	assert.Equal(t, n.ID(), s.target.ID())
}

func TestBloomSeenContentNotResent(t *testing.T) {
	f := newFixture(t)

	weather := insertObject(t, f, "1700000001.000000", attribute.New("Topic", "Weather"))
	n := newNeighbor(t, f, attribute.NewWeighted("Topic", "Weather", 1))
	n.MarkSeen(weather.ID())
	postContactNew(t, f, n)

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case s := <-f.sends:
			if !f.forwarder.HasRoutingInformation(s.d) {
				t.Fatal("bloom-suppressed object was sent")
			}
		case <-deadline:
			return
		}
	}
}

func TestPendingPairDeduplicated(t *testing.T) {
	f := newFixture(t)

	insertObject(t, f, "1700000001.000000", attribute.New("Topic", "Weather"))
	n := newNeighbor(t, f, attribute.NewWeighted("Topic", "Weather", 1))

	postContactNew(t, f, n)
	first := waitForContentSend(t, f)

	// Second trigger while the first send is still pending: the same
	// pair must not be posted again.
	postContactNew(t, f, n)
	select {
	case s := <-f.sends:
		if !f.forwarder.HasRoutingInformation(s.d) {
			t.Fatalf("duplicate pending send of %s", s.d.ID().String())
		}
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, f.manager.PendingCount())

	// Success clears the pair and marks the bloom filter.
	e, err := eventbus.NewResolutionEvent(eventbus.TypeDataObjectSendSuccessful,
		first.d, []*node.Node{n}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))

	require.Eventually(t, func() bool { return f.manager.PendingCount() == 0 },
		testWait, 10*time.Millisecond)
	assert.True(t, n.HasSeen(first.d.ID()))
}

func TestSendFailureRetriesBounded(t *testing.T) {
	f := newFixture(t)

	insertObject(t, f, "1700000001.000000", attribute.New("Topic", "Weather"))
	n := newNeighbor(t, f, attribute.NewWeighted("Topic", "Weather", 1))
	postContactNew(t, f, n)
	first := waitForContentSend(t, f)

	failures := 0
	for f.manager.PendingCount() > 0 && failures < 20 {
		e, err := eventbus.NewResolutionEvent(eventbus.TypeDataObjectSendFailure,
			first.d, []*node.Node{n}, time.Time{})
		require.NoError(t, err)
		require.NoError(t, f.kernel.Post(e))
		failures++
		// Drain the retry send, if one was posted.
		select {
		case <-f.sends:
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.LessOrEqual(t, failures, DefaultSendRetries+1)
	assert.Equal(t, 0, f.manager.PendingCount())
}

func TestRoutingInformationRoundTrip(t *testing.T) {
	f := newFixture(t)

	// A peer advertises a strong rank toward some target.
	peerID := node.GenerateID()
	targetID := node.GenerateID()
	peerRank := NewRank(f.kernel, func() node.ID { return peerID },
		func() []*node.Node { return nil }, nil)
	peer, err := node.New(node.TypePeer, peerID, "carrier")
	require.NoError(t, err)
	peerRank.NewNeighbor(mustNode(t, targetID))
	peerRank.NewNeighbor(mustNode(t, targetID)) // two encounters

	info := peerRank.GenerateRoutingInformationDataObject(nil)
	require.NotNil(t, info)
	require.True(t, f.forwarder.HasRoutingInformation(info))
	assert.False(t, info.Persistent())

	// Wire round trip preserves the routing extension.
	parsed, err := dataobject.FromMetadata(info.ToMetadata())
	require.NoError(t, err)
	f.forwarder.NewRoutingInformation(parsed)

	// The carrier is now a neighbor; it should be a delegate for
	// content targeted at the node it out-ranks us toward.
	f.nodeStore.Insert(peer)

	delegates := make(chan []*node.Node, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDelegateNodes, func(e *eventbus.Event) {
		delegates <- e.Nodes()
	}))

	d := dataobject.NewWithAttributes(attribute.NewSet(
		attribute.New(TargetAttribute, targetID.String())))
	f.forwarder.GenerateDelegatesFor(d, mustNode(t, targetID))

	select {
	case got := <-delegates:
		require.Len(t, got, 1)
		assert.Equal(t, peerID, got[0].ID())
	case <-time.After(testWait):
		t.Fatal("DelegateNodes never posted")
	}
}

func TestAsynchronousDrainsAndPersistsOnQuit(t *testing.T) {
	repo := store.NewRepository()
	k := eventbus.NewKernel()

	selfID := node.GenerateID()
	inner := NewRank(k, func() node.ID { return selfID }, func() []*node.Node { return nil }, nil)
	async := NewAsynchronous(inner, repo, nil, nil)

	peer := mustNode(t, node.GenerateID())
	for i := 0; i < 5; i++ {
		async.NewNeighbor(peer)
	}
	require.NoError(t, async.Quit(context.Background()))

	rows, err := repo.Read(context.Background(), "rank", rankStateKey)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Value, peer.ID().String())

	// Restoring the state into a fresh forwarder preserves the
	// learned encounters.
	restored := NewRank(k, func() node.ID { return selfID }, func() []*node.Node { return nil }, nil)
	require.NoError(t, restored.SetSaveState(context.Background(), rows))
	state, err := restored.GetSaveState(context.Background())
	require.NoError(t, err)
	assert.Contains(t, state[0].Value, `"`+peer.ID().String()+`":5`)
}

func mustNode(t *testing.T, id node.ID) *node.Node {
	t.Helper()
	n, err := node.New(node.TypePeer, id, "")
	require.NoError(t, err)
	return n
}
