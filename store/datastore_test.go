package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/bloomfilter"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/node"
)

const testWait = 5 * time.Second

func startKernel(t *testing.T) *eventbus.Kernel {
	t.Helper()
	k := eventbus.NewKernel()
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
	return k
}

func startStore(t *testing.T, k *eventbus.Kernel) *DataStore {
	t.Helper()
	s := NewDataStore(k)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close(testWait) }) //nolint:errcheck
	return s
}

func obj(t *testing.T, createTime string, attrs ...attribute.Attribute) *dataobject.DataObject {
	t.Helper()
	d := dataobject.NewWithAttributes(attribute.NewSet(attrs...))
	if createTime != "" {
		d.SetCreateTime(createTime)
	}
	return d
}

func insertWait(t *testing.T, s *DataStore, d *dataobject.DataObject) *InsertResult {
	t.Helper()
	ch := make(chan *InsertResult, 1)
	require.NoError(t, s.InsertDataObject(d, func(e *eventbus.Event) {
		ch <- e.Opaque().(*InsertResult)
	}))
	select {
	case r := <-ch:
		return r
	case <-time.After(testWait):
		t.Fatal("insert callback never delivered")
		return nil
	}
}

func TestFilterMatchOnInsert(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	delivered := make(chan []*dataobject.DataObject, 4)
	ft := k.AllocatePrivateType(func(e *eventbus.Event) {
		delivered <- e.Opaque().([]*dataobject.DataObject)
	})

	require.NoError(t, s.InsertFilter(NewFilter(ft, attribute.New("Topic", "Weather")), false, nil))

	d1 := obj(t, "1700000000.000000", attribute.New("Topic", "Weather"))
	d2 := obj(t, "1700000001.000000", attribute.New("Topic", "Sports"))
	insertWait(t, s, d1)
	insertWait(t, s, d2)

	select {
	case objs := <-delivered:
		require.Len(t, objs, 1)
		assert.Equal(t, d1.ID(), objs[0].ID())
	case <-time.After(testWait):
		t.Fatal("filter delivery never arrived")
	}
	// Exactly one delivery: d2 must not match.
	select {
	case objs := <-delivered:
		t.Fatalf("unexpected second delivery: %d objects", len(objs))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFilterWildcardValue(t *testing.T) {
	f := NewFilter(eventbus.PrivateTypeMin, attribute.New("Topic", attribute.WildcardValue))
	_, ok := MatchFilterObject(f, attribute.NewSet(attribute.New("Topic", "Anything")))
	assert.True(t, ok)
	_, ok = MatchFilterObject(f, attribute.NewSet(attribute.New("Other", "Anything")))
	assert.False(t, ok)
}

func TestInsertFilterMatchFirst(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d := obj(t, "1700000000.000000", attribute.New("Topic", "Weather"))
	insertWait(t, s, d)

	delivered := make(chan []*dataobject.DataObject, 1)
	ft := k.AllocatePrivateType(func(e *eventbus.Event) {
		delivered <- e.Opaque().([]*dataobject.DataObject)
	})
	require.NoError(t, s.InsertFilter(NewFilter(ft, attribute.New("Topic", "Weather")), true, nil))

	select {
	case objs := <-delivered:
		require.Len(t, objs, 1)
		assert.Equal(t, d.ID(), objs[0].ID())
	case <-time.After(testWait):
		t.Fatal("match-first scan never delivered")
	}
}

func TestDuplicateInsertMarked(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d := obj(t, "1700000000.000000", attribute.New("Topic", "Weather"))
	again, err := dataobject.FromMetadata(d.ToMetadata())
	require.NoError(t, err)

	assert.False(t, insertWait(t, s, d).Duplicate)
	assert.True(t, insertWait(t, s, again).Duplicate)
	assert.Equal(t, 1, s.Len())
}

func TestNonPersistentObjectNotStored(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d := obj(t, "1700000000.000000", attribute.New("Topic", "Weather"))
	d.SetPersistent(false)
	insertWait(t, s, d)
	assert.Equal(t, 0, s.Len())
}

func queryNode(t *testing.T, interests []attribute.Attribute, threshold, maxMatches uint32) *node.Node {
	t.Helper()
	n, err := node.New(node.TypePeer, node.GenerateID(), "querier")
	require.NoError(t, err)
	for _, a := range interests {
		n.AddInterest(a)
	}
	n.SetThreshold(threshold)
	n.SetMaxMatches(maxMatches)
	return n
}

func runQuery(t *testing.T, s *DataStore, n *node.Node) []*dataobject.DataObject {
	t.Helper()
	ch := make(chan *DataObjectQueryResult, 1)
	require.NoError(t, s.DoDataObjectQuery(n, 1, nil, func(e *eventbus.Event) {
		ch <- e.Opaque().(*DataObjectQueryResult)
	}))
	select {
	case r := <-ch:
		return r.Objects
	case <-time.After(testWait):
		t.Fatal("query never completed")
		return nil
	}
}

func TestNodeToDataQueryRanking(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d1 := obj(t, "1700000001.000000", attribute.New("Topic", "Weather"))
	d2 := obj(t, "1700000002.000000", attribute.New("Topic", "News"))
	d3 := obj(t, "1700000003.000000", attribute.New("Topic", "Sports"))
	d4 := obj(t, "1700000004.000000", attribute.New("Topic", "Weather"), attribute.New("Topic", "News"))
	for _, d := range []*dataobject.DataObject{d1, d2, d3, d4} {
		insertWait(t, s, d)
	}

	n := queryNode(t, []attribute.Attribute{
		attribute.NewWeighted("Topic", "Weather", 3),
		attribute.NewWeighted("Topic", "News", 1),
	}, 50, 2)

	got := runQuery(t, s, n)
	require.Len(t, got, 2)
	assert.Equal(t, d4.ID(), got[0].ID()) // ratio 100
	assert.Equal(t, d1.ID(), got[1].ID()) // ratio 75; d2 at 25 below threshold
}

func TestBloomFilterSuppression(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d1 := obj(t, "1700000001.000000", attribute.New("Topic", "Weather"))
	d4 := obj(t, "1700000004.000000", attribute.New("Topic", "Weather"), attribute.New("Topic", "News"))
	insertWait(t, s, d1)
	insertWait(t, s, d4)

	n := queryNode(t, []attribute.Attribute{
		attribute.NewWeighted("Topic", "Weather", 3),
		attribute.NewWeighted("Topic", "News", 1),
	}, 50, 2)
	n.MarkSeen(d4.ID())

	got := runQuery(t, s, n)
	require.Len(t, got, 1)
	assert.Equal(t, d1.ID(), got[0].ID())
}

func TestVetoRuleExcludes(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d := obj(t, "1700000001.000000",
		attribute.New("Topic", "Weather"), attribute.New("Spam", "Yes"))
	insertWait(t, s, d)

	n := queryNode(t, []attribute.Attribute{
		attribute.NewWeighted("Topic", "Weather", 3),
		attribute.NewWeighted("Spam", "Yes", 0),
	}, 0, 0)

	assert.Empty(t, runQuery(t, s, n))
}

func TestAlsoSeenFilterSuppression(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d := obj(t, "1700000001.000000", attribute.New("Topic", "Weather"))
	insertWait(t, s, d)

	n := queryNode(t, []attribute.Attribute{attribute.NewWeighted("Topic", "Weather", 1)}, 0, 0)

	alsoSeen, err := bloomfilter.New(0.01, 100)
	require.NoError(t, err)
	id := d.ID()
	alsoSeen.Add(id[:])

	ch := make(chan *DataObjectQueryResult, 1)
	require.NoError(t, s.DoDataObjectQuery(n, 1, alsoSeen, func(e *eventbus.Event) {
		ch <- e.Opaque().(*DataObjectQueryResult)
	}))
	select {
	case r := <-ch:
		assert.Empty(t, r.Objects)
	case <-time.After(testWait):
		t.Fatal("query never completed")
	}
}

func TestNodeQuery(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	interested := queryNode(t, []attribute.Attribute{attribute.NewWeighted("Topic", "Weather", 1)}, 0, 0)
	bored := queryNode(t, []attribute.Attribute{attribute.NewWeighted("Topic", "Sports", 1)}, 0, 0)
	app := queryNode(t, []attribute.Attribute{attribute.NewWeighted("Topic", "Weather", 1)}, 0, 0)
	app.SetType(node.TypeApplication)

	done := make(chan struct{}, 3)
	cb := func(*eventbus.Event) { done <- struct{}{} }
	require.NoError(t, s.InsertNode(interested, cb))
	require.NoError(t, s.InsertNode(bored, cb))
	require.NoError(t, s.InsertNode(app, cb))
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(testWait):
			t.Fatal("insert node never completed")
		}
	}

	d := obj(t, "1700000001.000000", attribute.New("Topic", "Weather"))
	ch := make(chan *NodeQueryResult, 1)
	require.NoError(t, s.DoNodeQuery(d, 0, 1, 10, func(e *eventbus.Event) {
		ch <- e.Opaque().(*NodeQueryResult)
	}))
	select {
	case r := <-ch:
		require.Len(t, r.Nodes, 1)
		assert.Equal(t, interested.ID(), r.Nodes[0].ID())
	case <-time.After(testWait):
		t.Fatal("node query never completed")
	}
}

func TestAgingRemovesOldUnfilteredObjects(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	old := obj(t, "1600000000.000000", attribute.New("Topic", "Stale"))
	kept := obj(t, "1600000000.000000", attribute.New("Topic", "Weather"))
	insertWait(t, s, old)
	insertWait(t, s, kept)

	// A registered filter protects matching objects from aging.
	require.NoError(t, s.InsertFilter(NewFilter(k.AllocatePrivateType(func(*eventbus.Event) {}),
		attribute.New("Topic", "Weather")), false, nil))

	ch := make(chan []*dataobject.DataObject, 1)
	require.NoError(t, s.AgeDataObjects(0, func(e *eventbus.Event) {
		ch <- e.Opaque().([]*dataobject.DataObject)
	}))
	select {
	case aged := <-ch:
		require.Len(t, aged, 1)
		assert.Equal(t, old.ID(), aged[0].ID())
	case <-time.After(testWait):
		t.Fatal("aging never completed")
	}
	assert.Equal(t, 1, s.Len())
}

func TestDeleteReportsEvent(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	deleted := make(chan []*dataobject.DataObject, 1)
	require.NoError(t, k.RegisterHandler(eventbus.TypeDataObjectDeleted, func(e *eventbus.Event) {
		deleted <- e.DataObjects()
	}))

	d := obj(t, "1700000000.000000", attribute.New("Topic", "Weather"))
	insertWait(t, s, d)
	require.NoError(t, s.DeleteDataObject(d.ID(), true))

	select {
	case objs := <-deleted:
		require.Len(t, objs, 1)
		assert.Equal(t, d.ID(), objs[0].ID())
	case <-time.After(testWait):
		t.Fatal("delete report never arrived")
	}
	assert.Equal(t, 0, s.Len())
}

func TestQueryForNodesAccumulates(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)

	d1 := obj(t, "1700000001.000000", attribute.New("Topic", "Weather"))
	d2 := obj(t, "1700000002.000000", attribute.New("Topic", "News"))
	insertWait(t, s, d1)
	insertWait(t, s, d2)

	primary := queryNode(t, nil, 0, 0)
	primary.MarkSeen(d2.ID()) // already delivered to primary

	s1 := queryNode(t, []attribute.Attribute{attribute.NewWeighted("Topic", "Weather", 1)}, 0, 0)
	s2 := queryNode(t, []attribute.Attribute{attribute.NewWeighted("Topic", "News", 1)}, 0, 0)

	ch := make(chan *DataObjectQueryResult, 1)
	require.NoError(t, s.DoDataObjectQueryForNodes(primary, []*node.Node{s1, s2}, 1, func(e *eventbus.Event) {
		ch <- e.Opaque().(*DataObjectQueryResult)
	}))
	select {
	case r := <-ch:
		require.Len(t, r.Objects, 1)
		assert.Equal(t, d1.ID(), r.Objects[0].ID())
	case <-time.After(testWait):
		t.Fatal("query never completed")
	}
}
