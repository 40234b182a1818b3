package datamanager

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
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
	thisNode  *node.Node
	manager   *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	k := eventbus.NewKernel()
	ds := store.NewDataStore(k)
	require.NoError(t, ds.Start(context.Background()))
	t.Cleanup(func() { ds.Close(testWait) }) //nolint:errcheck

	local, err := node.New(node.TypePeer, node.GenerateID(), "local")
	require.NoError(t, err)

	f := &fixture{kernel: k, dataStore: ds, thisNode: local}
	f.manager = NewManager(cfg, ds, func() *node.Node { return local })
	require.NoError(t, f.manager.Start(k))
	t.Cleanup(func() { f.manager.Stop() }) //nolint:errcheck

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

func incomingObject(t *testing.T, payload []byte, declaredHash []byte) *dataobject.DataObject {
	t.Helper()
	d := dataobject.NewWithAttributes(attribute.NewSet(attribute.New("Topic", "Weather")))
	d.SetCreateTime("1700000000.000000")
	if payload != nil {
		path := filepath.Join(t.TempDir(), "payload")
		require.NoError(t, os.WriteFile(path, payload, 0o600))
		d.SetPayloadFile(path, "payload", uint64(len(payload)), declaredHash)
	}
	return d
}

func postIncoming(t *testing.T, f *fixture, d *dataobject.DataObject) {
	t.Helper()
	e, err := eventbus.NewDataObjectEvent(eventbus.TypeDataObjectIncoming, d, time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.kernel.Post(e))
}

func TestIncomingVerifiedAndInserted(t *testing.T) {
	f := newFixture(t, Config{})

	verified := make(chan *dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectVerified, func(e *eventbus.Event) {
		verified <- e.DataObject()
	}))
	inserted := make(chan *dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectNew, func(e *eventbus.Event) {
		inserted <- e.DataObject()
	}))

	payload := []byte("payload under test")
	sum := sha1.Sum(payload)
	d := incomingObject(t, payload, sum[:])
	postIncoming(t, f, d)

	select {
	case got := <-verified:
		assert.Equal(t, d.ID(), got.ID())
		assert.Equal(t, dataobject.DataStateVerifiedOK, got.DataState())
	case <-time.After(testWait):
		t.Fatal("DataObjectVerified never posted")
	}
	select {
	case got := <-inserted:
		assert.Equal(t, d.ID(), got.ID())
	case <-time.After(testWait):
		t.Fatal("DataObjectNew never posted")
	}
	assert.True(t, f.thisNode.HasSeen(d.ID()), "local bloom filter must record the object")
}

func TestBadHashQuarantined(t *testing.T) {
	f := newFixture(t, Config{})

	verified := make(chan *dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectVerified, func(e *eventbus.Event) {
		verified <- e.DataObject()
	}))

	wrong := sha1.Sum([]byte("different content"))
	d := incomingObject(t, []byte("actual content"), wrong[:])
	postIncoming(t, f, d)

	select {
	case <-verified:
		t.Fatal("hash mismatch must not verify")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, dataobject.DataStateVerifiedBad, d.DataState())
	assert.Equal(t, 0, f.dataStore.Len())
}

func TestMissingHashStillDelivered(t *testing.T) {
	f := newFixture(t, Config{})

	verified := make(chan *dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectVerified, func(e *eventbus.Event) {
		verified <- e.DataObject()
	}))

	d := incomingObject(t, []byte("no declared hash"), nil)
	postIncoming(t, f, d)

	select {
	case got := <-verified:
		// Without a declared hash the object stays NotVerified;
		// acceptance is caller policy.
		assert.Equal(t, dataobject.DataStateNotVerified, got.DataState())
	case <-time.After(testWait):
		t.Fatal("object without hash never delivered")
	}
}

func TestDuplicateIncomingStillInBloomFilter(t *testing.T) {
	f := newFixture(t, Config{})

	inserted := make(chan *dataobject.DataObject, 2)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectNew, func(e *eventbus.Event) {
		inserted <- e.DataObject()
	}))

	d := incomingObject(t, nil, nil)
	postIncoming(t, f, d)
	select {
	case <-inserted:
	case <-time.After(testWait):
		t.Fatal("first insert never happened")
	}

	dup, err := dataobject.FromMetadata(d.ToMetadata())
	require.NoError(t, err)
	postIncoming(t, f, dup)

	select {
	case <-inserted:
		t.Fatal("duplicate must not re-emit DataObjectNew")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, f.dataStore.Len())
	assert.True(t, f.thisNode.HasSeen(dup.ID()), "duplicate must still be recorded in the local bloom filter")
}

func TestPeriodicAging(t *testing.T) {
	f := newFixture(t, Config{AgingInterval: 50 * time.Millisecond, AgingMinAge: time.Nanosecond})

	deleted := make(chan []*dataobject.DataObject, 1)
	require.NoError(t, f.kernel.RegisterHandler(eventbus.TypeDataObjectDeleted, func(e *eventbus.Event) {
		deleted <- e.DataObjects()
	}))

	d := incomingObject(t, nil, nil)
	done := make(chan struct{})
	require.NoError(t, f.dataStore.InsertDataObject(d, func(*eventbus.Event) { close(done) }))
	<-done

	select {
	case objs := <-deleted:
		require.Len(t, objs, 1)
		assert.Equal(t, d.ID(), objs[0].ID())
	case <-time.After(testWait):
		t.Fatal("aging never removed the object")
	}
}
