package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/node"
)

func TestInterfaceStoreSharedHandle(t *testing.T) {
	s := NewInterfaceStore()

	a := iface.New(iface.Ethernet, []byte{192, 168, 1, 2})
	same := iface.New(iface.Ethernet, []byte{192, 168, 1, 2})

	stored := s.Insert(a)
	assert.Same(t, a, stored)
	assert.Same(t, a, s.Insert(same), "same identity must return the canonical handle")

	got, ok := s.Lookup(iface.Ethernet, []byte{192, 168, 1, 2})
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, s.Remove(same))
	assert.False(t, s.Remove(same))
	assert.Equal(t, 0, s.Len())
}

func TestInterfaceStoreLocal(t *testing.T) {
	s := NewInterfaceStore()
	local := iface.New(iface.Ethernet, []byte{10, 0, 0, 1})
	local.SetFlag(iface.FlagLocal)
	s.Insert(local)
	s.Insert(iface.New(iface.Ethernet, []byte{10, 0, 0, 2}))

	require.Len(t, s.Local(), 1)
	assert.Same(t, local, s.Local()[0])
}

func TestNodeStoreByIDAndInterface(t *testing.T) {
	s := NewNodeStore()

	n, err := node.New(node.TypePeer, node.GenerateID(), "alice")
	require.NoError(t, err)
	remote := iface.New(iface.Bluetooth, []byte{1, 2, 3, 4, 5, 6})
	n.AddInterface(remote)

	assert.True(t, s.Insert(n))
	assert.False(t, s.Insert(n), "same id must not insert twice")

	got, ok := s.ByID(n.ID())
	require.True(t, ok)
	assert.Same(t, n, got)

	got, ok = s.ByInterface(iface.New(iface.Bluetooth, []byte{1, 2, 3, 4, 5, 6}))
	require.True(t, ok)
	assert.Same(t, n, got)

	assert.True(t, s.Remove(n))
	_, ok = s.ByID(n.ID())
	assert.False(t, ok)
}

func TestNodeStorePlaceholderThenReplace(t *testing.T) {
	s := NewNodeStore()

	remote := iface.New(iface.Ethernet, []byte{10, 0, 0, 9})
	placeholder, err := node.NewPlaceholder(remote)
	require.NoError(t, err)
	require.True(t, s.Insert(placeholder))

	full, err := node.New(node.TypePeer, node.GenerateID(), "bob")
	require.NoError(t, err)
	full.AddInterface(remote)

	displaced := s.Replace(placeholder, full)
	assert.Same(t, placeholder, displaced)
	assert.Equal(t, 1, s.Len())

	got, ok := s.ByInterface(remote)
	require.True(t, ok)
	assert.Same(t, full, got)
}

func TestMatchEngineRatio(t *testing.T) {
	interests := attribute.NewSet(
		attribute.NewWeighted("Topic", "Weather", 3),
		attribute.NewWeighted("Topic", "News", 1),
	)

	m := matchInterests(interests, attribute.NewSet(attribute.New("Topic", "Weather")))
	assert.Equal(t, 1, m.Count)
	assert.Equal(t, uint32(75), m.Ratio)

	m = matchInterests(interests, attribute.NewSet(
		attribute.New("Topic", "Weather"), attribute.New("Topic", "News")))
	assert.Equal(t, 2, m.Count)
	assert.Equal(t, uint32(100), m.Ratio)

	m = matchInterests(interests, attribute.NewSet(attribute.New("Topic", "Sports")))
	assert.Equal(t, 0, m.Count)
	assert.Equal(t, uint32(0), m.Ratio)
}

func TestRepositoryInMemory(t *testing.T) {
	r := NewRepository()
	ctx := context.Background()

	require.NoError(t, r.Insert(ctx, RepositoryEntry{Authority: "forwarder", Key: "state", Value: "v1"}))
	require.NoError(t, r.Insert(ctx, RepositoryEntry{Authority: "forwarder", Key: "peers", Value: "v2"}))
	require.NoError(t, r.Insert(ctx, RepositoryEntry{Authority: "nodemanager", Key: "state", Value: "v3"}))

	all, err := r.Read(ctx, "forwarder", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := r.Read(ctx, "forwarder", "state")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "v1", one[0].Value)

	// Upsert keeps the row id.
	require.NoError(t, r.Insert(ctx, RepositoryEntry{Authority: "forwarder", Key: "state", Value: "v1b"}))
	one, err = r.Read(ctx, "forwarder", "state")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "v1b", one[0].Value)

	require.NoError(t, r.Delete(ctx, "forwarder", ""))
	all, err = r.Read(ctx, "forwarder", "")
	require.NoError(t, err)
	assert.Empty(t, all)

	other, err := r.Read(ctx, "nodemanager", "")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestRepositoryValidation(t *testing.T) {
	r := NewRepository()
	assert.Error(t, r.Insert(context.Background(), RepositoryEntry{Key: "k"}))
	assert.Error(t, r.Insert(context.Background(), RepositoryEntry{Authority: "a"}))
}

func TestRepositoryOpsThroughDataStore(t *testing.T) {
	k := startKernel(t)
	repo := NewRepository()
	s := NewDataStore(k, WithDataStoreRepository(repo))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close(testWait) }) //nolint:errcheck

	done := make(chan *RepositoryResult, 1)
	cb := func(e *eventbus.Event) { done <- e.Opaque().(*RepositoryResult) }

	require.NoError(t, s.RepositoryInsert(RepositoryEntry{Authority: "a", Key: "k", Value: "v"}, cb))
	require.NoError(t, (<-done).Err)

	require.NoError(t, s.RepositoryRead("a", "k", cb))
	res := <-done
	require.NoError(t, res.Err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "v", res.Entries[0].Value)

	require.NoError(t, s.RepositoryDelete("a", "", cb))
	require.NoError(t, (<-done).Err)

	rows, err := repo.Read(context.Background(), "a", "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDumpSnapshot(t *testing.T) {
	k := startKernel(t)
	s := startStore(t, k)
	r := NewRepository()

	d := obj(t, "1700000000.000000", attribute.New("Topic", "Weather"))
	insertWait(t, s, d)
	require.NoError(t, r.Insert(context.Background(), RepositoryEntry{Authority: "test", Key: "k", Value: "v"}))

	out, err := s.Dump(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "HaggleDataStore")
	assert.Contains(t, string(out), d.ID().String())
	assert.Contains(t, string(out), `authority="test"`)
}
