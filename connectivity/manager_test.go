package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
)

const testWait = 5 * time.Second

// fakeDiscoverer reports a scripted set of peers each scan.
type fakeDiscoverer struct {
	mu    sync.Mutex
	peers []*iface.Interface
	scans int
}

func (d *fakeDiscoverer) setPeers(peers ...*iface.Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = peers
}

func (d *fakeDiscoverer) Discover(_ context.Context, via *iface.Interface, r Reporter) error {
	d.mu.Lock()
	peers := append([]*iface.Interface(nil), d.peers...)
	d.scans++
	d.mu.Unlock()
	for _, p := range peers {
		if r.KnownInterfaceStatus(p.Type, p.Identifier) == StatusUnknown {
			// Probe always confirms in this fake.
			r.UpdateInterfaceStatus(p.Type, p.Identifier, StatusHaggle)
		}
		if r.KnownInterfaceStatus(p.Type, p.Identifier) == StatusHaggle {
			r.ReportInterface(p, via, Policy{})
		}
	}
	return nil
}

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

func postInterface(t *testing.T, k *eventbus.Kernel, et eventbus.Type, i *iface.Interface) {
	t.Helper()
	e, err := eventbus.NewInterfaceEvent(et, i, time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(e))
}

func TestNeighborUpAndTTLExpiry(t *testing.T) {
	k := startKernel(t)

	up := make(chan *iface.Interface, 4)
	down := make(chan *iface.Interface, 4)
	require.NoError(t, k.RegisterHandler(eventbus.TypeNeighborInterfaceUp, func(e *eventbus.Event) {
		up <- e.Interface()
	}))
	require.NoError(t, k.RegisterHandler(eventbus.TypeNeighborInterfaceDown, func(e *eventbus.Event) {
		down <- e.Interface()
	}))

	cfg := Config{ScanInterval: 20 * time.Millisecond, MissTTL: 2, StatusCacheTTL: time.Minute}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(k))
	defer m.Stop() //nolint:errcheck

	d := &fakeDiscoverer{}
	peer := iface.New(iface.Ethernet, []byte{10, 0, 0, 7})
	d.setPeers(peer)
	m.RegisterDiscoverer(iface.Ethernet, func(*iface.Interface) Discoverer { return d })

	local := iface.New(iface.Ethernet, []byte{10, 0, 0, 1})
	local.SetFlag(iface.FlagLocal)
	postInterface(t, k, eventbus.TypeLocalInterfaceUp, local)

	select {
	case got := <-up:
		assert.True(t, iface.Equal(peer, got))
	case <-time.After(testWait):
		t.Fatal("NeighborInterfaceUp never posted")
	}
	assert.Equal(t, 1, m.ActiveWorkers())

	// Peer vanishes; after MissTTL missed scans it must be reported
	// down exactly once.
	d.setPeers()
	select {
	case got := <-down:
		assert.True(t, iface.Equal(peer, got))
	case <-time.After(testWait):
		t.Fatal("NeighborInterfaceDown never posted")
	}
	select {
	case <-down:
		t.Fatal("neighbor reported down twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalDownCancelsWorkerAndReportsNeighborsDown(t *testing.T) {
	k := startKernel(t)

	up := make(chan *iface.Interface, 1)
	down := make(chan *iface.Interface, 1)
	require.NoError(t, k.RegisterHandler(eventbus.TypeNeighborInterfaceUp, func(e *eventbus.Event) {
		up <- e.Interface()
	}))
	require.NoError(t, k.RegisterHandler(eventbus.TypeNeighborInterfaceDown, func(e *eventbus.Event) {
		down <- e.Interface()
	}))

	cfg := Config{ScanInterval: 20 * time.Millisecond, MissTTL: 100, StatusCacheTTL: time.Minute}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(k))
	defer m.Stop() //nolint:errcheck

	d := &fakeDiscoverer{}
	peer := iface.New(iface.Bluetooth, []byte{1, 2, 3, 4, 5, 6})
	d.setPeers(peer)
	m.RegisterDiscoverer(iface.Bluetooth, func(*iface.Interface) Discoverer { return d })

	local := iface.New(iface.Bluetooth, []byte{9, 9, 9, 9, 9, 9})
	postInterface(t, k, eventbus.TypeLocalInterfaceUp, local)

	select {
	case <-up:
	case <-time.After(testWait):
		t.Fatal("neighbor never came up")
	}

	postInterface(t, k, eventbus.TypeLocalInterfaceDown, local)

	select {
	case got := <-down:
		assert.True(t, iface.Equal(peer, got))
	case <-time.After(testWait):
		t.Fatal("neighbors not reported down on local interface down")
	}
	assert.Equal(t, 0, m.ActiveWorkers())
}

func TestStatusCacheSkipsProbes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatusCacheTTL = time.Minute
	m, err := NewManager(cfg)
	require.NoError(t, err)
	defer m.Stop() //nolint:errcheck

	w := &scanWorker{neighbors: make(map[string]*neighborEntry)}
	col := &scanCollector{manager: m, worker: w, seen: make(map[string]struct{})}

	assert.Equal(t, StatusUnknown, col.KnownInterfaceStatus(iface.Ethernet, []byte{1}))
	col.UpdateInterfaceStatus(iface.Ethernet, []byte{1}, StatusNotHaggle)
	assert.Equal(t, StatusNotHaggle, col.KnownInterfaceStatus(iface.Ethernet, []byte{1}))
}
