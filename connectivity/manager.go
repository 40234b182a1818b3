package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/pkg/cache"
)

// ManagerName identifies the connectivity manager in logs and health.
const ManagerName = "connectivity"

// Config tunes discovery.
type Config struct {
	// ScanInterval is the pause between scans on each local
	// interface.
	ScanInterval time.Duration
	// MissTTL is how many consecutive scan misses a neighbor
	// interface survives before NeighborInterfaceDown.
	MissTTL int
	// StatusCacheTTL bounds how long a learned Haggle/NotHaggle
	// classification is trusted before re-probing.
	StatusCacheTTL time.Duration
}

// DefaultConfig returns the discovery tuning used when the kernel has
// none configured.
func DefaultConfig() Config {
	return Config{
		ScanInterval:   30 * time.Second,
		MissTTL:        3,
		StatusCacheTTL: 10 * time.Minute,
	}
}

type neighborEntry struct {
	remote *iface.Interface
	ttl    int
	maxTTL int
}

type scanWorker struct {
	local     *iface.Interface
	cancel    context.CancelFunc
	done      chan struct{}
	neighbors map[string]*neighborEntry
}

// Manager runs one cancelable scan worker per local interface and
// owns the learned peer-status cache discoverers consult.
type Manager struct {
	kernel *eventbus.Kernel
	log    *slog.Logger
	cfg    Config

	factoriesMu sync.RWMutex
	factories   map[iface.Type]DiscovererFactory

	statusCache cache.Cache[PeerStatus]
	cacheCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*scanWorker
}

// NewManager creates a connectivity manager.
func NewManager(cfg Config) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	statusCache, err := cache.NewTTL[PeerStatus](ctx, cfg.StatusCacheTTL, cfg.StatusCacheTTL)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "connectivity", "NewManager", "create status cache")
	}
	return &Manager{
		cfg:         cfg,
		factories:   make(map[iface.Type]DiscovererFactory),
		statusCache: statusCache,
		cacheCancel: cancel,
		workers:     make(map[string]*scanWorker),
	}, nil
}

// Name implements eventbus.Manager.
func (m *Manager) Name() string { return ManagerName }

// RegisterDiscoverer binds a discoverer factory for a link type.
func (m *Manager) RegisterDiscoverer(t iface.Type, f DiscovererFactory) {
	m.factoriesMu.Lock()
	defer m.factoriesMu.Unlock()
	m.factories[t] = f
}

// Start implements eventbus.Manager.
func (m *Manager) Start(k *eventbus.Kernel) error {
	m.kernel = k
	m.log = k.Logger().With("component", ManagerName)
	if err := k.RegisterHandler(eventbus.TypeLocalInterfaceUp, m.onLocalUp); err != nil {
		return err
	}
	if err := k.RegisterHandler(eventbus.TypeLocalInterfaceDown, m.onLocalDown); err != nil {
		return err
	}
	k.Health().UpdateHealthy(ManagerName, "no local interfaces")
	return nil
}

// PrepareShutdown implements eventbus.Manager.
func (m *Manager) PrepareShutdown() {
	m.stopAllWorkers()
	m.kernel.ShutdownReady(ManagerName)
}

// Stop implements eventbus.Manager.
func (m *Manager) Stop() error {
	m.stopAllWorkers()
	m.cacheCancel()
	return m.statusCache.Close()
}

func (m *Manager) stopAllWorkers() {
	m.mu.Lock()
	workers := make([]*scanWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*scanWorker)
	m.mu.Unlock()
	for _, w := range workers {
		w.cancel()
		<-w.done
	}
}

// onLocalUp starts a scan worker for the interface if a discoverer
// factory covers its link type.
func (m *Manager) onLocalUp(e *eventbus.Event) {
	local := e.Interface()
	if local == nil {
		return
	}
	m.factoriesMu.RLock()
	factory, ok := m.factories[local.Type]
	m.factoriesMu.RUnlock()
	if !ok {
		m.log.Info("no discoverer for link type", "interface", local.Key(), "type", local.Type.String())
		return
	}

	m.mu.Lock()
	if _, exists := m.workers[local.Key()]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &scanWorker{
		local:     local,
		cancel:    cancel,
		done:      make(chan struct{}),
		neighbors: make(map[string]*neighborEntry),
	}
	m.workers[local.Key()] = w
	active := len(m.workers)
	m.mu.Unlock()

	m.kernel.Health().UpdateHealthy(ManagerName, "scanning")
	m.log.Info("discovery started", "interface", local.Key(), "workers", active)
	go m.runWorker(ctx, w, factory(local))
}

// onLocalDown cancels the discoverer bound to the interface.
func (m *Manager) onLocalDown(e *eventbus.Event) {
	local := e.Interface()
	if local == nil {
		return
	}
	m.mu.Lock()
	w, ok := m.workers[local.Key()]
	if ok {
		delete(m.workers, local.Key())
	}
	m.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
		m.log.Info("discovery stopped", "interface", local.Key())
	}
}

func (m *Manager) runWorker(ctx context.Context, w *scanWorker, d Discoverer) {
	defer close(w.done)
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		m.scanOnce(ctx, w, d)
		select {
		case <-ctx.Done():
			m.reportAllDown(w)
			return
		case <-ticker.C:
		}
	}
}

// scanOnce runs one discovery pass and then applies the TTL policy to
// neighbors the scan missed.
func (m *Manager) scanOnce(ctx context.Context, w *scanWorker, d Discoverer) {
	col := &scanCollector{manager: m, worker: w, seen: make(map[string]struct{})}
	if err := d.Discover(ctx, w.local, col); err != nil && ctx.Err() == nil {
		m.log.Warn("scan failed", "interface", w.local.Key(), "error", err)
	}

	for key, entry := range w.neighbors {
		if _, ok := col.seen[key]; ok {
			entry.ttl = entry.maxTTL
			continue
		}
		entry.ttl--
		if entry.ttl > 0 {
			continue
		}
		delete(w.neighbors, key)
		m.postNeighborEvent(eventbus.TypeNeighborInterfaceDown, entry.remote)
	}
}

func (m *Manager) reportAllDown(w *scanWorker) {
	for key, entry := range w.neighbors {
		delete(w.neighbors, key)
		m.postNeighborEvent(eventbus.TypeNeighborInterfaceDown, entry.remote)
	}
}

func (m *Manager) postNeighborEvent(t eventbus.Type, remote *iface.Interface) {
	e, err := eventbus.NewInterfaceEvent(t, remote, time.Time{})
	if err != nil {
		return
	}
	if perr := m.kernel.Post(e); perr != nil {
		m.log.Error("post neighbor event", "event", t.String(), "error", perr)
	}
}

// scanCollector is the per-scan Reporter implementation.
type scanCollector struct {
	manager *Manager
	worker  *scanWorker
	seen    map[string]struct{}
}

func statusKey(t iface.Type, identifier []byte) string {
	return iface.New(t, identifier).Key()
}

// KnownInterfaceStatus implements Reporter against the learned cache.
func (c *scanCollector) KnownInterfaceStatus(t iface.Type, identifier []byte) PeerStatus {
	s, ok := c.manager.statusCache.Get(statusKey(t, identifier))
	if !ok {
		return StatusUnknown
	}
	return s
}

// UpdateInterfaceStatus implements Reporter.
func (c *scanCollector) UpdateInterfaceStatus(t iface.Type, identifier []byte, s PeerStatus) {
	c.manager.statusCache.Set(statusKey(t, identifier), s) //nolint:errcheck
}

// ReportInterface implements Reporter: a confirmed peer refreshes its
// TTL; a first sighting posts NeighborInterfaceUp.
func (c *scanCollector) ReportInterface(found *iface.Interface, _ *iface.Interface, policy Policy) {
	key := found.Key()
	c.seen[key] = struct{}{}

	maxTTL := policy.MissTTL
	if maxTTL <= 0 {
		maxTTL = c.manager.cfg.MissTTL
	}
	if entry, ok := c.worker.neighbors[key]; ok {
		entry.ttl = maxTTL
		entry.maxTTL = maxTTL
		return
	}
	c.worker.neighbors[key] = &neighborEntry{remote: found, ttl: maxTTL, maxTTL: maxTTL}
	c.manager.postNeighborEvent(eventbus.TypeNeighborInterfaceUp, found)
}

// ActiveWorkers returns the number of running scan workers.
func (m *Manager) ActiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
