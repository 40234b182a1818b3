package datamanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/pkg/worker"
	"github.com/haggle-project/haggle/store"
)

// ManagerName identifies the data manager in logs and health.
const ManagerName = "datamanager"

// Config tunes verification and aging.
type Config struct {
	// AgingInterval is how often the aging pass runs; zero disables
	// aging.
	AgingInterval time.Duration
	// AgingMinAge is the minimum age before an unfiltered persistent
	// data object is removed.
	AgingMinAge time.Duration
	// VerifyWorkers sizes the verification pool.
	VerifyWorkers int
}

// DefaultConfig returns the tuning used when the kernel has none.
func DefaultConfig() Config {
	return Config{
		AgingInterval: time.Hour,
		AgingMinAge:   24 * time.Hour,
		VerifyWorkers: 2,
	}
}

// Manager drives ingest verification and persistence:
// DataObjectIncoming feeds the verify pool, verified objects insert
// into the data store (which emits DataObjectNew on non-duplicates),
// and a timer drives aging.
type Manager struct {
	kernel *eventbus.Kernel
	log    *slog.Logger
	cfg    Config

	dataStore *store.DataStore
	// thisNode supplies the local node whose bloom filter records
	// every object passing through here; the inserting path owns the
	// filter write.
	thisNode func() *node.Node

	verifyPool *worker.Pool[*dataobject.DataObject]
	stopAging  chan struct{}
}

// NewManager creates a data manager over the given store. thisNode
// may be nil when local duplicate suppression is handled elsewhere.
func NewManager(cfg Config, ds *store.DataStore, thisNode func() *node.Node) *Manager {
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = DefaultConfig().VerifyWorkers
	}
	return &Manager{
		cfg:       cfg,
		dataStore: ds,
		thisNode:  thisNode,
		stopAging: make(chan struct{}),
	}
}

// Name implements eventbus.Manager.
func (m *Manager) Name() string { return ManagerName }

// Start implements eventbus.Manager.
func (m *Manager) Start(k *eventbus.Kernel) error {
	m.kernel = k
	m.log = k.Logger().With("component", ManagerName)

	m.verifyPool = worker.NewPool[*dataobject.DataObject](m.cfg.VerifyWorkers, 256, m.verify)
	if err := m.verifyPool.Start(context.Background()); err != nil {
		return err
	}

	if err := k.RegisterHandler(eventbus.TypeDataObjectIncoming, m.onIncoming); err != nil {
		return err
	}
	if err := k.RegisterHandler(eventbus.TypeDataObjectVerified, m.onVerified); err != nil {
		return err
	}

	if m.cfg.AgingInterval > 0 {
		go m.agingLoop()
	}
	k.Health().UpdateHealthy(ManagerName, "ready")
	return nil
}

// PrepareShutdown implements eventbus.Manager.
func (m *Manager) PrepareShutdown() {
	close(m.stopAging)
	m.kernel.ShutdownReady(ManagerName)
}

// Stop implements eventbus.Manager.
func (m *Manager) Stop() error {
	select {
	case <-m.stopAging:
	default:
		close(m.stopAging)
	}
	return m.verifyPool.Stop(5 * time.Second)
}

// onIncoming offloads payload verification; large payloads must not
// hash on the kernel thread.
func (m *Manager) onIncoming(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil {
		return
	}
	if err := m.verifyPool.Submit(d); err != nil {
		m.log.Warn("verify pool full, dropping",
			"data_object_id", d.ID().String(), "error", err)
	}
}

// verify runs on the pool: hash the payload, drop mismatches and
// release their owned payload file, post DataObjectVerified for the rest.
func (m *Manager) verify(_ context.Context, d *dataobject.DataObject) error {
	if err := d.Verify(); err != nil {
		m.log.Warn("verification error",
			"data_object_id", d.ID().String(), "error", err)
		return err
	}
	if d.DataState() == dataobject.DataStateVerifiedBad {
		m.log.Warn("payload hash mismatch, dropping",
			"data_object_id", d.ID().String())
		if err := d.Release(); err != nil {
			m.log.Warn("release bad payload", "error", err)
		}
		return nil
	}
	e, err := eventbus.NewDataObjectEvent(eventbus.TypeDataObjectVerified, d, time.Time{})
	if err != nil {
		return err
	}
	return m.kernel.Post(e)
}

// onVerified records the object in the local bloom filter and hands
// it to the data store; the store emits DataObjectNew on
// non-duplicates and marks duplicates so policy still runs.
func (m *Manager) onVerified(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil {
		return
	}
	if m.thisNode != nil {
		if local := m.thisNode(); local != nil {
			local.MarkSeen(d.ID())
		}
	}
	if err := m.dataStore.InsertDataObject(d, func(e *eventbus.Event) {
		res := e.Opaque().(*store.InsertResult)
		if res.Duplicate {
			m.log.Debug("duplicate data object",
				"data_object_id", res.Object.ID().String())
		}
	}); err != nil {
		m.log.Error("insert data object",
			"data_object_id", d.ID().String(), "error", err)
	}
}

func (m *Manager) agingLoop() {
	ticker := time.NewTicker(m.cfg.AgingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopAging:
			return
		case <-ticker.C:
			if err := m.dataStore.AgeDataObjects(m.cfg.AgingMinAge, nil); err != nil {
				m.log.Warn("aging pass", "error", err)
			}
		}
	}
}
