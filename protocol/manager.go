package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/node"
)

// ManagerName identifies the protocol manager in logs and health.
const ManagerName = "protocol"

// Manager owns the per-contact protocols: it dials client
// contacts on demand when a send event names a reachable target,
// adopts server contacts accepted by a listener, and tears contacts
// down when their neighbor interface goes away.
type Manager struct {
	kernel *eventbus.Kernel
	log    *slog.Logger
	cfg    Config

	dialersMu sync.RWMutex
	dialers   map[iface.Type]Dialer

	mu       sync.Mutex
	contacts map[string]*Protocol

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a protocol manager with the given tuning.
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dialers:  make(map[iface.Type]Dialer),
		contacts: make(map[string]*Protocol),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Name implements eventbus.Manager.
func (m *Manager) Name() string { return ManagerName }

// RegisterDialer binds a dialer for a link type. Concrete link
// protocols register theirs before kernel startup.
func (m *Manager) RegisterDialer(t iface.Type, d Dialer) {
	m.dialersMu.Lock()
	defer m.dialersMu.Unlock()
	m.dialers[t] = d
}

// Start implements eventbus.Manager: binds the send and
// interface-down handlers.
func (m *Manager) Start(k *eventbus.Kernel) error {
	m.kernel = k
	m.log = k.Logger().With("component", ManagerName)
	if err := k.RegisterHandler(eventbus.TypeDataObjectSend, m.onSend); err != nil {
		return err
	}
	if err := k.RegisterHandler(eventbus.TypeNeighborInterfaceDown, m.onNeighborDown); err != nil {
		return err
	}
	k.Health().UpdateHealthy(ManagerName, "idle")
	return nil
}

// PrepareShutdown implements eventbus.Manager: closes every contact,
// failing their queued sends, then signals readiness.
func (m *Manager) PrepareShutdown() {
	m.closeAll()
	m.kernel.ShutdownReady(ManagerName)
}

// Stop implements eventbus.Manager.
func (m *Manager) Stop() error {
	m.cancel()
	m.closeAll()
	return nil
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	contacts := make([]*Protocol, 0, len(m.contacts))
	for _, p := range m.contacts {
		contacts = append(contacts, p)
	}
	m.contacts = make(map[string]*Protocol)
	m.mu.Unlock()
	for _, p := range contacts {
		p.Close()
	}
}

// onSend serves DataObjectSend events: the data object is queued on a
// contact for every target node with a reachable interface.
func (m *Manager) onSend(e *eventbus.Event) {
	d := e.DataObject()
	if d == nil {
		return
	}
	for _, target := range e.Nodes() {
		if target == nil {
			continue
		}
		if err := m.sendTo(d, target); err != nil {
			m.log.Warn("send dispatch failed",
				"data_object_id", d.ID().String(),
				"node_id", target.ID().String(), "error", err)
			m.postFailure(d, target)
		}
	}
}

// sendTo queues d on the target's contact, dialing one if needed.
func (m *Manager) sendTo(d *dataobject.DataObject, target *node.Node) error {
	p, err := m.contactFor(target)
	if err != nil {
		return err
	}
	return p.Send(d, target)
}

// onNeighborDown aborts the contact bound to the vanished interface;
// its pending sends surface as failures.
func (m *Manager) onNeighborDown(e *eventbus.Event) {
	remote := e.Interface()
	if remote == nil {
		return
	}
	m.mu.Lock()
	p, ok := m.contacts[remote.Key()]
	if ok {
		delete(m.contacts, remote.Key())
	}
	m.mu.Unlock()
	if ok {
		m.log.Info("contact aborted, interface down", "interface", remote.Key())
		go p.Close()
	}
}

// AddTransport adopts an accepted (server-side) transport as a new
// contact.
func (m *Manager) AddTransport(t Transport) error {
	p, err := New(t, m.kernel, false, m.cfg, m.log)
	if err != nil {
		return err
	}
	return m.adopt(t.RemoteInterface(), p)
}

func (m *Manager) adopt(remote *iface.Interface, p *Protocol) error {
	key := remote.Key()
	p.SetOnDone(func(done *Protocol) {
		m.mu.Lock()
		if m.contacts[key] == done {
			delete(m.contacts, key)
		}
		m.mu.Unlock()
	})

	m.mu.Lock()
	if _, exists := m.contacts[key]; exists {
		m.mu.Unlock()
		p.Close()
		return errors.WrapTransient(fmt.Errorf("contact %s already active", key),
			"protocol", "adopt", "register contact")
	}
	m.contacts[key] = p
	m.mu.Unlock()

	if err := p.Start(m.ctx); err != nil {
		m.mu.Lock()
		delete(m.contacts, key)
		m.mu.Unlock()
		return err
	}
	m.log.Info("contact established", "interface", key, "session", p.SessionID())
	return nil
}

// contactFor returns the active contact for the target, dialing one
// if a dialer covers any of its interfaces.
func (m *Manager) contactFor(target *node.Node) (*Protocol, error) {
	for _, remote := range target.Interfaces() {
		m.mu.Lock()
		p, ok := m.contacts[remote.Key()]
		m.mu.Unlock()
		if ok {
			return p, nil
		}
	}
	for _, remote := range target.Interfaces() {
		m.dialersMu.RLock()
		dialer, ok := m.dialers[remote.Type]
		m.dialersMu.RUnlock()
		if !ok {
			continue
		}
		t, err := dialer.Dial(m.ctx, remote)
		if err != nil {
			m.log.Warn("dial failed", "interface", remote.Key(), "error", err)
			continue
		}
		p, err := New(t, m.kernel, true, m.cfg, m.log)
		if err != nil {
			return nil, err
		}
		if err := m.adopt(remote, p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, errors.WrapTransient(errors.ErrNoConnection, "protocol", "contactFor", "reach target")
}

func (m *Manager) postFailure(d *dataobject.DataObject, target *node.Node) {
	e, err := eventbus.NewResolutionEvent(
		eventbus.TypeDataObjectSendFailure, d, []*node.Node{target}, time.Time{})
	if err != nil {
		return
	}
	m.kernel.Post(e) //nolint:errcheck
}

// ContactCount returns the number of active contacts, for tests and
// health reporting.
func (m *Manager) ContactCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contacts)
}
