package store

import (
	"sync"

	"github.com/haggle-project/haggle/iface"
)

// InterfaceStore tracks every interface the kernel knows about, local
// and remote, keyed by (type, identifier). Interface values are shared
// handles: the store and any number of owners may hold the same
// pointer.
type InterfaceStore struct {
	mu    sync.RWMutex
	byKey map[string]*iface.Interface
}

// NewInterfaceStore creates an empty store.
func NewInterfaceStore() *InterfaceStore {
	return &InterfaceStore{byKey: make(map[string]*iface.Interface)}
}

// Insert adds i, or returns the already-stored interface with the same
// identity. The returned pointer is the canonical shared handle.
func (s *InterfaceStore) Insert(i *iface.Interface) *iface.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[i.Key()]; ok {
		return existing
	}
	s.byKey[i.Key()] = i
	return i
}

// Lookup returns the stored interface with the given identity.
func (s *InterfaceStore) Lookup(t iface.Type, identifier []byte) (*iface.Interface, bool) {
	probe := iface.New(t, identifier)
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byKey[probe.Key()]
	return i, ok
}

// Remove deletes the interface with i's identity. Owners holding the
// pointer keep it; only the store's reference is dropped.
func (s *InterfaceStore) Remove(i *iface.Interface) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[i.Key()]; !ok {
		return false
	}
	delete(s.byKey, i.Key())
	return true
}

// All returns a snapshot of every stored interface.
func (s *InterfaceStore) All() []*iface.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*iface.Interface, 0, len(s.byKey))
	for _, i := range s.byKey {
		out = append(out, i)
	}
	return out
}

// Local returns the stored interfaces flagged as belonging to this
// node.
func (s *InterfaceStore) Local() []*iface.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*iface.Interface
	for _, i := range s.byKey {
		if i.HasFlag(iface.FlagLocal) {
			out = append(out, i)
		}
	}
	return out
}

// Len returns the number of stored interfaces.
func (s *InterfaceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}
