package store

import (
	"sync"

	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/node"
)

// NodeStore tracks the nodes the kernel currently knows, addressable
// by node id and by any of their interfaces. Placeholder nodes
// with no id yet are reachable only by interface.
type NodeStore struct {
	mu   sync.RWMutex
	list []*node.Node
}

// NewNodeStore creates an empty store.
func NewNodeStore() *NodeStore {
	return &NodeStore{}
}

// Insert adds n if no stored node shares its id. Reports whether the
// node was added.
func (s *NodeStore) Insert(n *node.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := n.ID()
	if id != (node.ID{}) {
		for _, existing := range s.list {
			if existing.ID() == id {
				return false
			}
		}
	}
	s.list = append(s.list, n)
	return true
}

// Replace swaps the stored node with old's identity for replacement,
// or inserts replacement if none matched. Returns the node that was
// displaced, if any.
func (s *NodeStore) Replace(old, replacement *node.Node) *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.list {
		if existing == old || (old.ID() != (node.ID{}) && existing.ID() == old.ID()) {
			s.list[i] = replacement
			return existing
		}
	}
	s.list = append(s.list, replacement)
	return nil
}

// ByID returns the stored node with the given id.
func (s *NodeStore) ByID(id node.ID) (*node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.list {
		if n.ID() == id {
			return n, true
		}
	}
	return nil, false
}

// ByInterface returns the stored node holding an interface with i's
// identity.
func (s *NodeStore) ByInterface(i *iface.Interface) (*node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.list {
		if n.HasInterface(i) {
			return n, true
		}
	}
	return nil, false
}

// Remove deletes n from the store. Reports whether it was present.
func (s *NodeStore) Remove(n *node.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.list {
		if existing == n {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a snapshot of every stored node.
func (s *NodeStore) All() []*node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*node.Node, len(s.list))
	copy(out, s.list)
	return out
}

// ByType returns the stored nodes of the given type.
func (s *NodeStore) ByType(t node.Type) []*node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*node.Node
	for _, n := range s.list {
		if n.Type() == t {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of stored nodes.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}
