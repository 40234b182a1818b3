package node

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/bloomfilter"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/iface"
)

// IDLen is the length in bytes of a node id (SHA-1 digest).
const IDLen = sha1.Size

// ID is a 20-byte node identity.
type ID [IDLen]byte

// String returns the id's wire string form: lowercase hex, 40 chars.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// ParseID parses the 40-char lowercase hex string form.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != IDLen {
		return id, errors.WrapInvalid(fmt.Errorf("bad node id %q", s), "node", "ParseID", "parse id")
	}
	copy(id[:], raw)
	return id, nil
}

// GenerateID derives a fresh node id by hashing a random UUID; used
// once at first startup for this-node, then persisted.
func GenerateID() ID {
	return ID(sha1.Sum([]byte(uuid.NewString())))
}

// Type classifies a node.
type Type int

const (
	// TypeUndefined marks a placeholder for a neighbor whose
	// description has not yet been received.
	TypeUndefined Type = iota
	// TypePeer is an ordinary mobile Haggle node.
	TypePeer
	// TypeGateway bridges toward infrastructure.
	TypeGateway
	// TypeApplication represents a local IPC client.
	TypeApplication
)

func (t Type) String() string {
	switch t {
	case TypePeer:
		return "peer"
	case TypeGateway:
		return "gateway"
	case TypeApplication:
		return "application"
	default:
		return "undefined"
	}
}

// DefaultMatchingThreshold is the minimum match ratio (integer
// percent) a data object needs to be delivered to a node that has not
// configured its own.
const DefaultMatchingThreshold = 0

// DefaultMaxMatches caps query results per node; 0 means unbounded.
const DefaultMaxMatches = 10

// Node is a peer's mutable state. All compound read/modify
// access goes through the per-object lock.
type Node struct {
	mu sync.Mutex

	nodeType Type
	id       ID
	name     string

	interests *attribute.Set
	filter    *bloomfilter.Filter

	maxMatches uint32
	threshold  uint32

	interfaces []*iface.Interface

	// descriptionCreateTime is the create_time of the newest node
	// description this node state was built from; freshness compares
	// use it.
	descriptionCreateTime string
}

// New creates a node of the given type and identity with empty
// interests, a default-sized bloom filter, and default matching
// parameters.
func New(t Type, id ID, name string) (*Node, error) {
	f, err := bloomfilter.New(bloomfilter.DefaultErrorRate, bloomfilter.DefaultCapacity)
	if err != nil {
		return nil, err
	}
	return &Node{
		nodeType:   t,
		id:         id,
		name:       name,
		interests:  attribute.NewSet(),
		filter:     f,
		maxMatches: DefaultMaxMatches,
		threshold:  DefaultMatchingThreshold,
	}, nil
}

// NewPlaceholder creates an Undefined node holding only an observed
// interface, used by the NodeManager before the peer's description
// arrives.
func NewPlaceholder(i *iface.Interface) (*Node, error) {
	n, err := New(TypeUndefined, ID{}, "")
	if err != nil {
		return nil, err
	}
	n.AddInterface(i)
	return n, nil
}

// Type returns the node's type.
func (n *Node) Type() Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeType
}

// SetType promotes or reclassifies the node.
func (n *Node) SetType(t Type) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodeType = t
}

// ID returns the node's identity.
func (n *Node) ID() ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// SetID assigns an identity, used when promoting a placeholder after
// its description arrives.
func (n *Node) SetID(id ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = id
}

// Name returns the node's human-readable name.
func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// SetName sets the node's name.
func (n *Node) SetName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.name = name
}

// Interests returns a snapshot copy of the node's interest set.
func (n *Node) Interests() *attribute.Set {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.interests.Clone()
}

// AddInterest adds a weighted interest.
func (n *Node) AddInterest(a attribute.Attribute) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interests.Add(a)
}

// RemoveInterestName drops every interest with the given name.
func (n *Node) RemoveInterestName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interests.RemoveName(name)
}

// SetInterests replaces the interest set wholesale, as happens when a
// newer node description supersedes the stored one.
func (n *Node) SetInterests(s *attribute.Set) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interests = s.Clone()
}

// Bloomfilter returns the node's live filter. Only the thread
// inserting the corresponding data object may
// Add; readers needing a stable view use Bloomfilter().Copy().
func (n *Node) Bloomfilter() *bloomfilter.Filter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.filter
}

// SetBloomfilter replaces the filter, as happens when a received node
// description carries the peer's own.
func (n *Node) SetBloomfilter(f *bloomfilter.Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// HasSeen reports whether the node's filter claims the data object id.
func (n *Node) HasSeen(id dataobject.ID) bool {
	return n.Bloomfilter().Check(id[:])
}

// MarkSeen records the data object id in the node's filter.
func (n *Node) MarkSeen(id dataobject.ID) {
	n.Bloomfilter().Add(id[:])
}

// MaxMatches returns the per-query result cap; 0 means unbounded.
func (n *Node) MaxMatches() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxMatches
}

// SetMaxMatches sets the per-query result cap.
func (n *Node) SetMaxMatches(v uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxMatches = v
}

// Threshold returns the minimum match ratio (integer percent).
func (n *Node) Threshold() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.threshold
}

// SetThreshold sets the minimum match ratio.
func (n *Node) SetThreshold(v uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.threshold = v
}

// AddInterface associates an observed interface, ignoring duplicates.
func (n *Node) AddInterface(i *iface.Interface) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.interfaces {
		if iface.Equal(existing, i) {
			return
		}
	}
	n.interfaces = append(n.interfaces, i)
}

// RemoveInterface drops the interface with i's identity. Reports
// whether one was removed.
func (n *Node) RemoveInterface(i *iface.Interface) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for idx, existing := range n.interfaces {
		if iface.Equal(existing, i) {
			n.interfaces = append(n.interfaces[:idx], n.interfaces[idx+1:]...)
			return true
		}
	}
	return false
}

// HasInterface reports whether the node has an interface with i's
// identity.
func (n *Node) HasInterface(i *iface.Interface) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.interfaces {
		if iface.Equal(existing, i) {
			return true
		}
	}
	return false
}

// Interfaces returns a snapshot of the node's interfaces.
func (n *Node) Interfaces() []*iface.Interface {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*iface.Interface, len(n.interfaces))
	copy(out, n.interfaces)
	return out
}

// DescriptionCreateTime returns the create_time string of the newest
// description merged into this node, empty if none.
func (n *Node) DescriptionCreateTime() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.descriptionCreateTime
}

func parseUint32(s string, def uint32) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}
