package forwarding

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/metadata"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

// Poster posts events back to the kernel; satisfied by
// *eventbus.Kernel.
type Poster interface {
	Post(e *eventbus.Event) error
}

// routingElement is the metadata element a rank routing-metric data
// object carries.
const routingElement = "Routing"

// rankStateKey is the repository key the learned table persists
// under.
const rankStateKey = "state"

// Rank is the in-tree forwarder: a node's rank toward a target grows
// with repeated encounters, peers exchange their rank tables, and a
// neighbor whose rank toward a target exceeds ours is a delegate for
// content addressed there.
type Rank struct {
	log       *slog.Logger
	poster    Poster
	selfID    func() node.ID
	neighbors func() []*node.Node

	mu sync.Mutex
	// encounters counts our own contacts per peer; it is our rank
	// toward that peer.
	encounters map[node.ID]uint32
	// learned holds each known peer's advertised ranks:
	// learned[peer][target] = rank.
	learned map[node.ID]map[node.ID]uint32
}

// NewRank creates a rank forwarder. selfID supplies this node's
// identity; neighbors supplies the current contact set.
func NewRank(poster Poster, selfID func() node.ID, neighbors func() []*node.Node, log *slog.Logger) *Rank {
	if log == nil {
		log = slog.Default()
	}
	return &Rank{
		log:        log.With("component", "forwarder", "module", "rank"),
		poster:     poster,
		selfID:     selfID,
		neighbors:  neighbors,
		encounters: make(map[node.ID]uint32),
		learned:    make(map[node.ID]map[node.ID]uint32),
	}
}

// Name implements Forwarder.
func (r *Rank) Name() string { return "rank" }

// HasRoutingInformation implements Forwarder.
func (r *Rank) HasRoutingInformation(d *dataobject.DataObject) bool {
	ext := d.Extension(routingElement)
	if ext == nil {
		return false
	}
	module, _ := ext.GetParameter("module")
	return module == r.Name()
}

// AddRoutingInformation implements Forwarder: attaches our current
// rank table to d.
func (r *Rank) AddRoutingInformation(d *dataobject.DataObject) bool {
	ext := metadata.New(routingElement)
	ext.SetParameter("module", r.Name())
	ext.SetParameter("node_id", r.selfID().String())

	r.mu.Lock()
	for target, rank := range r.encounters {
		entry := ext.NewChild("Rank")
		entry.SetParameter("node_id", target.String())
		entry.SetParameter("value", strconv.FormatUint(uint64(rank), 10))
	}
	r.mu.Unlock()

	d.SetExtension(ext)
	return true
}

// NewRoutingInformation implements Forwarder: learns a peer's
// advertised ranks.
func (r *Rank) NewRoutingInformation(d *dataobject.DataObject) {
	ext := d.Extension(routingElement)
	if ext == nil {
		return
	}
	senderStr, _ := ext.GetParameter("node_id")
	sender, err := node.ParseID(senderStr)
	if err != nil {
		r.log.Warn("routing info without sender id", "error", err)
		return
	}

	table := make(map[node.ID]uint32)
	for _, entry := range ext.ChildrenByName("Rank") {
		idStr, _ := entry.GetParameter("node_id")
		target, err := node.ParseID(idStr)
		if err != nil {
			continue
		}
		v, _ := entry.GetParameter("value")
		rank, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			continue
		}
		table[target] = uint32(rank)
	}

	r.mu.Lock()
	r.learned[sender] = table
	r.mu.Unlock()
	r.log.Debug("learned rank table", "node_id", sender.String(), "entries", len(table))
}

// NewNeighbor implements Forwarder: an encounter raises our rank
// toward the neighbor.
func (r *Rank) NewNeighbor(n *node.Node) {
	if n.Type() == node.TypeUndefined {
		return
	}
	r.mu.Lock()
	r.encounters[n.ID()]++
	r.mu.Unlock()
}

// EndNeighbor implements Forwarder. Rank keeps its learned state
// across contact ends.
func (r *Rank) EndNeighbor(*node.Node) {}

// GenerateTargetsFor implements Forwarder: the known targets this
// neighbor out-ranks us toward.
func (r *Rank) GenerateTargetsFor(n *node.Node) {
	neighborID := n.ID()
	r.mu.Lock()
	table := r.learned[neighborID]
	var targets []node.ID
	for target, theirRank := range table {
		if target == r.selfID() || target == neighborID {
			continue
		}
		if theirRank > r.encounters[target] {
			targets = append(targets, target)
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	targetNodes := r.resolve(targets)
	if len(targetNodes) == 0 {
		return
	}
	e, err := eventbus.NewTargetNodesEvent(n, targetNodes, time.Time{})
	if err != nil {
		return
	}
	r.poster.Post(e) //nolint:errcheck
}

// resolve turns target ids into placeholder node values carrying just
// the id; the data store fills in stored interests during the query.
func (r *Rank) resolve(ids []node.ID) []*node.Node {
	out := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		n, err := node.New(node.TypePeer, id, "")
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// GenerateDelegatesFor implements Forwarder: current neighbors whose
// rank toward target beats ours.
func (r *Rank) GenerateDelegatesFor(d *dataobject.DataObject, target *node.Node) {
	targetID := target.ID()
	current := r.neighbors()

	r.mu.Lock()
	ours := r.encounters[targetID]
	var delegates []*node.Node
	for _, neighbor := range current {
		if neighbor.Type() == node.TypeUndefined || neighbor.ID() == targetID {
			continue
		}
		if r.learned[neighbor.ID()][targetID] > ours {
			delegates = append(delegates, neighbor)
		}
	}
	r.mu.Unlock()

	if len(delegates) == 0 {
		return
	}
	e, err := eventbus.NewDelegateNodesEvent(d, target, delegates, time.Time{})
	if err != nil {
		return
	}
	r.poster.Post(e) //nolint:errcheck
}

// GenerateRoutingInformationDataObject implements Forwarder: a
// non-persistent data object carrying our rank table.
func (r *Rank) GenerateRoutingInformationDataObject(*node.Node) *dataobject.DataObject {
	d := dataobject.New()
	d.SetPersistent(false)
	d.SetCreateTime(node.FormatCreateTime(time.Now()))
	r.AddRoutingInformation(d)
	return d
}

// rankState is the JSON checkpoint shape.
type rankState struct {
	Encounters map[string]uint32            `json:"encounters"`
	Learned    map[string]map[string]uint32 `json:"learned"`
}

// GetSaveState implements Forwarder.
func (r *Rank) GetSaveState(context.Context) ([]store.RepositoryEntry, error) {
	r.mu.Lock()
	state := rankState{
		Encounters: make(map[string]uint32, len(r.encounters)),
		Learned:    make(map[string]map[string]uint32, len(r.learned)),
	}
	for id, v := range r.encounters {
		state.Encounters[id.String()] = v
	}
	for peer, table := range r.learned {
		inner := make(map[string]uint32, len(table))
		for target, v := range table {
			inner[target.String()] = v
		}
		state.Learned[peer.String()] = inner
	}
	r.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, errors.WrapInvalid(err, "forwarder", "GetSaveState", "encode state")
	}
	return []store.RepositoryEntry{{Authority: r.Name(), Key: rankStateKey, Value: string(raw)}}, nil
}

// SetSaveState implements Forwarder.
func (r *Rank) SetSaveState(_ context.Context, entries []store.RepositoryEntry) error {
	for _, entry := range entries {
		if entry.Key != rankStateKey {
			continue
		}
		var state rankState
		if err := json.Unmarshal([]byte(entry.Value), &state); err != nil {
			return errors.WrapInvalid(err, "forwarder", "SetSaveState", "decode state")
		}
		r.mu.Lock()
		for idStr, v := range state.Encounters {
			if id, err := node.ParseID(idStr); err == nil {
				r.encounters[id] = v
			}
		}
		for peerStr, table := range state.Learned {
			peer, err := node.ParseID(peerStr)
			if err != nil {
				continue
			}
			inner := make(map[node.ID]uint32, len(table))
			for targetStr, v := range table {
				if target, err := node.ParseID(targetStr); err == nil {
					inner[target] = v
				}
			}
			r.learned[peer] = inner
		}
		r.mu.Unlock()
	}
	return nil
}
