package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haggle-project/haggle/bloomfilter"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/metric"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/pkg/worker"
)

// Poster posts events back to the kernel; satisfied by
// *eventbus.Kernel.
type Poster interface {
	Post(e *eventbus.Event) error
}

// Callback receives an asynchronous operation's result: the delivered
// event's Opaque payload holds one of the *Result types below.
type Callback = eventbus.Handler

// MaxFilterDelivery caps how many data objects an initial filter scan
// or filter query delivers.
const MaxFilterDelivery = 10

// AgingBatchLimit caps how many data objects a single aging pass
// removes.
const AgingBatchLimit = 100

// InsertResult is the payload delivered by InsertDataObject callbacks.
type InsertResult struct {
	Object *dataobject.DataObject
	// Duplicate is set when an object with the same id was already
	// stored; policy still sees the callback so it can update bloom
	// filters.
	Duplicate bool
}

// DataObjectQueryResult is the payload delivered by data object
// queries: the node queried for and its candidate objects, ranked.
type DataObjectQueryResult struct {
	Node    *node.Node
	Objects []*dataobject.DataObject
}

// NodeQueryResult is the payload delivered by DoNodeQuery.
type NodeQueryResult struct {
	Object *dataobject.DataObject
	Nodes  []*node.Node
}

// RetrieveNodeResult is the payload delivered by RetrieveNode: the
// stored node, nil if unknown, plus the interface probed by, if any.
type RetrieveNodeResult struct {
	Node      *node.Node
	Interface *iface.Interface
}

// NodesResult is the payload delivered by RetrieveNodesByType.
type NodesResult struct {
	Nodes []*node.Node
}

// FilterQueryResult is the payload delivered by DoFilterQuery.
type FilterQueryResult struct {
	Filter  *Filter
	Objects []*dataobject.DataObject
}

type record struct {
	obj        *dataobject.DataObject
	insertedAt time.Time
}

type task func()

// DataStore is the attribute-indexed persistent query engine.
// All public operations are asynchronous: they enqueue onto a single
// private worker, so per-entity insertion is atomic and concurrent
// readers see pre- or post-insertion state, never partial.
type DataStore struct {
	log    *slog.Logger
	poster Poster
	pool   *worker.Pool[task]

	queryDuration prometheus.Histogram

	// repository backs the RepositoryInsert/Read/Delete operations;
	// nil when the kernel runs without one.
	repository *Repository

	mu        sync.RWMutex
	records   map[dataobject.ID]*record
	attrIndex map[string]map[dataobject.ID]struct{}
	nodes     map[node.ID]*node.Node
	filters   map[eventbus.Type]*Filter
}

// DataStoreOption configures a DataStore.
type DataStoreOption func(*DataStore)

// WithDataStoreLogger injects the structured logger.
func WithDataStoreLogger(log *slog.Logger) DataStoreOption {
	return func(s *DataStore) { s.log = log }
}

// WithDataStoreMetrics registers query latency metrics.
func WithDataStoreMetrics(r *metric.MetricsRegistry) DataStoreOption {
	return func(s *DataStore) {
		s.queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "haggle_datastore_query_duration_seconds",
			Help:    "DataStore query latency",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5},
		})
		r.RegisterHistogram("datastore", "haggle_datastore_query_duration_seconds", s.queryDuration) //nolint:errcheck
	}
}

// WithDataStoreRepository binds the repository served by the
// asynchronous repository operations.
func WithDataStoreRepository(r *Repository) DataStoreOption {
	return func(s *DataStore) { s.repository = r }
}

// NewDataStore creates a data store posting results through poster.
func NewDataStore(poster Poster, opts ...DataStoreOption) *DataStore {
	s := &DataStore{
		log:       slog.Default(),
		poster:    poster,
		records:   make(map[dataobject.ID]*record),
		attrIndex: make(map[string]map[dataobject.ID]struct{}),
		nodes:     make(map[node.ID]*node.Node),
		filters:   make(map[eventbus.Type]*Filter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = worker.NewPool[task](1, 1024, func(_ context.Context, t task) error {
		t()
		return nil
	})
	return s
}

// Start launches the private worker.
func (s *DataStore) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Close drains and stops the worker.
func (s *DataStore) Close(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}

func (s *DataStore) submit(name string, t task) error {
	if err := s.pool.Submit(t); err != nil {
		return errors.WrapTransient(err, "datastore", name, "enqueue task")
	}
	return nil
}

// deliver posts a callback event carrying opaque, if cb is set.
func (s *DataStore) deliver(cb Callback, opaque any) {
	if cb == nil {
		return
	}
	e, err := eventbus.NewCallbackEvent(cb, opaque, time.Time{})
	if err != nil {
		s.log.Error("build callback event", "component", "datastore", "error", err)
		return
	}
	if err := s.poster.Post(e); err != nil {
		s.log.Error("post callback event", "component", "datastore", "error", err)
	}
}

func attrKey(name, value string) string {
	return name + "\x00" + value
}

// indexObject links d's attributes; caller holds the write lock.
func (s *DataStore) indexObject(id dataobject.ID, d *dataobject.DataObject) {
	for _, a := range d.Attributes().All() {
		k := attrKey(a.Name, a.Value)
		ids, ok := s.attrIndex[k]
		if !ok {
			ids = make(map[dataobject.ID]struct{})
			s.attrIndex[k] = ids
		}
		ids[id] = struct{}{}
	}
}

// unindexObject removes d's attribute links; caller holds the write
// lock.
func (s *DataStore) unindexObject(id dataobject.ID, d *dataobject.DataObject) {
	for _, a := range d.Attributes().All() {
		k := attrKey(a.Name, a.Value)
		if ids, ok := s.attrIndex[k]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.attrIndex, k)
			}
		}
	}
}

// InsertDataObject inserts d: indexes its attributes, evaluates every
// registered filter against it, and emits one event per matching
// filter plus a DataObjectNew event. A duplicate id short-circuits to
// the callback with Duplicate set.
func (s *DataStore) InsertDataObject(d *dataobject.DataObject, cb Callback) error {
	return s.submit("InsertDataObject", func() {
		id := d.ID()

		s.mu.Lock()
		if _, exists := s.records[id]; exists {
			s.mu.Unlock()
			s.deliver(cb, &InsertResult{Object: d, Duplicate: true})
			return
		}
		// Non-persistent objects get their single match pass but are
		// never stored.
		if d.Persistent() {
			s.records[id] = &record{obj: d, insertedAt: time.Now()}
			s.indexObject(id, d)
		}
		filters := make([]*Filter, 0, len(s.filters))
		for _, f := range s.filters {
			filters = append(filters, f)
		}
		s.mu.Unlock()

		for _, f := range filters {
			if _, ok := MatchFilterObject(f, d.Attributes()); ok {
				s.postFilterDelivery(f, []*dataobject.DataObject{d})
			}
		}

		if e, err := eventbus.NewDataObjectEvent(eventbus.TypeDataObjectNew, d, time.Time{}); err == nil {
			s.poster.Post(e) //nolint:errcheck
		}
		s.deliver(cb, &InsertResult{Object: d})
	})
}

// postFilterDelivery posts one event on the filter's type carrying
// the matching data objects as the opaque payload.
func (s *DataStore) postFilterDelivery(f *Filter, objs []*dataobject.DataObject) {
	e, err := eventbus.NewPrivateEvent(f.EventType, objs, time.Time{})
	if err != nil {
		s.log.Error("build filter delivery", "component", "datastore",
			"event_type", f.EventType.String(), "error", err)
		return
	}
	if err := s.poster.Post(e); err != nil {
		s.log.Error("post filter delivery", "component", "datastore", "error", err)
	}
}

// DeleteDataObject removes the object and its attribute links. With
// report set, a DataObjectDeleted event carries the removed object.
func (s *DataStore) DeleteDataObject(id dataobject.ID, report bool) error {
	return s.submit("DeleteDataObject", func() {
		s.mu.Lock()
		rec, ok := s.records[id]
		if ok {
			delete(s.records, id)
			s.unindexObject(id, rec.obj)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		// The store is the long-term holder; dropping its reference
		// releases an owned payload file.
		if err := rec.obj.Release(); err != nil {
			s.log.Warn("release payload", "component", "datastore",
				"data_object_id", id.String(), "error", err)
		}
		if report {
			if e, err := eventbus.NewDataObjectListEvent(
				eventbus.TypeDataObjectDeleted, []*dataobject.DataObject{rec.obj}, time.Time{}); err == nil {
				s.poster.Post(e) //nolint:errcheck
			}
		}
	})
}

// AgeDataObjects removes persistent data objects older than minAge
// that match no registered filter, at most AgingBatchLimit per pass,
// and emits DataObjectDeleted with the removed list.
func (s *DataStore) AgeDataObjects(minAge time.Duration, cb Callback) error {
	return s.submit("AgeDataObjects", func() {
		cutoff := time.Now().Add(-minAge)

		s.mu.Lock()
		var aged []*dataobject.DataObject
		for id, rec := range s.records {
			if len(aged) >= AgingBatchLimit {
				break
			}
			if rec.insertedAt.After(cutoff) {
				continue
			}
			if s.matchedByAnyFilterLocked(rec.obj) {
				continue
			}
			delete(s.records, id)
			s.unindexObject(id, rec.obj)
			aged = append(aged, rec.obj)
		}
		s.mu.Unlock()

		for _, d := range aged {
			if err := d.Release(); err != nil {
				s.log.Warn("release payload", "component", "datastore",
					"data_object_id", d.ID().String(), "error", err)
			}
		}
		if len(aged) > 0 {
			if e, err := eventbus.NewDataObjectListEvent(eventbus.TypeDataObjectDeleted, aged, time.Time{}); err == nil {
				s.poster.Post(e) //nolint:errcheck
			}
		}
		s.deliver(cb, aged)
	})
}

func (s *DataStore) matchedByAnyFilterLocked(d *dataobject.DataObject) bool {
	for _, f := range s.filters {
		if _, ok := MatchFilterObject(f, d.Attributes()); ok {
			return true
		}
	}
	return false
}

// InsertNode stores n, replacing any stored node with the same id.
func (s *DataStore) InsertNode(n *node.Node, cb Callback) error {
	return s.submit("InsertNode", func() {
		s.mu.Lock()
		s.nodes[n.ID()] = n
		s.mu.Unlock()
		s.deliver(cb, n)
	})
}

// DeleteNode removes the stored node with n's id; its attribute and
// interface links go with it.
func (s *DataStore) DeleteNode(n *node.Node, cb Callback) error {
	return s.submit("DeleteNode", func() {
		s.mu.Lock()
		delete(s.nodes, n.ID())
		s.mu.Unlock()
		s.deliver(cb, n)
	})
}

// RetrieveNode looks a node up by id.
func (s *DataStore) RetrieveNode(id node.ID, cb Callback) error {
	return s.submit("RetrieveNode", func() {
		s.mu.RLock()
		n := s.nodes[id]
		s.mu.RUnlock()
		s.deliver(cb, &RetrieveNodeResult{Node: n})
	})
}

// RetrieveNodeByInterface looks a node up by a shared interface, the
// path the NodeManager takes when a neighbor interface comes up
// before its description is known.
func (s *DataStore) RetrieveNodeByInterface(i *iface.Interface, cb Callback) error {
	return s.submit("RetrieveNodeByInterface", func() {
		s.mu.RLock()
		var found *node.Node
		for _, n := range s.nodes {
			if n.HasInterface(i) {
				found = n
				break
			}
		}
		s.mu.RUnlock()
		s.deliver(cb, &RetrieveNodeResult{Node: found, Interface: i})
	})
}

// RetrieveNodesByType returns every stored node of the given type.
func (s *DataStore) RetrieveNodesByType(t node.Type, cb Callback) error {
	return s.submit("RetrieveNodesByType", func() {
		s.mu.RLock()
		var out []*node.Node
		for _, n := range s.nodes {
			if n.Type() == t {
				out = append(out, n)
			}
		}
		s.mu.RUnlock()
		s.deliver(cb, &NodesResult{Nodes: out})
	})
}

// InsertFilter registers f. With matchFirst set, an initial scan
// delivers up to MaxFilterDelivery already-stored matches on the
// filter's event type.
func (s *DataStore) InsertFilter(f *Filter, matchFirst bool, cb Callback) error {
	return s.submit("InsertFilter", func() {
		s.mu.Lock()
		s.filters[f.EventType] = f
		s.mu.Unlock()

		if matchFirst {
			matches := s.scanFilter(f, MaxFilterDelivery)
			if len(matches) > 0 {
				s.postFilterDelivery(f, matches)
			}
		}
		s.deliver(cb, f)
	})
}

// DeleteFilter removes the filter registered on the given event type
// and its attribute links.
func (s *DataStore) DeleteFilter(eventType eventbus.Type) error {
	return s.submit("DeleteFilter", func() {
		s.mu.Lock()
		delete(s.filters, eventType)
		s.mu.Unlock()
	})
}

// DoFilterQuery delivers up to MaxFilterDelivery stored objects
// matching f, without registering it.
func (s *DataStore) DoFilterQuery(f *Filter, cb Callback) error {
	return s.submit("DoFilterQuery", func() {
		s.deliver(cb, &FilterQueryResult{Filter: f, Objects: s.scanFilter(f, MaxFilterDelivery)})
	})
}

func (s *DataStore) scanFilter(f *Filter, limit int) []*dataobject.DataObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dataobject.DataObject
	for _, rec := range s.records {
		if len(out) >= limit {
			break
		}
		if _, ok := MatchFilterObject(f, rec.obj.Attributes()); ok {
			out = append(out, rec.obj)
		}
	}
	return out
}

// rankedMatch pairs an object with its score for sorting.
type rankedMatch struct {
	obj *dataobject.DataObject
	m   NodeMatch
}

// candidatesLocked collects the distinct stored objects sharing at
// least one (name, value) with the node's interests, via the
// attribute index. Caller holds a read lock.
func (s *DataStore) candidatesLocked(n *node.Node) map[dataobject.ID]*dataobject.DataObject {
	out := make(map[dataobject.ID]*dataobject.DataObject)
	for _, interest := range n.Interests().All() {
		for id := range s.attrIndex[attrKey(interest.Name, interest.Value)] {
			if rec, ok := s.records[id]; ok {
				out[id] = rec.obj
			}
		}
	}
	return out
}

// queryForNode ranks stored objects for n, excluding ids claimed by
// the exclusion filters (the node's own bloom filter plus any
// also-seen filter).
func (s *DataStore) queryForNode(n *node.Node, minMatches int, exclude []*bloomfilter.Filter, limit int) []*dataobject.DataObject {
	start := time.Now()
	s.mu.RLock()
	candidates := s.candidatesLocked(n)
	s.mu.RUnlock()

	var ranked []rankedMatch
	for id, obj := range candidates {
		excluded := false
		for _, f := range exclude {
			if f != nil && f.Check(id[:]) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		if m, ok := MatchNodeObject(n, obj, minMatches); ok {
			ranked = append(ranked, rankedMatch{obj: obj, m: m})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].m.Ratio != ranked[j].m.Ratio {
			return ranked[i].m.Ratio > ranked[j].m.Ratio
		}
		if ranked[i].m.Count != ranked[j].m.Count {
			return ranked[i].m.Count > ranked[j].m.Count
		}
		ci, _ := ranked[i].obj.CreateTime()
		cj, _ := ranked[j].obj.CreateTime()
		return node.CompareCreateTimes(ci, cj) > 0
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*dataobject.DataObject, len(ranked))
	for i, r := range ranked {
		out[i] = r.obj
	}
	if s.queryDuration != nil {
		s.queryDuration.Observe(time.Since(start).Seconds())
	}
	return out
}

// DoDataObjectQuery ranks stored objects for n under its threshold
// and maxMatches, excluding anything n's bloom filter (or the
// auxiliary alsoSeen filter) already claims.
func (s *DataStore) DoDataObjectQuery(n *node.Node, minMatches int, alsoSeen *bloomfilter.Filter, cb Callback) error {
	return s.submit("DoDataObjectQuery", func() {
		objs := s.queryForNode(n, minMatches,
			[]*bloomfilter.Filter{n.Bloomfilter(), alsoSeen}, int(n.MaxMatches()))
		s.deliver(cb, &DataObjectQueryResult{Node: n, Objects: objs})
	})
}

// DoDataObjectQueryForNodes accumulates matches for the secondary
// nodes that have not already been delivered to primary, for
// delegate-carry resolution.
func (s *DataStore) DoDataObjectQueryForNodes(primary *node.Node, secondaries []*node.Node, minMatches int, cb Callback) error {
	return s.submit("DoDataObjectQueryForNodes", func() {
		seen := make(map[dataobject.ID]struct{})
		var accumulated []*dataobject.DataObject
		exclude := []*bloomfilter.Filter{primary.Bloomfilter()}
		for _, secondary := range secondaries {
			for _, obj := range s.queryForNode(secondary, minMatches, exclude, int(secondary.MaxMatches())) {
				id := obj.ID()
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				accumulated = append(accumulated, obj)
			}
		}
		if max := int(primary.MaxMatches()); max > 0 && len(accumulated) > max {
			accumulated = accumulated[:max]
		}
		s.deliver(cb, &DataObjectQueryResult{Node: primary, Objects: accumulated})
	})
}

// DoNodeQuery returns the stored Peer and Gateway nodes for which d
// is a candidate at or above the given ratio and match count.
func (s *DataStore) DoNodeQuery(d *dataobject.DataObject, minRatio uint32, minMatches, max int, cb Callback) error {
	return s.submit("DoNodeQuery", func() {
		s.mu.RLock()
		all := make([]*node.Node, 0, len(s.nodes))
		for _, n := range s.nodes {
			all = append(all, n)
		}
		s.mu.RUnlock()

		type rankedNode struct {
			n *node.Node
			m NodeMatch
		}
		var ranked []rankedNode
		for _, n := range all {
			if t := n.Type(); t != node.TypePeer && t != node.TypeGateway {
				continue
			}
			m, ok := MatchNodeObject(n, d, minMatches)
			if !ok || m.Ratio < minRatio {
				continue
			}
			ranked = append(ranked, rankedNode{n: n, m: m})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].m.Ratio != ranked[j].m.Ratio {
				return ranked[i].m.Ratio > ranked[j].m.Ratio
			}
			return ranked[i].m.Count > ranked[j].m.Count
		})
		if max > 0 && len(ranked) > max {
			ranked = ranked[:max]
		}
		out := make([]*node.Node, len(ranked))
		for i, r := range ranked {
			out[i] = r.n
		}
		s.deliver(cb, &NodeQueryResult{Object: d, Nodes: out})
	})
}

// RepositoryResult is the payload delivered by RepositoryRead.
type RepositoryResult struct {
	Entries []RepositoryEntry
	Err     error
}

// RepositoryInsert checkpoints an entry through the private worker.
func (s *DataStore) RepositoryInsert(entry RepositoryEntry, cb Callback) error {
	if s.repository == nil {
		return errors.WrapInvalid(fmt.Errorf("no repository bound"), "datastore", "RepositoryInsert", "checkpoint entry")
	}
	return s.submit("RepositoryInsert", func() {
		err := s.repository.Insert(context.Background(), entry)
		s.deliver(cb, &RepositoryResult{Err: err})
	})
}

// RepositoryRead reads an authority's entries; key narrows to one row
// when non-empty.
func (s *DataStore) RepositoryRead(authority, key string, cb Callback) error {
	if s.repository == nil {
		return errors.WrapInvalid(fmt.Errorf("no repository bound"), "datastore", "RepositoryRead", "read entries")
	}
	return s.submit("RepositoryRead", func() {
		entries, err := s.repository.Read(context.Background(), authority, key)
		s.deliver(cb, &RepositoryResult{Entries: entries, Err: err})
	})
}

// RepositoryDelete removes an authority's entries; key narrows to one
// row when non-empty.
func (s *DataStore) RepositoryDelete(authority, key string, cb Callback) error {
	if s.repository == nil {
		return errors.WrapInvalid(fmt.Errorf("no repository bound"), "datastore", "RepositoryDelete", "delete entries")
	}
	return s.submit("RepositoryDelete", func() {
		err := s.repository.Delete(context.Background(), authority, key)
		s.deliver(cb, &RepositoryResult{Err: err})
	})
}

// Len returns the number of stored data objects, for tests and the
// dump.
func (s *DataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// debugString renders a one-line summary, used in dump logging.
func (s *DataStore) debugString() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("objects=%d attrs=%d nodes=%d filters=%d",
		len(s.records), len(s.attrIndex), len(s.nodes), len(s.filters))
}
