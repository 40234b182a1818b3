// Package haggle is a delay-tolerant, content-centric communication
// kernel for mobile, intermittently connected peers. Nodes advertise
// interests as weighted attribute sets; data objects carry attribute
// sets and optional payload. When two nodes meet over some link, each
// side forwards the stored data objects that best match the peer's
// interests; delivery emerges from attribute matching, bloom-filter
// duplicate suppression, and opportunistic contact. There is no
// central server and no routing table.
//
// # Architecture
//
// A single kernel owns a priority-ordered event queue and a set of
// long-lived managers. Managers are leaves: they never call each other
// directly, they post events and read shared stores.
//
//	┌───────────────────────────────────────┐
//	│              Kernel                   │  event heap, dispatch,
//	│          (eventbus.Kernel)            │  manager lifecycle
//	└───────────────────────────────────────┘
//	          ↑ events        ↓ dispatch
//	┌───────────────────────────────────────┐
//	│             Managers                  │  connectivity, protocol,
//	│ (node, data, forwarding, connectivity)│  node, forwarding, data
//	└───────────────────────────────────────┘
//	          ↓ read/write
//	┌───────────────────────────────────────┐
//	│              Stores                   │  InterfaceStore, NodeStore,
//	│   (store.DataStore, store.Repository) │  DataStore, Repository
//	└───────────────────────────────────────┘
//
// All event handlers run on the kernel goroutine and must not block;
// long work lives on dedicated workers: the DataStore's private query
// worker, the data manager's verification pool, one protocol worker
// pair per active contact, one cancelable discovery worker per local
// interface, and optionally the forwarder's own task worker.
//
// # Packages
//
// Model:
//   - attribute: weighted (name, value) tags and the multiset container
//   - metadata: the rooted tree that is the canonical wire form
//   - dataobject: content-addressed data objects, streaming ingest/egress
//   - bloomfilter: per-node duplicate suppression, base64 wire form
//   - node: peers, interests, matching parameters, node descriptions
//   - iface: link-layer interface identities
//
// Kernel:
//   - eventbus: typed timed events, the kernel dispatch loop
//   - store: entity stores, the match/query engine, state checkpoints
//
// Managers:
//   - connectivity: neighbor discovery over pluggable link scanners
//   - protocol: per-contact transport state machines (WebSocket in-tree)
//   - nodemanager: this-node upkeep and description exchange
//   - forwarding: target/delegate resolution via a pluggable Forwarder
//   - datamanager: verification, persistence, and aging of content
//
// Infrastructure:
//   - config: validated JSON kernel configuration
//   - errors: classified error handling
//   - health, metric: manager health and Prometheus metrics
//   - natsclient: NATS/JetStream connectivity for the repository
//   - pkg/...: worker pools, retry, caches, buffers
//
// # Binary
//
// cmd/haggled assembles a kernel from a configuration file and runs it
// until interrupted.
package haggle
