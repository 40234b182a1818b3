package forwarding

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/store"
)

type taskKind int

const (
	taskNewRoutingInfo taskKind = iota
	taskNewNeighbor
	taskEndNeighbor
	taskGenerateTargets
	taskGenerateDelegates
	taskGenerateRoutingInfoDataObject
)

type asyncTask struct {
	kind   taskKind
	d      *dataobject.DataObject
	n      *node.Node
	target *node.Node
}

// Asynchronous moves a Forwarder onto its own worker: calls
// from the kernel thread enqueue typed tasks, the worker executes
// them in order, and Quit drains and persists before terminating.
//
// GenerateRoutingInformationDataObject cannot return across the
// worker boundary; the result is delivered through the deliver
// callback instead, and the direct call always returns nil.
type Asynchronous struct {
	log   *slog.Logger
	inner Forwarder
	repo  *store.Repository

	// deliver receives routing-info data objects produced on the
	// worker, paired with the neighbor they are for.
	deliver func(d *dataobject.DataObject, forNeighbor *node.Node)

	tasks chan asyncTask
	group *errgroup.Group

	quitOnce sync.Once
	quitErr  error
}

// NewAsynchronous wraps inner. deliver may be nil when routing info
// generation is unused.
func NewAsynchronous(inner Forwarder, repo *store.Repository,
	deliver func(*dataobject.DataObject, *node.Node), log *slog.Logger) *Asynchronous {
	if log == nil {
		log = slog.Default()
	}
	a := &Asynchronous{
		log:     log.With("component", "forwarder", "module", inner.Name()+"-async"),
		inner:   inner,
		repo:    repo,
		deliver: deliver,
		tasks:   make(chan asyncTask, 256),
	}
	a.group = &errgroup.Group{}
	a.group.Go(a.run)
	return a
}

func (a *Asynchronous) run() error {
	for t := range a.tasks {
		switch t.kind {
		case taskNewRoutingInfo:
			a.inner.NewRoutingInformation(t.d)
		case taskNewNeighbor:
			a.inner.NewNeighbor(t.n)
		case taskEndNeighbor:
			a.inner.EndNeighbor(t.n)
		case taskGenerateTargets:
			a.inner.GenerateTargetsFor(t.n)
		case taskGenerateDelegates:
			a.inner.GenerateDelegatesFor(t.d, t.target)
		case taskGenerateRoutingInfoDataObject:
			if d := a.inner.GenerateRoutingInformationDataObject(t.n); d != nil && a.deliver != nil {
				a.deliver(d, t.n)
			}
		}
	}
	return nil
}

func (a *Asynchronous) enqueue(t asyncTask) {
	defer func() {
		// Tasks arriving after Quit closed the channel are dropped;
		// the contact is ending anyway.
		if recover() != nil {
			a.log.Debug("task after quit dropped")
		}
	}()
	a.tasks <- t
}

// Quit drains outstanding tasks, persists the module's save state,
// and stops the worker. Tearing the worker down without draining
// would lose learned routing state.
func (a *Asynchronous) Quit(ctx context.Context) error {
	a.quitOnce.Do(func() {
		close(a.tasks)
		if err := a.group.Wait(); err != nil {
			a.quitErr = err
			return
		}
		entries, err := a.inner.GetSaveState(ctx)
		if err != nil {
			a.quitErr = err
			return
		}
		for _, entry := range entries {
			if err := a.repo.Insert(ctx, entry); err != nil {
				a.quitErr = err
				return
			}
		}
	})
	return a.quitErr
}

// Name implements Forwarder.
func (a *Asynchronous) Name() string { return a.inner.Name() }

// HasRoutingInformation implements Forwarder; a pure read, answered
// inline.
func (a *Asynchronous) HasRoutingInformation(d *dataobject.DataObject) bool {
	return a.inner.HasRoutingInformation(d)
}

// AddRoutingInformation implements Forwarder; answered inline because
// the caller needs the mutated object.
func (a *Asynchronous) AddRoutingInformation(d *dataobject.DataObject) bool {
	return a.inner.AddRoutingInformation(d)
}

// NewRoutingInformation implements Forwarder.
func (a *Asynchronous) NewRoutingInformation(d *dataobject.DataObject) {
	a.enqueue(asyncTask{kind: taskNewRoutingInfo, d: d})
}

// NewNeighbor implements Forwarder.
func (a *Asynchronous) NewNeighbor(n *node.Node) {
	a.enqueue(asyncTask{kind: taskNewNeighbor, n: n})
}

// EndNeighbor implements Forwarder.
func (a *Asynchronous) EndNeighbor(n *node.Node) {
	a.enqueue(asyncTask{kind: taskEndNeighbor, n: n})
}

// GenerateTargetsFor implements Forwarder.
func (a *Asynchronous) GenerateTargetsFor(n *node.Node) {
	a.enqueue(asyncTask{kind: taskGenerateTargets, n: n})
}

// GenerateDelegatesFor implements Forwarder.
func (a *Asynchronous) GenerateDelegatesFor(d *dataobject.DataObject, target *node.Node) {
	a.enqueue(asyncTask{kind: taskGenerateDelegates, d: d, target: target})
}

// GenerateRoutingInformationDataObject implements Forwarder: the
// result arrives via the deliver callback, never the return value.
func (a *Asynchronous) GenerateRoutingInformationDataObject(n *node.Node) *dataobject.DataObject {
	a.enqueue(asyncTask{kind: taskGenerateRoutingInfoDataObject, n: n})
	return nil
}

// GetSaveState implements Forwarder.
func (a *Asynchronous) GetSaveState(ctx context.Context) ([]store.RepositoryEntry, error) {
	return a.inner.GetSaveState(ctx)
}

// SetSaveState implements Forwarder.
func (a *Asynchronous) SetSaveState(ctx context.Context, entries []store.RepositoryEntry) error {
	return a.inner.SetSaveState(ctx, entries)
}
