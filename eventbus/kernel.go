package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/health"
	"github.com/haggle-project/haggle/metric"
)

// Manager is the capability every kernel manager implements:
// handler registration at start, a prepare-shutdown hook that signals
// readiness back, and a final stop for resource release.
type Manager interface {
	// Name identifies the manager in logs, health, and shutdown
	// bookkeeping. Must be unique within a kernel.
	Name() string

	// Start registers the manager's event handlers and spawns its
	// workers. Called on the starting goroutine before the event loop
	// dispatches anything.
	Start(k *Kernel) error

	// PrepareShutdown begins draining. The manager calls
	// k.ShutdownReady(name) once it has persisted its state; the
	// kernel posts the final Shutdown event when every manager has.
	PrepareShutdown()

	// Stop releases remaining resources. Called after the Shutdown
	// event has dispatched, in reverse registration order.
	Stop() error
}

// ShutdownGraceTimeout bounds how long the kernel waits for managers
// to signal shutdown readiness before forcing the Shutdown event.
const ShutdownGraceTimeout = 10 * time.Second

// Kernel owns the event heap and dispatches events to registered
// handlers on a single goroutine, the kernel thread.
type Kernel struct {
	log           *slog.Logger
	healthMonitor *health.Monitor
	registry      *metric.MetricsRegistry
	dispatched    *prometheus.CounterVec

	mu              sync.Mutex
	heap            eventHeap
	seq             uint64
	handlers        map[Type][]Handler
	privateHandlers map[Type]Handler
	nextPrivate     Type
	exiting         bool

	// wake coalesces wakeups: capacity one, non-blocking send.
	wake chan struct{}

	managers []Manager

	shutdownMu    sync.Mutex
	shuttingDown  bool
	shutdownReady map[string]bool

	done chan struct{}
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger injects the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithHealthMonitor injects the shared health monitor managers report
// into.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(k *Kernel) { k.healthMonitor = m }
}

// WithMetricsRegistry wires kernel metrics into the given registry.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(k *Kernel) { k.registry = r }
}

// NewKernel creates a kernel with an empty event heap.
func NewKernel(opts ...Option) *Kernel {
	k := &Kernel{
		log:             slog.Default(),
		handlers:        make(map[Type][]Handler),
		privateHandlers: make(map[Type]Handler),
		nextPrivate:     PrivateTypeMin,
		wake:            make(chan struct{}, 1),
		shutdownReady:   make(map[string]bool),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.healthMonitor == nil {
		k.healthMonitor = health.NewMonitor()
	}
	if k.registry != nil {
		k.dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haggle_kernel_events_dispatched_total",
			Help: "Events dispatched by the kernel, by event type",
		}, []string{"type"})
		k.registry.RegisterCounterVec("kernel", "haggle_kernel_events_dispatched_total", k.dispatched) //nolint:errcheck
	}
	return k
}

// Logger returns the kernel's logger for managers to derive theirs
// from.
func (k *Kernel) Logger() *slog.Logger { return k.log }

// Health returns the shared health monitor.
func (k *Kernel) Health() *health.Monitor { return k.healthMonitor }

// Metrics returns the metrics registry, nil if metrics are disabled.
func (k *Kernel) Metrics() *metric.MetricsRegistry { return k.registry }

// RegisterManager adds a manager; Start order is registration order,
// Stop order the reverse.
func (k *Kernel) RegisterManager(m Manager) error {
	for _, existing := range k.managers {
		if existing.Name() == m.Name() {
			return errors.WrapFatal(fmt.Errorf("duplicate manager %q", m.Name()),
				"eventbus", "RegisterManager", "register manager")
		}
	}
	k.managers = append(k.managers, m)
	return nil
}

// RegisterHandler binds a handler to a public event type. Multiple
// handlers per type dispatch in registration order.
func (k *Kernel) RegisterHandler(t Type, h Handler) error {
	if t <= TypeInvalid || t >= publicTypeMax {
		return errors.WrapFatal(fmt.Errorf("type %d is not a public event type", int(t)),
			"eventbus", "RegisterHandler", "bind handler")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers[t] = append(k.handlers[t], h)
	return nil
}

// AllocatePrivateType reserves a private event type bound to exactly
// one handler.
func (k *Kernel) AllocatePrivateType(h Handler) Type {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.nextPrivate
	k.nextPrivate++
	k.privateHandlers[t] = h
	return t
}

// Post enqueues an event. Events with a timeout in the future are held
// until due; equal-timeout events dispatch in submission order.
func (k *Kernel) Post(e *Event) error {
	if e == nil {
		return errors.WrapFatal(fmt.Errorf("nil event"), "eventbus", "Post", "enqueue event")
	}
	k.mu.Lock()
	if k.exiting {
		k.mu.Unlock()
		return errors.WrapTransient(errors.ErrShuttingDown, "eventbus", "Post", "enqueue event")
	}
	k.seq++
	e.seq = k.seq
	k.heap.push(e)
	k.mu.Unlock()

	select {
	case k.wake <- struct{}{}:
	default:
	}
	return nil
}

// PostNow enqueues an event due immediately.
func (k *Kernel) PostNow(e *Event) error {
	return k.Post(e)
}

// Startup starts all registered managers in order, then posts the
// PrepareStartup and Startup events.
func (k *Kernel) Startup() error {
	for _, m := range k.managers {
		if err := m.Start(k); err != nil {
			return errors.Wrap(err, "eventbus", "Startup", fmt.Sprintf("start manager %q", m.Name()))
		}
		k.log.Info("manager started", "component", "kernel", "manager", m.Name())
	}
	for _, t := range []Type{TypePrepareStartup, TypeStartup} {
		e, err := NewEvent(t, time.Time{})
		if err != nil {
			return err
		}
		if err := k.Post(e); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown begins the shutdown sequence: PrepareShutdown dispatches to
// every manager, the kernel waits for each to signal readiness (or for
// the grace timeout), then posts Shutdown. The event loop exits after
// dispatching Shutdown; Run returns after stopping managers in reverse
// order.
func (k *Kernel) Shutdown() {
	k.shutdownMu.Lock()
	if k.shuttingDown {
		k.shutdownMu.Unlock()
		return
	}
	k.shuttingDown = true
	k.shutdownMu.Unlock()

	if e, err := NewEvent(TypePrepareShutdown, time.Time{}); err == nil {
		k.Post(e) //nolint:errcheck
	}
	for _, m := range k.managers {
		m.PrepareShutdown()
	}

	time.AfterFunc(ShutdownGraceTimeout, func() {
		k.shutdownMu.Lock()
		pending := len(k.managers) - len(k.shutdownReady)
		k.shutdownMu.Unlock()
		if pending > 0 {
			k.log.Warn("forcing shutdown with managers not ready",
				"component", "kernel", "pending", pending)
			k.postShutdownEvent()
		}
	})

	k.maybeCompleteShutdown()
}

// ShutdownReady is called by a manager once its PrepareShutdown work
// has drained. When every registered manager is ready the Shutdown
// event is posted.
func (k *Kernel) ShutdownReady(name string) {
	k.shutdownMu.Lock()
	if k.shutdownReady == nil {
		// Shutdown already posted; a late signal is harmless.
		k.shutdownMu.Unlock()
		return
	}
	k.shutdownReady[name] = true
	k.shutdownMu.Unlock()
	k.maybeCompleteShutdown()
}

func (k *Kernel) maybeCompleteShutdown() {
	k.shutdownMu.Lock()
	ready := k.shuttingDown && len(k.shutdownReady) >= len(k.managers)
	k.shutdownMu.Unlock()
	if ready {
		k.postShutdownEvent()
	}
}

func (k *Kernel) postShutdownEvent() {
	k.shutdownMu.Lock()
	if k.shutdownReady == nil {
		k.shutdownMu.Unlock()
		return
	}
	k.shutdownReady = nil // posted once
	k.shutdownMu.Unlock()
	if e, err := NewEvent(TypeShutdown, time.Time{}); err == nil {
		k.Post(e) //nolint:errcheck
	}
}

// Done is closed when the event loop has exited.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Run is the kernel thread: it dispatches due events in heap order,
// sleeping until the next due time or a wakeup. It returns
// after the Shutdown event has dispatched and managers have stopped.
func (k *Kernel) Run() {
	defer close(k.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		k.mu.Lock()
		next := k.heap.peek()
		now := time.Now()

		if next != nil && !next.timeout.After(now) {
			e := k.heap.pop()
			k.mu.Unlock()
			k.dispatch(e)
			if e.eventType == TypeShutdown {
				k.stopManagers()
				return
			}
			continue
		}

		var wait <-chan time.Time
		if next != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next.timeout.Sub(now))
			wait = timer.C
		}
		k.mu.Unlock()

		select {
		case <-k.wake:
		case <-wait:
		}
	}
}

// dispatch runs every handler bound to the event's type on the kernel
// goroutine. A handler panic is contained so the kernel cannot
// deadlock on a single bad handler.
func (k *Kernel) dispatch(e *Event) {
	if k.dispatched != nil {
		k.dispatched.WithLabelValues(e.eventType.String()).Inc()
	}

	run := func(h Handler) {
		defer func() {
			if r := recover(); r != nil {
				k.log.Error("event handler panic",
					"component", "kernel", "event", e.eventType.String(), "panic", r)
			}
		}()
		h(e)
	}

	if e.eventType == TypeCallback {
		run(e.handler)
		return
	}
	if e.eventType.IsPrivate() {
		k.mu.Lock()
		h, ok := k.privateHandlers[e.eventType]
		k.mu.Unlock()
		if !ok {
			k.log.Error("private event with no handler",
				"component", "kernel", "event", e.eventType.String())
			return
		}
		run(h)
		return
	}

	k.mu.Lock()
	handlers := append([]Handler(nil), k.handlers[e.eventType]...)
	k.mu.Unlock()
	for _, h := range handlers {
		run(h)
	}
}

func (k *Kernel) stopManagers() {
	k.mu.Lock()
	k.exiting = true
	k.mu.Unlock()
	for i := len(k.managers) - 1; i >= 0; i-- {
		m := k.managers[i]
		if err := m.Stop(); err != nil {
			k.log.Error("manager stop failed",
				"component", "kernel", "manager", m.Name(), "error", err)
		} else {
			k.log.Info("manager stopped", "component", "kernel", "manager", m.Name())
		}
	}
}
