package protocol

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/pkg/buffer"
	"github.com/haggle-project/haggle/pkg/retry"
)

// Config tunes the per-contact machine.
type Config struct {
	// SendRetries bounds the attempts per data object before a
	// failure event is posted.
	SendRetries int
	// SendTimeout bounds one data object's transfer.
	SendTimeout time.Duration
	// RatePerSecond throttles outbound bytes-independent sends per
	// contact; zero disables throttling.
	RatePerSecond float64
	// Burst is the limiter burst when throttling.
	Burst int
	// IngestDir is where received payload files materialize.
	IngestDir string
	// SendQueueLen bounds the per-contact send queue.
	SendQueueLen int
}

// DefaultConfig returns the tuning used when the manager has none.
func DefaultConfig() Config {
	return Config{
		SendRetries:  3,
		SendTimeout:  60 * time.Second,
		Burst:        1,
		IngestDir:    ".",
		SendQueueLen: 64,
	}
}

type sendItem struct {
	obj    *dataobject.DataObject
	target *node.Node
}

// Protocol serves one contact session: a send queue drained by the
// send loop and a receive loop reassembling inbound data objects.
// Client protocols dial; server protocols wrap accepted transports.
type Protocol struct {
	sessionID string
	log       *slog.Logger
	poster    Poster
	transport Transport
	cfg       Config
	client    bool

	// queue is the per-contact outbound buffer: drop-oldest under
	// overflow, with dropped items surfaced as send failures. wake
	// coalesces producer signals to the send loop.
	queue   buffer.Buffer[*sendItem]
	wake    chan struct{}
	limiter *rate.Limiter

	mu    sync.Mutex
	state State

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// onDone is invoked once, after both loops exit, so the manager
	// can unregister the contact.
	onDone func(*Protocol)
}

// Poster posts events back to the kernel; satisfied by
// *eventbus.Kernel.
type Poster interface {
	Post(e *eventbus.Event) error
}

// New creates a protocol over an established or dialable transport.
func New(transport Transport, poster Poster, client bool, cfg Config, log *slog.Logger) (*Protocol, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = DefaultConfig().SendQueueLen
	}
	p := &Protocol{
		sessionID: uuid.NewString(),
		log:       log,
		poster:    poster,
		transport: transport,
		cfg:       cfg,
		client:    client,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	queue, err := buffer.NewCircularBuffer[*sendItem](cfg.SendQueueLen,
		buffer.WithOverflowPolicy[*sendItem](buffer.DropOldest),
		buffer.WithDropCallback[*sendItem](func(item *sendItem) {
			p.postSendResult(item, false)
		}))
	if err != nil {
		return nil, err
	}
	p.queue = queue
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return p, nil
}

// SessionID returns the contact session's correlation id.
func (p *Protocol) SessionID() string { return p.sessionID }

// State returns the current machine state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Protocol) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Transport returns the underlying transport.
func (p *Protocol) Transport() Transport { return p.transport }

// SetOnDone installs the manager's unregister hook; must be called
// before Start.
func (p *Protocol) SetOnDone(f func(*Protocol)) { p.onDone = f }

// Start connects (clients) and launches the send and receive loops.
func (p *Protocol) Start(ctx context.Context) error {
	if p.client {
		p.setState(StateConnecting)
		if err := p.transport.Connect(ctx); err != nil {
			p.setState(StateError)
			return errors.WrapTransient(err, "protocol", "Start", "connect transport")
		}
	}
	p.setState(StateConnected)

	p.wg.Add(2)
	go p.sendLoop(ctx)
	go p.receiveLoop(ctx)

	if p.onDone != nil {
		go func() {
			p.wg.Wait()
			p.onDone(p)
		}()
	}
	return nil
}

// Send enqueues d for the contact's target node. Overflow drops the
// oldest queued item, surfacing it as a send failure.
func (p *Protocol) Send(d *dataobject.DataObject, target *node.Node) error {
	select {
	case <-p.closed:
		return errors.WrapTransient(errors.ErrConnectionLost, "protocol", "Send", "enqueue on closed contact")
	default:
	}
	if err := p.queue.Write(&sendItem{obj: d, target: target}); err != nil {
		return errors.WrapTransient(err, "protocol", "Send", "enqueue send")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close aborts the contact: concurrent loops unblock, queued sends
// are signaled as failures, and the transport is torn down.
func (p *Protocol) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.transport.Close() //nolint:errcheck
	})
	p.wg.Wait()
}

// sendLoop drains the queue, writing one complete data object at a
// time so objects never interleave on the session.
func (p *Protocol) sendLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			p.drainQueueAsFailed()
			return
		case <-ctx.Done():
			p.drainQueueAsFailed()
			return
		case <-p.wake:
		}
		for {
			item, ok := p.queue.Read()
			if !ok {
				break
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					p.postSendResult(item, false)
					continue
				}
			}
			p.setState(StateSending)
			err := p.sendObject(ctx, item.obj)
			p.setState(StateConnected)
			p.postSendResult(item, err == nil)
			if err != nil {
				// Persistent failure marks the contact down.
				p.log.Warn("send failed, closing contact",
					"component", "protocol", "session", p.sessionID,
					"data_object_id", item.obj.ID().String(), "error", err)
				p.setState(StateError)
				go p.Close()
				p.drainQueueAsFailed()
				return
			}
		}
	}
}

// sendObject writes the header and payload with bounded retries and a
// per-object timeout.
func (p *Protocol) sendObject(ctx context.Context, d *dataobject.DataObject) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = p.cfg.SendRetries + 1

	octx := ctx
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}
	return retry.Do(octx, cfg, func() error {
		r, err := dataobject.NewRetriever(d)
		if err != nil {
			return retry.NonRetryable(err)
		}
		defer r.Close() //nolint:errcheck
		return p.writeStream(octx, r)
	})
}

func (p *Protocol) writeStream(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := p.transport.Write(buf[:n]); werr != nil {
				return errors.WrapTransient(werr, "protocol", "writeStream", "write to transport")
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (p *Protocol) postSendResult(item *sendItem, ok bool) {
	t := eventbus.TypeDataObjectSendSuccessful
	if !ok {
		t = eventbus.TypeDataObjectSendFailure
	}
	var targets []*node.Node
	if item.target != nil {
		targets = []*node.Node{item.target}
	}
	e, err := eventbus.NewResolutionEvent(t, item.obj, targets, time.Time{})
	if err != nil {
		return
	}
	p.poster.Post(e) //nolint:errcheck
}

func (p *Protocol) drainQueueAsFailed() {
	for _, item := range p.queue.ReadBatch(p.cfg.SendQueueLen) {
		p.postSendResult(item, false)
	}
}

// receiveLoop reassembles inbound data objects from arbitrary chunk
// boundaries via streaming ingest and posts DataObjectIncoming for
// each completed object.
func (p *Protocol) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, 32*1024)
	in := dataobject.NewIngest(p.cfg.IngestDir)

	for {
		select {
		case <-p.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, rerr := p.transport.Read(buf)
		if n > 0 {
			p.setState(StateReceiving)
			data := buf[:n]
			for len(data) > 0 {
				consumed, _, ierr := in.PutData(data)
				if ierr != nil {
					// ParseError: the partial object and its file are
					// already gone; the stream cannot be resynced.
					p.log.Warn("inbound ingest failed, closing contact",
						"component", "protocol", "session", p.sessionID, "error", ierr)
					p.setState(StateError)
					go p.Close()
					return
				}
				data = data[consumed:]
				if in.Done() {
					p.deliverInbound(in.Object())
					in = dataobject.NewIngest(p.cfg.IngestDir)
				}
			}
			p.setState(StateConnected)
		}
		if rerr != nil {
			select {
			case <-p.closed:
			default:
				if rerr == io.EOF {
					p.setState(StateDone)
				} else {
					p.setState(StateError)
				}
				go p.Close()
			}
			return
		}
	}
}

func (p *Protocol) deliverInbound(d *dataobject.DataObject) {
	d.SetRemoteInterface(p.transport.RemoteInterface())
	d.SetLocalInterface(p.transport.LocalInterface())
	e, err := eventbus.NewDataObjectEvent(eventbus.TypeDataObjectIncoming, d, time.Time{})
	if err != nil {
		return
	}
	if perr := p.poster.Post(e); perr != nil {
		p.log.Error("post incoming data object",
			"component", "protocol", "session", p.sessionID, "error", perr)
	}
}

// String renders the protocol for logs.
func (p *Protocol) String() string {
	flavor := "server"
	if p.client {
		flavor = "client"
	}
	return fmt.Sprintf("%s[%s %s]", flavor, p.sessionID[:8], p.State())
}
