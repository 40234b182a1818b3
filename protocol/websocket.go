package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/iface"
)

// WebSocketPath is the HTTP path contacts connect on.
const WebSocketPath = "/haggle"

// wsTransport adapts a WebSocket connection to the byte-stream
// Transport contract: writes become binary messages, reads drain
// messages through a leftover buffer so arbitrary chunk boundaries
// work on the receive side.
type wsTransport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
	url     string
	dialer  *websocket.Dialer

	readMu   sync.Mutex
	leftover []byte

	local  *iface.Interface
	remote *iface.Interface
}

// Connect dials the peer; a no-op on accepted transports, which
// arrive connected.
func (t *wsTransport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errors.WrapTransient(err, "protocol", "Connect", "dial websocket")
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	t.conn = conn
	return nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return 0, errors.ErrNoConnection
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) Read(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if len(t.leftover) == 0 {
		if t.conn == nil {
			return 0, errors.ErrNoConnection
		}
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		t.leftover = msg
	}
	n := copy(p, t.leftover)
	t.leftover = t.leftover[n:]
	return n, nil
}

func (t *wsTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	t.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteInterface() *iface.Interface { return t.remote }

func (t *wsTransport) LocalInterface() *iface.Interface { return t.local }

// interfaceForAddr derives an Ethernet-typed interface identity from
// a host:port address.
func interfaceForAddr(addr string) *iface.Interface {
	i := iface.New(iface.Ethernet, []byte(addr))
	i.Addresses = []string{addr}
	return i
}

// WebSocketDialer dials contacts over WebSocket. The remote
// interface's first address is the host:port to reach.
type WebSocketDialer struct {
	// Local is the local interface contacts are attributed to.
	Local *iface.Interface
	// HandshakeTimeout bounds the dial; zero uses a 10s default.
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(_ context.Context, remote *iface.Interface) (Transport, error) {
	if len(remote.Addresses) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("interface %s has no address", remote.Key()),
			"protocol", "Dial", "resolve websocket peer")
	}
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &wsTransport{
		url:    "ws://" + remote.Addresses[0] + WebSocketPath,
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
		local:  d.Local,
		remote: remote,
	}, nil
}

// WebSocketListener accepts inbound contacts and hands their
// transports to the protocol manager.
type WebSocketListener struct {
	log      *slog.Logger
	manager  *Manager
	local    *iface.Interface
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
}

// NewWebSocketListener creates a listener bound to the manager.
func NewWebSocketListener(m *Manager, local *iface.Interface, log *slog.Logger) *WebSocketListener {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketListener{
		log:     log,
		manager: m,
		local:   local,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start begins accepting contacts on addr.
func (l *WebSocketListener) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "protocol", "Start", "listen for contacts")
	}
	l.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.handleContact)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error("contact listener failed", "component", "protocol", "error", err)
		}
	}()
	l.log.Info("listening for contacts", "component", "protocol", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (l *WebSocketListener) Addr() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Stop shuts the listener down; established contacts are closed by
// the manager.
func (l *WebSocketListener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

func (l *WebSocketListener) handleContact(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("contact upgrade failed", "component", "protocol",
			"remote", r.RemoteAddr, "error", err)
		return
	}
	t := &wsTransport{
		conn:   conn,
		local:  l.local,
		remote: interfaceForAddr(r.RemoteAddr),
	}
	if err := l.manager.AddTransport(t); err != nil {
		l.log.Warn("adopt contact failed", "component", "protocol",
			"remote", r.RemoteAddr, "error", err)
		conn.Close() //nolint:errcheck
	}
}
