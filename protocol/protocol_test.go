package protocol

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/node"
)

const testWait = 5 * time.Second

// pipeTransport is an in-memory byte-stream transport for tests.
type pipeTransport struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	local  *iface.Interface
	remote *iface.Interface
}

func (t *pipeTransport) Connect(context.Context) error { return nil }

func (t *pipeTransport) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *pipeTransport) Read(p []byte) (int, error) { return t.r.Read(p) }

func (t *pipeTransport) Close() error {
	t.r.Close() //nolint:errcheck
	return t.w.Close()
}

func (t *pipeTransport) RemoteInterface() *iface.Interface { return t.remote }

func (t *pipeTransport) LocalInterface() *iface.Interface { return t.local }

func pipePair() (*pipeTransport, *pipeTransport) {
	ifaceA := iface.New(iface.Ethernet, []byte{10, 0, 0, 1})
	ifaceB := iface.New(iface.Ethernet, []byte{10, 0, 0, 2})
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := &pipeTransport{r: ar, w: aw, local: ifaceA, remote: ifaceB}
	b := &pipeTransport{r: br, w: bw, local: ifaceB, remote: ifaceA}
	return a, b
}

func startKernel(t *testing.T) *eventbus.Kernel {
	t.Helper()
	k := eventbus.NewKernel()
	go k.Run()
	t.Cleanup(func() {
		if e, err := eventbus.NewEvent(eventbus.TypeShutdown, time.Time{}); err == nil {
			k.Post(e) //nolint:errcheck
		}
		select {
		case <-k.Done():
		case <-time.After(testWait):
			t.Error("kernel did not stop")
		}
	})
	return k
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.IngestDir = t.TempDir()
	cfg.SendTimeout = testWait
	return cfg
}

func payloadObject(t *testing.T, topic string, payload []byte) *dataobject.DataObject {
	t.Helper()
	d := dataobject.NewWithAttributes(attribute.NewSet(attribute.New("Topic", topic)))
	d.SetCreateTime("1700000000.000000")
	if len(payload) > 0 {
		path := t.TempDir() + "/payload"
		require.NoError(t, os.WriteFile(path, payload, 0o600))
		d.SetPayloadFile(path, "payload", uint64(len(payload)), nil)
	}
	return d
}

func TestSendReceiveAcrossContact(t *testing.T) {
	k := startKernel(t)
	incoming := make(chan *dataobject.DataObject, 1)
	require.NoError(t, k.RegisterHandler(eventbus.TypeDataObjectIncoming, func(e *eventbus.Event) {
		incoming <- e.DataObject()
	}))
	sent := make(chan *dataobject.DataObject, 1)
	require.NoError(t, k.RegisterHandler(eventbus.TypeDataObjectSendSuccessful, func(e *eventbus.Event) {
		sent <- e.DataObject()
	}))

	ta, tb := pipePair()
	sender, err := New(ta, k, true, testConfig(t), nil)
	require.NoError(t, err)
	receiver, err := New(tb, k, false, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, sender.Start(context.Background()))
	require.NoError(t, receiver.Start(context.Background()))
	defer sender.Close()
	defer receiver.Close()

	payload := []byte("hello across the contact")
	d := payloadObject(t, "Weather", payload)
	target, err := node.New(node.TypePeer, node.GenerateID(), "peer-b")
	require.NoError(t, err)
	require.NoError(t, sender.Send(d, target))

	select {
	case got := <-incoming:
		assert.Equal(t, d.ID(), got.ID())
		p := got.Payload()
		require.NotNil(t, p)
		body, err := os.ReadFile(p.FilePath)
		require.NoError(t, err)
		assert.Equal(t, payload, body)
		assert.NotNil(t, got.RemoteInterface())
	case <-time.After(testWait):
		t.Fatal("data object never arrived")
	}
	select {
	case got := <-sent:
		assert.Equal(t, d.ID(), got.ID())
	case <-time.After(testWait):
		t.Fatal("send success never posted")
	}
}

func TestObjectsCompleteInSendOrder(t *testing.T) {
	k := startKernel(t)
	var order []string
	done := make(chan struct{})
	require.NoError(t, k.RegisterHandler(eventbus.TypeDataObjectIncoming, func(e *eventbus.Event) {
		order = append(order, e.DataObject().Attributes().ByName("Topic")[0].Value)
		if len(order) == 3 {
			close(done)
		}
	}))

	ta, tb := pipePair()
	sender, err := New(ta, k, true, testConfig(t), nil)
	require.NoError(t, err)
	receiver, err := New(tb, k, false, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, sender.Start(context.Background()))
	require.NoError(t, receiver.Start(context.Background()))
	defer sender.Close()
	defer receiver.Close()

	for _, topic := range []string{"first", "second", "third"} {
		require.NoError(t, sender.Send(payloadObject(t, topic, []byte(topic+" payload")), nil))
	}

	select {
	case <-done:
		assert.Equal(t, []string{"first", "second", "third"}, order)
	case <-time.After(testWait):
		t.Fatalf("only %d objects arrived", len(order))
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	k := startKernel(t)
	ta, _ := pipePair()
	p, err := New(ta, k, true, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	p.Close()
	assert.Error(t, p.Send(payloadObject(t, "x", nil), nil))
}

func TestMalformedInboundClosesContact(t *testing.T) {
	k := startKernel(t)
	ta, tb := pipePair()
	receiver, err := New(tb, k, false, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, receiver.Start(context.Background()))

	_, err = ta.Write([]byte("<Bogus></Haggle>"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return receiver.State() == StateError
	}, testWait, 10*time.Millisecond)
	receiver.Close()
}

func TestWebSocketContactEndToEnd(t *testing.T) {
	k := startKernel(t)
	incoming := make(chan *dataobject.DataObject, 1)
	require.NoError(t, k.RegisterHandler(eventbus.TypeDataObjectIncoming, func(e *eventbus.Event) {
		incoming <- e.DataObject()
	}))

	m := NewManager(testConfig(t))
	require.NoError(t, k.RegisterManager(m))
	require.NoError(t, m.Start(k))
	defer m.Stop() //nolint:errcheck

	local := iface.New(iface.Ethernet, []byte("listener"))
	listener := NewWebSocketListener(m, local, nil)
	require.NoError(t, listener.Start("127.0.0.1:0"))
	defer listener.Stop(context.Background()) //nolint:errcheck

	m.RegisterDialer(iface.Ethernet, &WebSocketDialer{Local: local})

	remote := iface.New(iface.Ethernet, []byte(listener.Addr()))
	remote.Addresses = []string{listener.Addr()}
	target, err := node.New(node.TypePeer, node.GenerateID(), "ws-peer")
	require.NoError(t, err)
	target.AddInterface(remote)

	d := payloadObject(t, "WS", []byte("over websocket"))
	e, err := eventbus.NewResolutionEvent(eventbus.TypeDataObjectSend, d, []*node.Node{target}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(e))

	select {
	case got := <-incoming:
		assert.Equal(t, d.ID(), got.ID())
	case <-time.After(testWait):
		t.Fatal("websocket contact never delivered")
	}
}
