package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/dataobject"
)

func testObject(topic string) *dataobject.DataObject {
	return dataobject.NewWithAttributes(attribute.NewSet(attribute.New("Topic", topic)))
}

func TestPayloadVariantMismatchIsConstructionError(t *testing.T) {
	_, err := NewDataObjectEvent(TypeNodeContactNew, testObject("x"), time.Time{})
	assert.Error(t, err)

	_, err = NewNodeEvent(TypeDataObjectNew, nil, time.Time{})
	assert.Error(t, err)

	_, err = NewEvent(TypeDataObjectIncoming, time.Time{})
	assert.Error(t, err)

	_, err = NewPrivateEvent(TypeStartup, nil, time.Time{})
	assert.Error(t, err)
}

func TestHeapOrdering(t *testing.T) {
	var h eventHeap
	now := time.Now()

	late, err := NewEvent(TypeStartup, now.Add(300*time.Millisecond))
	require.NoError(t, err)
	early, err := NewEvent(TypePrepareStartup, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	mid, err := NewEvent(TypeShutdown, now.Add(200*time.Millisecond))
	require.NoError(t, err)

	late.seq, early.seq, mid.seq = 1, 2, 3
	h.push(late)
	h.push(early)
	h.push(mid)

	assert.Equal(t, TypePrepareStartup, h.pop().Type())
	assert.Equal(t, TypeShutdown, h.pop().Type())
	assert.Equal(t, TypeStartup, h.pop().Type())
}

func TestHeapEqualTimeoutsSubmissionOrder(t *testing.T) {
	var h eventHeap
	due := time.Now()
	for i := 1; i <= 5; i++ {
		e, err := NewEvent(TypeStartup, due)
		require.NoError(t, err)
		e.seq = uint64(i)
		h.push(e)
	}
	for i := 1; i <= 5; i++ {
		assert.Equal(t, uint64(i), h.pop().seq)
	}
}

func TestDispatchInPostOrder(t *testing.T) {
	k := NewKernel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, k.RegisterHandler(TypeDataObjectNew, func(e *Event) {
		mu.Lock()
		got = append(got, e.DataObject().Attributes().ByName("Topic")[0].Value)
		mu.Unlock()
	}))
	require.NoError(t, k.RegisterHandler(TypeShutdown, func(*Event) { close(done) }))

	go k.Run()

	for _, topic := range []string{"a", "b", "c"} {
		e, err := NewDataObjectEvent(TypeDataObjectNew, testObject(topic), time.Time{})
		require.NoError(t, err)
		require.NoError(t, k.Post(e))
	}
	shutdown, err := NewEvent(TypeShutdown, time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(shutdown))

	<-done
	<-k.Done()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTimedEventHeldUntilDue(t *testing.T) {
	k := NewKernel()

	fired := make(chan time.Time, 1)
	require.NoError(t, k.RegisterHandler(TypeNodeDescriptionSend, func(*Event) {
		fired <- time.Now()
	}))

	go k.Run()
	defer stopKernel(t, k)

	due := time.Now().Add(150 * time.Millisecond)
	e, err := NewNodeEvent(TypeNodeDescriptionSend, nil, due)
	require.NoError(t, err)
	require.NoError(t, k.Post(e))

	select {
	case at := <-fired:
		assert.False(t, at.Before(due), "dispatched before due time")
	case <-time.After(2 * time.Second):
		t.Fatal("timed event never dispatched")
	}
}

func TestPrivateEventSingleHandler(t *testing.T) {
	k := NewKernel()

	got := make(chan any, 1)
	pt := k.AllocatePrivateType(func(e *Event) { got <- e.Opaque() })

	go k.Run()
	defer stopKernel(t, k)

	e, err := NewPrivateEvent(pt, "payload", time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(e))

	select {
	case v := <-got:
		assert.Equal(t, "payload", v)
	case <-time.After(2 * time.Second):
		t.Fatal("private event never dispatched")
	}
}

func TestCallbackEvent(t *testing.T) {
	k := NewKernel()
	go k.Run()
	defer stopKernel(t, k)

	got := make(chan any, 1)
	e, err := NewCallbackEvent(func(e *Event) { got <- e.Opaque() }, 42, time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(e))

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestHandlerPanicContained(t *testing.T) {
	k := NewKernel()
	require.NoError(t, k.RegisterHandler(TypeStartup, func(*Event) { panic("boom") }))

	survived := make(chan struct{})
	require.NoError(t, k.RegisterHandler(TypePrepareShutdown, func(*Event) { close(survived) }))

	go k.Run()
	defer stopKernel(t, k)

	e, err := NewEvent(TypeStartup, time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(e))
	e2, err := NewEvent(TypePrepareShutdown, time.Time{})
	require.NoError(t, err)
	require.NoError(t, k.Post(e2))

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("kernel did not survive handler panic")
	}
}

type recordingManager struct {
	name   string
	kernel *Kernel
	mu     sync.Mutex
	calls  []string
}

func (m *recordingManager) Name() string { return m.name }

func (m *recordingManager) Start(k *Kernel) error {
	m.kernel = k
	m.record("start")
	return nil
}

func (m *recordingManager) PrepareShutdown() {
	m.record("prepare")
	m.kernel.ShutdownReady(m.name)
}

func (m *recordingManager) Stop() error {
	m.record("stop")
	return nil
}

func (m *recordingManager) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, s)
}

func TestManagerLifecycle(t *testing.T) {
	k := NewKernel()
	a := &recordingManager{name: "a"}
	b := &recordingManager{name: "b"}
	require.NoError(t, k.RegisterManager(a))
	require.NoError(t, k.RegisterManager(b))
	assert.Error(t, k.RegisterManager(&recordingManager{name: "a"}))

	require.NoError(t, k.Startup())
	go k.Run()

	k.Shutdown()
	select {
	case <-k.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel never exited")
	}

	assert.Equal(t, []string{"start", "prepare", "stop"}, a.calls)
	assert.Equal(t, []string{"start", "prepare", "stop"}, b.calls)
}

// stopKernel drives a clean exit for tests that only need the loop.
func stopKernel(t *testing.T, k *Kernel) {
	t.Helper()
	e, err := NewEvent(TypeShutdown, time.Time{})
	require.NoError(t, err)
	if err := k.Post(e); err != nil {
		return // already exiting
	}
	select {
	case <-k.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not stop")
	}
}
