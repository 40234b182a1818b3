package eventbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/node"
)

// Type identifies a public event. Private types are allocated from
// PrivateTypeMin upward via Kernel.AllocatePrivateType.
type Type int

// Public event types.
const (
	TypeInvalid Type = iota

	// System lifecycle.
	TypePrepareStartup
	TypeStartup
	TypePrepareShutdown
	TypeShutdown

	// Node lifecycle.
	TypeNodeContactNew
	TypeNodeContactEnd
	TypeNodeUpdated
	TypeNodeDescriptionSend

	// Interface lifecycle.
	TypeLocalInterfaceUp
	TypeLocalInterfaceDown
	TypeNeighborInterfaceUp
	TypeNeighborInterfaceDown

	// Data object lifecycle.
	TypeDataObjectIncoming
	TypeDataObjectNew
	TypeDataObjectReceived
	TypeDataObjectVerified
	TypeDataObjectSend
	TypeDataObjectSendSuccessful
	TypeDataObjectSendFailure
	TypeDataObjectForward
	TypeDataObjectDeleted

	// Resolution.
	TypeTargetNodes
	TypeDelegateNodes

	// Callback carries a handler plus an opaque payload.
	TypeCallback

	publicTypeMax
)

// PrivateTypeMin is the first event type available for private
// allocation; each private type carries exactly one handler.
const PrivateTypeMin Type = 1000

func (t Type) String() string {
	switch t {
	case TypePrepareStartup:
		return "prepare_startup"
	case TypeStartup:
		return "startup"
	case TypePrepareShutdown:
		return "prepare_shutdown"
	case TypeShutdown:
		return "shutdown"
	case TypeNodeContactNew:
		return "node_contact_new"
	case TypeNodeContactEnd:
		return "node_contact_end"
	case TypeNodeUpdated:
		return "node_updated"
	case TypeNodeDescriptionSend:
		return "node_description_send"
	case TypeLocalInterfaceUp:
		return "local_interface_up"
	case TypeLocalInterfaceDown:
		return "local_interface_down"
	case TypeNeighborInterfaceUp:
		return "neighbor_interface_up"
	case TypeNeighborInterfaceDown:
		return "neighbor_interface_down"
	case TypeDataObjectIncoming:
		return "data_object_incoming"
	case TypeDataObjectNew:
		return "data_object_new"
	case TypeDataObjectReceived:
		return "data_object_received"
	case TypeDataObjectVerified:
		return "data_object_verified"
	case TypeDataObjectSend:
		return "data_object_send"
	case TypeDataObjectSendSuccessful:
		return "data_object_send_successful"
	case TypeDataObjectSendFailure:
		return "data_object_send_failure"
	case TypeDataObjectForward:
		return "data_object_forward"
	case TypeDataObjectDeleted:
		return "data_object_deleted"
	case TypeTargetNodes:
		return "target_nodes"
	case TypeDelegateNodes:
		return "delegate_nodes"
	case TypeCallback:
		return "callback"
	default:
		if t >= PrivateTypeMin {
			return fmt.Sprintf("private_%d", int(t))
		}
		return fmt.Sprintf("invalid_%d", int(t))
	}
}

// IsPrivate reports whether t is from the private range.
func (t Type) IsPrivate() bool { return t >= PrivateTypeMin }

// payloadKind describes which payload variant an event type carries.
type payloadKind int

const (
	kindNone payloadKind = iota
	kindDataObject
	kindDataObjectList
	kindNode
	kindNodeWithObjects
	kindInterface
	kindResolution
	kindOpaque
)

// payloadKinds is the static event-type to payload-variant table.
// A constructor checks against it; there is no way to build a
// mismatched public event.
var payloadKinds = map[Type]payloadKind{
	TypePrepareStartup:           kindNone,
	TypeStartup:                  kindNone,
	TypePrepareShutdown:          kindNone,
	TypeShutdown:                 kindNone,
	TypeNodeContactNew:           kindNode,
	TypeNodeContactEnd:           kindNode,
	TypeNodeUpdated:              kindNodeWithObjects,
	TypeNodeDescriptionSend:      kindNode,
	TypeLocalInterfaceUp:         kindInterface,
	TypeLocalInterfaceDown:       kindInterface,
	TypeNeighborInterfaceUp:      kindInterface,
	TypeNeighborInterfaceDown:    kindInterface,
	TypeDataObjectIncoming:       kindDataObject,
	TypeDataObjectNew:            kindDataObject,
	TypeDataObjectReceived:       kindDataObject,
	TypeDataObjectVerified:       kindDataObject,
	TypeDataObjectSend:           kindResolution,
	TypeDataObjectSendSuccessful: kindResolution,
	TypeDataObjectSendFailure:    kindResolution,
	TypeDataObjectForward:        kindResolution,
	TypeDataObjectDeleted:        kindDataObjectList,
	TypeTargetNodes:              kindResolution,
	TypeDelegateNodes:            kindResolution,
	TypeCallback:                 kindOpaque,
}

// Event is a unit of kernel work. Exactly the fields allowed by the
// type's payload variant are set; the rest are nil.
type Event struct {
	eventType Type
	id        string
	timeout   time.Time
	seq       uint64

	dataObject  *dataobject.DataObject
	dataObjects []*dataobject.DataObject
	node        *node.Node
	nodes       []*node.Node
	ifaceRef    *iface.Interface
	opaque      any

	// handler is set on private and callback events only.
	handler Handler
}

// Handler processes a dispatched event on the kernel goroutine.
// Handlers must not block; long work is offloaded to workers.
type Handler func(*Event)

// Type returns the event's type.
func (e *Event) Type() Type { return e.eventType }

// ID returns the event's correlation id, for logging and tracing.
func (e *Event) ID() string { return e.id }

// Timeout returns the absolute time the event becomes due.
func (e *Event) Timeout() time.Time { return e.timeout }

// DataObject returns the data-object payload, if the type carries one.
func (e *Event) DataObject() *dataobject.DataObject { return e.dataObject }

// DataObjects returns the data-object list payload.
func (e *Event) DataObjects() []*dataobject.DataObject { return e.dataObjects }

// Node returns the node payload.
func (e *Event) Node() *node.Node { return e.node }

// Nodes returns the node-list payload of a resolution event.
func (e *Event) Nodes() []*node.Node { return e.nodes }

// Interface returns the interface payload.
func (e *Event) Interface() *iface.Interface { return e.ifaceRef }

// Opaque returns the opaque payload of a callback or private event.
func (e *Event) Opaque() any { return e.opaque }

func newEvent(t Type, timeout time.Time) *Event {
	return &Event{eventType: t, id: uuid.NewString(), timeout: timeout}
}

func mismatch(t Type, want payloadKind) error {
	return errors.WrapFatal(
		fmt.Errorf("event type %s does not carry payload kind %d", t, want),
		"eventbus", "NewEvent", "payload variant mismatch")
}

// NewEvent builds a payload-less event (system lifecycle).
func NewEvent(t Type, timeout time.Time) (*Event, error) {
	if payloadKinds[t] != kindNone {
		return nil, mismatch(t, kindNone)
	}
	return newEvent(t, timeout), nil
}

// NewDataObjectEvent builds an event carrying a single data object.
func NewDataObjectEvent(t Type, d *dataobject.DataObject, timeout time.Time) (*Event, error) {
	if payloadKinds[t] != kindDataObject {
		return nil, mismatch(t, kindDataObject)
	}
	e := newEvent(t, timeout)
	e.dataObject = d
	return e, nil
}

// NewDataObjectListEvent builds an event carrying a data-object list.
func NewDataObjectListEvent(t Type, ds []*dataobject.DataObject, timeout time.Time) (*Event, error) {
	if payloadKinds[t] != kindDataObjectList {
		return nil, mismatch(t, kindDataObjectList)
	}
	e := newEvent(t, timeout)
	e.dataObjects = ds
	return e, nil
}

// NewNodeEvent builds an event carrying a node.
func NewNodeEvent(t Type, n *node.Node, timeout time.Time) (*Event, error) {
	if payloadKinds[t] != kindNode {
		return nil, mismatch(t, kindNode)
	}
	e := newEvent(t, timeout)
	e.node = n
	return e, nil
}

// NewNodeUpdatedEvent builds a NodeUpdated event: the updated node
// plus the data objects (node descriptions) that caused the update.
func NewNodeUpdatedEvent(n *node.Node, cause []*dataobject.DataObject, timeout time.Time) (*Event, error) {
	e := newEvent(TypeNodeUpdated, timeout)
	e.node = n
	e.dataObjects = cause
	return e, nil
}

// NewInterfaceEvent builds an event carrying an interface.
func NewInterfaceEvent(t Type, i *iface.Interface, timeout time.Time) (*Event, error) {
	if payloadKinds[t] != kindInterface {
		return nil, mismatch(t, kindInterface)
	}
	e := newEvent(t, timeout)
	e.ifaceRef = i
	return e, nil
}

// NewResolutionEvent builds a send/forward/target/delegate event: a
// data object paired with one or more nodes.
func NewResolutionEvent(t Type, d *dataobject.DataObject, nodes []*node.Node, timeout time.Time) (*Event, error) {
	if payloadKinds[t] != kindResolution {
		return nil, mismatch(t, kindResolution)
	}
	e := newEvent(t, timeout)
	e.dataObject = d
	e.nodes = nodes
	return e, nil
}

// NewTargetNodesEvent posts the resolution of targets for a node: the
// node whose targets were computed plus the target list.
func NewTargetNodesEvent(forNode *node.Node, targets []*node.Node, timeout time.Time) (*Event, error) {
	e := newEvent(TypeTargetNodes, timeout)
	e.node = forNode
	e.nodes = targets
	return e, nil
}

// NewDelegateNodesEvent posts the resolution of delegates for a data
// object toward a target.
func NewDelegateNodesEvent(d *dataobject.DataObject, target *node.Node, delegates []*node.Node, timeout time.Time) (*Event, error) {
	e := newEvent(TypeDelegateNodes, timeout)
	e.dataObject = d
	e.node = target
	e.nodes = delegates
	return e, nil
}

// NewCallbackEvent builds a callback event: the handler runs on the
// kernel goroutine with the opaque payload.
func NewCallbackEvent(handler Handler, opaque any, timeout time.Time) (*Event, error) {
	if handler == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil handler"), "eventbus", "NewCallbackEvent", "construct callback")
	}
	e := newEvent(TypeCallback, timeout)
	e.handler = handler
	e.opaque = opaque
	return e, nil
}

// NewPrivateEvent builds an event of a privately allocated type. The
// payload is opaque; the single registered handler knows its shape.
func NewPrivateEvent(t Type, opaque any, timeout time.Time) (*Event, error) {
	if !t.IsPrivate() {
		return nil, errors.WrapFatal(fmt.Errorf("type %s is not private", t), "eventbus", "NewPrivateEvent", "construct private event")
	}
	e := newEvent(t, timeout)
	e.opaque = opaque
	return e, nil
}
