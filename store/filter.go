package store

import (
	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/eventbus"
)

// Filter is a subscription: an attribute pattern (value wildcards
// allowed) paired with the event type delivery happens on. The
// event type is typically a private type allocated by the subscribing
// manager; the delivered event's opaque payload is the matching
// []*dataobject.DataObject.
type Filter struct {
	EventType  eventbus.Type
	Attributes *attribute.Set
}

// NewFilter builds a filter delivering on the given event type.
func NewFilter(eventType eventbus.Type, attrs ...attribute.Attribute) *Filter {
	return &Filter{EventType: eventType, Attributes: attribute.NewSet(attrs...)}
}
