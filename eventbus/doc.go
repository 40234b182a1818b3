// Package eventbus implements the kernel's priority-ordered, timed
// event queue and the manager lifecycle around it. All cross-component
// work in the system is sequenced here: managers never call each other
// directly, they post events and handle events on the kernel
// goroutine.
//
// Event types have a static mapping to allowed payload variants;
// constructing an event with the wrong payload is an error at
// construction time, never at dispatch.
package eventbus
