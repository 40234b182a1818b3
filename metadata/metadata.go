// Package metadata implements the rooted metadata tree that is the
// canonical wire form for data objects and node descriptions.
package metadata

import (
	"fmt"
	"strings"

	"github.com/haggle-project/haggle/errors"
)

// RootName is the fixed root element name for a data object's metadata.
const RootName = "Haggle"

// param is a single ordered name/value pair.
type param struct {
	name  string
	value string
}

// Metadata is a rooted tree node: a name, optional text content, an
// ordered parameter map, and an ordered list of children.
type Metadata struct {
	name     string
	content  string
	params   []param
	children []*Metadata
}

// New creates a Metadata node with the given name.
func New(name string) *Metadata {
	return &Metadata{name: name}
}

// NewRoot creates the root node of a data object's metadata tree.
func NewRoot() *Metadata {
	return New(RootName)
}

// Name returns the node's element name.
func (m *Metadata) Name() string { return m.name }

// SetContent sets the node's text content.
func (m *Metadata) SetContent(content string) { m.content = content }

// Content returns the node's text content.
func (m *Metadata) Content() string { return m.content }

// SetParameter sets a named parameter, overwriting any existing value
// for that name but preserving its original insertion position.
func (m *Metadata) SetParameter(name, value string) {
	for i := range m.params {
		if m.params[i].name == name {
			m.params[i].value = value
			return
		}
	}
	m.params = append(m.params, param{name: name, value: value})
}

// GetParameter returns a named parameter and whether it was present.
func (m *Metadata) GetParameter(name string) (string, bool) {
	for _, p := range m.params {
		if p.name == name {
			return p.value, true
		}
	}
	return "", false
}

// ParameterNames returns parameter names in insertion order.
func (m *Metadata) ParameterNames() []string {
	out := make([]string, len(m.params))
	for i, p := range m.params {
		out[i] = p.name
	}
	return out
}

// AddChild appends a child node, preserving insertion order.
func (m *Metadata) AddChild(child *Metadata) {
	m.children = append(m.children, child)
}

// NewChild creates a named child, appends it, and returns it.
func (m *Metadata) NewChild(name string) *Metadata {
	c := New(name)
	m.AddChild(c)
	return c
}

// Children returns all children in insertion order.
func (m *Metadata) Children() []*Metadata {
	out := make([]*Metadata, len(m.children))
	copy(out, m.children)
	return out
}

// ChildrenByName iterates children with the given name, in insertion
// order.
func (m *Metadata) ChildrenByName(name string) []*Metadata {
	var out []*Metadata
	for _, c := range m.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// FirstChildByName returns the first child with the given name, if any.
func (m *Metadata) FirstChildByName(name string) (*Metadata, bool) {
	for _, c := range m.children {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// RemoveFirstChildByName removes the first child with the given name.
// Reports whether a child was removed.
func (m *Metadata) RemoveFirstChildByName(name string) bool {
	for i, c := range m.children {
		if c.name == name {
			m.children = append(m.children[:i], m.children[i+1:]...)
			return true
		}
	}
	return false
}

// Clone deep-copies the node and its entire subtree.
func (m *Metadata) Clone() *Metadata {
	out := &Metadata{name: m.name, content: m.content}
	out.params = append(out.params, m.params...)
	for _, c := range m.children {
		out.AddChild(c.Clone())
	}
	return out
}

// validateRootName rejects any tree whose root is not the Haggle
// element; parsing is strict on the root name.
func validateRootName(m *Metadata) error {
	if !strings.EqualFold(m.name, RootName) {
		return errors.WrapInvalid(
			fmt.Errorf("root element %q, want %q", m.name, RootName),
			"metadata", "Parse", "root name mismatch")
	}
	return nil
}
