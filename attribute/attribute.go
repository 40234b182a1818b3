// Package attribute implements Haggle's weighted name/value tag and the
// multiset container used by both data objects (interests, content tags)
// and nodes (declared interests).
package attribute

import "sort"

// WildcardValue denotes "any value" when used inside a Filter.
// It is never meaningful on a DataObject or Node attribute.
const WildcardValue = "*"

// DefaultWeight is the weight assigned when a publisher does not set one.
const DefaultWeight = 1

// Attribute is a weighted (name, value) tag.
type Attribute struct {
	Name   string
	Value  string
	Weight uint32
}

// New returns an Attribute with the default weight.
func New(name, value string) Attribute {
	return Attribute{Name: name, Value: value, Weight: DefaultWeight}
}

// NewWeighted returns an Attribute with an explicit weight.
func NewWeighted(name, value string, weight uint32) Attribute {
	return Attribute{Name: name, Value: value, Weight: weight}
}

// IsWildcard reports whether this attribute's value is the filter wildcard.
func (a Attribute) IsWildcard() bool {
	return a.Value == WildcardValue
}

// Less orders attributes by (name, value, weight), the order id
// hashing and deterministic metadata serialization rely on.
func Less(a, b Attribute) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Weight < b.Weight
}

// Set is a multiset of Attributes keyed by (name, value, weight): two
// attributes with identical name and value but different weight are
// distinct entries. Identical (name, value, weight) triples are
// de-duplicated, both on a DataObject and in a Node's interests.
type Set struct {
	items []Attribute
}

// NewSet builds a Set from a slice of attributes, de-duplicating exact
// (name, value, weight) triples.
func NewSet(attrs ...Attribute) *Set {
	s := &Set{}
	for _, a := range attrs {
		s.Add(a)
	}
	return s
}

// Add inserts a into the set unless an identical (name, value, weight)
// triple is already present.
func (s *Set) Add(a Attribute) {
	for _, existing := range s.items {
		if existing == a {
			return
		}
	}
	s.items = append(s.items, a)
}

// Remove deletes every attribute matching the given triple exactly.
func (s *Set) Remove(a Attribute) {
	out := s.items[:0]
	for _, existing := range s.items {
		if existing != a {
			out = append(out, existing)
		}
	}
	s.items = out
}

// RemoveName deletes every attribute whose name matches, regardless
// of value or weight.
func (s *Set) RemoveName(name string) {
	out := s.items[:0]
	for _, existing := range s.items {
		if existing.Name != name {
			out = append(out, existing)
		}
	}
	s.items = out
}

// ByName returns every attribute with the given name, in insertion order.
func (s *Set) ByName(name string) []Attribute {
	var out []Attribute
	for _, a := range s.items {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

// HasNameValue reports whether the set contains an attribute with the
// given name and value, at any weight.
func (s *Set) HasNameValue(name, value string) bool {
	for _, a := range s.items {
		if a.Name == name && a.Value == value {
			return true
		}
	}
	return false
}

// Len returns the number of attributes in the set.
func (s *Set) Len() int {
	return len(s.items)
}

// All returns a copy of the set's attributes in insertion order.
func (s *Set) All() []Attribute {
	out := make([]Attribute, len(s.items))
	copy(out, s.items)
	return out
}

// Sorted returns a copy of the set's attributes ordered by (name, value,
// weight), the order required for id hashing and deterministic
// serialization.
func (s *Set) Sorted() []Attribute {
	out := s.All()
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// WeightSum returns the sum of weights across all attributes, used as
// the denominator in the match-ratio computation.
func (s *Set) WeightSum() uint64 {
	var sum uint64
	for _, a := range s.items {
		sum += uint64(a.Weight)
	}
	return sum
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	out := &Set{items: make([]Attribute, len(s.items))}
	copy(out.items, s.items)
	return out
}

// Equal reports whether two sets contain the same multiset of attributes,
// ignoring order.
func Equal(a, b *Set) bool {
	if a.Len() != b.Len() {
		return false
	}
	as, bs := a.Sorted(), b.Sorted()
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
