package store

import (
	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/node"
)

// NodeMatch is the score of a data object against a node's interests.
type NodeMatch struct {
	// Count is the number of interests with a (name, value) match in
	// the data object.
	Count int
	// Weighted is the sum of the weights of matching interests.
	Weighted uint64
	// Ratio is the integer percent 100*Weighted/sum(all weights).
	Ratio uint32
	// Vetoed is true when a matching interest has weight zero: the
	// object is excluded regardless of ratio.
	Vetoed bool
}

// matchInterests scores object attributes against weighted interests.
// A match is name and value equality at any object-side weight.
func matchInterests(interests *attribute.Set, attrs *attribute.Set) NodeMatch {
	var m NodeMatch
	total := interests.WeightSum()
	for _, interest := range interests.All() {
		if !attrs.HasNameValue(interest.Name, interest.Value) {
			continue
		}
		if interest.Weight == 0 {
			m.Vetoed = true
		}
		m.Count++
		m.Weighted += uint64(interest.Weight)
	}
	if total > 0 {
		m.Ratio = uint32(100 * m.Weighted / total)
	}
	return m
}

// MatchNodeObject scores d for n and reports whether d is a candidate
// under n's threshold, the caller's minimum match count, and the veto
// rule.
func MatchNodeObject(n *node.Node, d *dataobject.DataObject, minMatches int) (NodeMatch, bool) {
	m := matchInterests(n.Interests(), d.Attributes())
	if m.Vetoed {
		return m, false
	}
	if m.Count < minMatches {
		return m, false
	}
	if m.Ratio < n.Threshold() {
		return m, false
	}
	if m.Count == 0 {
		return m, false
	}
	return m, true
}

// MatchFilterObject scores a filter against a data object's attributes
//: every filter attribute must have a same-name object
// attribute whose value equals it or the filter value is the wildcard.
// The returned ratio is 100*matches/len(filter).
func MatchFilterObject(f *Filter, attrs *attribute.Set) (ratio uint32, ok bool) {
	fa := f.Attributes.All()
	if len(fa) == 0 {
		return 0, false
	}
	matches := 0
	for _, a := range fa {
		if matchesFilterAttribute(a, attrs) {
			matches++
		}
	}
	if matches != len(fa) {
		return uint32(100 * matches / len(fa)), false
	}
	return 100, true
}

func matchesFilterAttribute(a attribute.Attribute, attrs *attribute.Set) bool {
	if a.IsWildcard() {
		return len(attrs.ByName(a.Name)) > 0
	}
	return attrs.HasNameValue(a.Name, a.Value)
}

// MatchFilterNode applies the filter to a node's interests, used to
// resolve application subscriptions against newly-learned node
// descriptions.
func MatchFilterNode(f *Filter, n *node.Node) bool {
	_, ok := MatchFilterObject(f, n.Interests())
	return ok
}
