package node

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/bloomfilter"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/metadata"
)

// Node-description metadata element and parameter names.
const (
	nodeElement        = "Node"
	bloomfilterElement = "Bloomfilter"
)

// FormatCreateTime renders t as the wire "seconds.microseconds"
// decimal string.
func FormatCreateTime(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// CompareCreateTimes compares two "seconds.microseconds" strings
// numerically, returning -1, 0, or 1. Malformed strings compare as
// zero time, so any well-formed timestamp beats them.
func CompareCreateTimes(a, b string) int {
	av := parseCreateTime(a)
	bv := parseCreateTime(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func parseCreateTime(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// Description projects the node's state onto a node-description data
// object: a NodeDescription attribute naming the node id, plus a Node
// metadata element carrying name, matching parameters, interests, and
// the base64 bloom filter. createTime stamps the description for
// freshness comparison at receivers.
func (n *Node) Description(createTime string) (*dataobject.DataObject, error) {
	n.mu.Lock()
	id := n.id
	name := n.name
	interests := n.interests.Clone()
	filter := n.filter
	maxMatches := n.maxMatches
	threshold := n.threshold
	n.mu.Unlock()

	d := dataobject.NewWithAttributes(attribute.NewSet(
		attribute.New(dataobject.NodeDescriptionAttribute, id.String()),
	))
	d.SetCreateTime(createTime)
	describeInto(d, id, name, interests, filter, maxMatches, threshold)
	return d, nil
}

func describeInto(d *dataobject.DataObject, id ID, name string, interests *attribute.Set,
	filter *bloomfilter.Filter, maxMatches, threshold uint32) {
	// The Node element rides as extra metadata; FromDescription peels
	// it back off. Attributes on the data object itself stay limited
	// to NodeDescription so interest matching is not polluted by the
	// peer's own interests.
	ext := metadata.New(nodeElement)
	ext.SetParameter("id", id.String())
	if name != "" {
		ext.SetParameter("name", name)
	}
	ext.SetParameter("max_matches", strconv.FormatUint(uint64(maxMatches), 10))
	ext.SetParameter("threshold", strconv.FormatUint(uint64(threshold), 10))
	for _, a := range interests.Sorted() {
		attrNode := ext.NewChild("Attr")
		attrNode.SetParameter("name", a.Name)
		if a.Weight != attribute.DefaultWeight {
			attrNode.SetParameter("weight", strconv.FormatUint(uint64(a.Weight), 10))
		}
		attrNode.SetContent(a.Value)
	}
	if filter != nil {
		ext.NewChild(bloomfilterElement).SetContent(filter.ToBase64())
	}
	d.SetExtension(ext)
}

// FromDescription rebuilds a Node from a received node-description
// data object. The data object must carry the NodeDescription
// attribute and a Node metadata element.
func FromDescription(d *dataobject.DataObject) (*Node, error) {
	if !d.IsNodeDescription() {
		return nil, errors.WrapInvalid(fmt.Errorf("no %s attribute", dataobject.NodeDescriptionAttribute),
			"node", "FromDescription", "not a node description")
	}
	ext := d.Extension(nodeElement)
	if ext == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("no %s element", nodeElement),
			"node", "FromDescription", "not a node description")
	}

	idStr, ok := ext.GetParameter("id")
	if !ok {
		// Fall back to the NodeDescription attribute value; a wildcard
		// there means the sender did not disclose an id.
		attrs := d.Attributes().ByName(dataobject.NodeDescriptionAttribute)
		if len(attrs) == 0 || attrs[0].IsWildcard() {
			return nil, errors.WrapInvalid(fmt.Errorf("description names no node id"),
				"node", "FromDescription", "missing node id")
		}
		idStr = attrs[0].Value
	}
	id, err := ParseID(idStr)
	if err != nil {
		return nil, err
	}

	n, err := New(TypePeer, id, "")
	if err != nil {
		return nil, err
	}
	if name, ok := ext.GetParameter("name"); ok {
		n.SetName(name)
	}
	if v, ok := ext.GetParameter("max_matches"); ok {
		n.SetMaxMatches(parseUint32(v, DefaultMaxMatches))
	}
	if v, ok := ext.GetParameter("threshold"); ok {
		n.SetThreshold(parseUint32(v, DefaultMatchingThreshold))
	}

	interests := attribute.NewSet()
	for _, attrNode := range ext.ChildrenByName("Attr") {
		name, _ := attrNode.GetParameter("name")
		weight := uint32(attribute.DefaultWeight)
		if w, ok := attrNode.GetParameter("weight"); ok {
			weight = parseUint32(w, attribute.DefaultWeight)
		}
		interests.Add(attribute.NewWeighted(name, attrNode.Content(), weight))
	}
	n.SetInterests(interests)

	if bfNode, ok := ext.FirstChildByName(bloomfilterElement); ok {
		f, err := bloomfilter.FromBase64(bfNode.Content())
		if err != nil {
			return nil, err
		}
		n.SetBloomfilter(f)
	}

	if ct, ok := d.CreateTime(); ok {
		n.mu.Lock()
		n.descriptionCreateTime = ct
		n.mu.Unlock()
	}
	return n, nil
}
