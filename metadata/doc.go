// Package metadata implements the rooted name/content/parameter tree
// that is the canonical wire form for data objects and node
// descriptions. Serialization is deterministic for a fixed tree:
// parameters and children render in insertion order. Parsing is
// strict on the root element name.
package metadata
