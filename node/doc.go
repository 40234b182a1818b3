// Package node models a Haggle peer: its identity, declared
// interests, bloom filter of seen data objects, matching parameters,
// and the interfaces it has been observed on. The node description
// data object is the wire projection of this state.
package node
