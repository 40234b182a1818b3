// Package nodemanager maintains the local node's description and the
// kernel's view of its peers: placeholder creation when a neighbor
// interface appears, description exchange gating, and
// freshest-description-wins merging of received node descriptions.
package nodemanager
