// Package connectivity discovers neighbors. Each local interface gets
// a cooperatively cancelable scan worker driving a link-specific
// Discoverer (an external collaborator); confirmed Haggle peers
// surface as NeighborInterfaceUp events and expire to
// NeighborInterfaceDown after enough missed scans.
package connectivity
