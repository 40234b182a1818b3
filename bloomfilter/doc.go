// Package bloomfilter implements the probabilistic set used for
// per-node duplicate suppression: a node advertises a filter of every
// data object id it has seen, and peers consult it before sending.
//
// Counting and non-counting variants share one wire format,
// (k, m, n, salts[k], bins), all integers big-endian, carried
// base64-encoded inside node descriptions.
package bloomfilter
