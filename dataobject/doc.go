// Package dataobject implements the atom of exchange: a
// content-addressed unit of metadata plus optional payload. Identity
// is a SHA-1 over the sorted attribute triples, the creation
// timestamp, and the payload fingerprint, so independent publishers
// of identical content produce identical ids.
//
// Objects arrive three ways: from a materialized metadata buffer,
// from an in-process publisher supplying attributes and a file, or by
// streaming ingest from a network contact, where the header is
// detected by its closing root tag and the payload is written to an
// owned local file until the declared length is reached.
package dataobject
