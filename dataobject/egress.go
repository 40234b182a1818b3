package dataobject

import (
	"io"
	"os"
	"sync"

	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/metadata"
)

// Retriever is the egress side of a transfer: it captures a data object's
// serialized header once, opens its payload file lazily, and streams
// both out through successive Retrieve calls. It holds a reference to
// the data object for its own lifetime so the object (and therefore
// its payload file) cannot be reclaimed mid-transfer.
type Retriever struct {
	mu sync.Mutex

	obj *DataObject

	header    []byte
	headerOff int

	file       *os.File
	payloadLen uint64
	payloadOff uint64
	filePath   string
}

// NewRetriever serializes d's header and prepares to stream its
// payload, if any. Local-only fields (the payload's FilePath) are
// stripped: egress always produces the remote form of the header.
func NewRetriever(d *DataObject) (*Retriever, error) {
	m := d.ToMetadata()
	StripLocal(m)
	buf, err := metadata.Serialize(m)
	if err != nil {
		return nil, err
	}
	r := &Retriever{obj: d, header: buf}
	if p := d.Payload(); p != nil && p.DataLen > 0 {
		r.payloadLen = p.DataLen
		r.filePath = p.FilePath
	}
	return r, nil
}

// Retrieve copies into buf, draining the header first and then the
// payload (unless headerOnly). It returns the number of bytes written
// and io.EOF once both are exhausted.
func (r *Retriever) Retrieve(buf []byte, headerOnly bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	if r.headerOff < len(r.header) {
		n := copy(buf, r.header[r.headerOff:])
		r.headerOff += n
		total += n
		buf = buf[n:]
	}
	if headerOnly {
		if r.headerOff >= len(r.header) {
			return total, io.EOF
		}
		return total, nil
	}
	if len(buf) == 0 {
		return total, nil
	}
	if r.payloadLen == 0 {
		if r.headerOff >= len(r.header) {
			return total, io.EOF
		}
		return total, nil
	}
	if r.file == nil && r.headerOff >= len(r.header) {
		f, err := os.Open(r.filePath)
		if err != nil {
			return total, errors.WrapTransient(err, "dataobject", "Retrieve", "open payload file")
		}
		r.file = f
	}
	if r.file == nil {
		return total, nil
	}
	n, err := r.file.Read(buf)
	total += n
	r.payloadOff += uint64(n)
	if err != nil && err != io.EOF {
		return total, errors.WrapTransient(err, "dataobject", "Retrieve", "read payload file")
	}
	if r.payloadOff >= r.payloadLen {
		r.file.Close()
		r.file = nil
		return total, io.EOF
	}
	return total, nil
}

// Read implements io.Reader by delegating to Retrieve with
// headerOnly=false, so a Retriever can be used directly with anything
// that accepts an io.Reader (e.g. a protocol Transport's writer).
func (r *Retriever) Read(p []byte) (int, error) {
	return r.Retrieve(p, false)
}

// Close releases the retriever's open payload file handle, if any.
func (r *Retriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
