package dataobject

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/metadata"
)

// Pending is the sentinel Remaining returns while the metadata header
// has not yet been fully received.
const Pending int64 = -1

// maxHeaderSize bounds the header accumulation buffer against a
// malicious or broken sender that never sends a closing tag.
const maxHeaderSize = 64 * 1024

type ingestPhase int

const (
	phaseHeader ingestPhase = iota
	phasePayload
	phaseDone
	phaseError
)

// Ingest is the two-phase streaming ingest state machine: bytes are
// fed in via PutData until the metadata header is
// parsed and, if a payload follows, until its declared length has been
// written to a locally owned file.
type Ingest struct {
	mu sync.Mutex

	dir   string
	phase ingestPhase

	headerBuf []byte

	obj *DataObject

	file          *os.File
	filePath      string
	payloadLen    uint64
	payloadWritten uint64
}

// NewIngest starts a streaming ingest that will materialize any
// payload as a file under dir.
func NewIngest(dir string) *Ingest {
	return &Ingest{dir: dir, phase: phaseHeader}
}

// PutData feeds the next chunk of bytes. It returns how many bytes of
// chunk were consumed and how many payload bytes remain (Pending
// during the header phase). A non-nil error means the ingest has
// failed permanently; any partial payload file has already been
// removed.
func (in *Ingest) PutData(chunk []byte) (consumed int, remaining int64, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.phase {
	case phaseHeader:
		return in.putHeader(chunk)
	case phasePayload:
		return in.putPayload(chunk)
	case phaseDone:
		return 0, 0, nil
	default:
		return 0, 0, errors.WrapInvalid(fmt.Errorf("ingest already failed"), "dataobject", "PutData", "ingest in error state")
	}
}

func (in *Ingest) putHeader(chunk []byte) (int, int64, error) {
	prevLen := len(in.headerBuf)
	in.headerBuf = append(in.headerBuf, chunk...)

	idx := metadata.FindClosingTag(in.headerBuf)
	if idx > maxHeaderSize || (idx < 0 && len(in.headerBuf) > maxHeaderSize) {
		in.phase = phaseError
		return 0, 0, errors.WrapInvalid(fmt.Errorf("metadata header exceeds %d bytes", maxHeaderSize),
			"dataobject", "putHeader", "header too large")
	}
	if idx < 0 {
		return len(chunk), Pending, nil
	}

	consumedForHeader := idx - prevLen // bytes of chunk that belong to the header
	leftover := in.headerBuf[idx:]     // bytes of chunk already received beyond the closing tag

	parsed, err := metadata.Parse(in.headerBuf[:idx])
	if err != nil {
		in.phase = phaseError
		return consumedForHeader, 0, errors.WrapInvalid(err, "dataobject", "putHeader", "malformed metadata header")
	}
	obj, err := FromMetadata(parsed)
	if err != nil {
		in.phase = phaseError
		return consumedForHeader, 0, err
	}
	in.obj = obj
	in.headerBuf = nil

	payload := obj.Payload()
	if payload == nil || payload.DataLen == 0 {
		in.phase = phaseDone
		return consumedForHeader, 0, nil
	}

	in.payloadLen = payload.DataLen
	if err := in.openPayloadFile(); err != nil {
		in.phase = phaseError
		return consumedForHeader, 0, err
	}
	in.phase = phasePayload

	take := len(leftover)
	if uint64(take) > in.payloadLen {
		take = int(in.payloadLen)
	}
	if take > 0 {
		if err := in.writePayload(leftover[:take]); err != nil {
			return consumedForHeader, 0, err
		}
	}
	remaining := int64(in.payloadLen - in.payloadWritten)
	if remaining == 0 {
		in.finishPayload()
	}
	return consumedForHeader + take, remaining, nil
}

func (in *Ingest) putPayload(chunk []byte) (int, int64, error) {
	need := in.payloadLen - in.payloadWritten
	take := uint64(len(chunk))
	if take > need {
		take = need
	}
	if take > 0 {
		if err := in.writePayload(chunk[:take]); err != nil {
			return 0, 0, err
		}
	}
	remaining := int64(in.payloadLen - in.payloadWritten)
	if remaining == 0 {
		in.finishPayload()
	}
	return int(take), remaining, nil
}

func (in *Ingest) writePayload(b []byte) error {
	if _, err := in.file.Write(b); err != nil {
		in.abort()
		return errors.WrapTransient(err, "dataobject", "writePayload", "write payload file")
	}
	in.payloadWritten += uint64(len(b))
	return nil
}

// openPayloadFile creates a unique local file derived from the
// object's id, prefixing with a monotonically increasing integer on
// collision.
func (in *Ingest) openPayloadFile() error {
	id := in.obj.ID()
	base := encodeHex(id[:])

	for attempt := 0; ; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%d-%s", attempt, base)
		}
		path := filepath.Join(in.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			in.file = f
			in.filePath = path
			return nil
		}
		if !os.IsExist(err) {
			return errors.WrapTransient(err, "dataobject", "openPayloadFile", "create payload file")
		}
	}
}

func (in *Ingest) finishPayload() {
	if in.file != nil {
		in.file.Close()
	}
	payload := in.obj.Payload()
	payload.FilePath = in.filePath
	payload.owned = true
	in.obj.dataState = DataStateNotVerified
	in.phase = phaseDone
}

// abort closes and removes the partial payload file: the object owns
// it and a failed ingest must not leak it.
func (in *Ingest) abort() {
	if in.file != nil {
		in.file.Close()
		os.Remove(in.filePath)
		in.file = nil
	}
	in.phase = phaseError
}

// Done reports whether ingest has completed successfully.
func (in *Ingest) Done() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.phase == phaseDone
}

// Failed reports whether ingest has failed permanently.
func (in *Ingest) Failed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.phase == phaseError
}

// Object returns the ingested data object once Done reports true; nil
// otherwise.
func (in *Ingest) Object() *DataObject {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase != phaseDone {
		return nil
	}
	return in.obj
}
