package dataobject

import (
	"crypto/sha1"
	"io"
	"os"

	"github.com/haggle-project/haggle/errors"
)

// Verify streams the payload file through SHA-1 and compares it with
// the declared dataHash, setting dataState accordingly.
// Verify is idempotent: if dataState is already VerifiedOK or
// VerifiedBad it returns immediately without re-reading the file. A
// payload with no declared hash is left NotVerified; that is left to
// caller policy.
func (d *DataObject) Verify() error {
	d.mu.Lock()
	state := d.dataState
	payload := d.payload
	d.mu.Unlock()

	if state == DataStateVerifiedOK || state == DataStateVerifiedBad {
		return nil
	}
	if payload == nil || payload.DataLen == 0 {
		return nil
	}
	if len(payload.DataHash) == 0 {
		return nil
	}

	f, err := os.Open(payload.FilePath)
	if err != nil {
		return errors.WrapTransient(err, "dataobject", "Verify", "open payload file")
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.WrapTransient(err, "dataobject", "Verify", "read payload file")
	}
	sum := h.Sum(nil)

	d.mu.Lock()
	defer d.mu.Unlock()
	if bytesEqual(sum, payload.DataHash) {
		d.dataState = DataStateVerifiedOK
	} else {
		d.dataState = DataStateVerifiedBad
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Release removes the payload file if this object owns it. Callers
// must invoke this exactly once when the object is being discarded,
// typically from the DataStore's delete and aging paths.
func (d *DataObject) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.payload == nil || !d.payload.owned || d.payload.FilePath == "" {
		return nil
	}
	err := os.Remove(d.payload.FilePath)
	if err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "dataobject", "Release", "remove payload file")
	}
	return nil
}
