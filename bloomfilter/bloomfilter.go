package bloomfilter

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/haggle-project/haggle/errors"
)

// DefaultErrorRate is the false-positive target used when a node does
// not configure one.
const DefaultErrorRate = 0.01

// DefaultCapacity is the default number of keys a node's filter is
// sized for.
const DefaultCapacity = 2000

// headerLen is k + m + n, each a big-endian u32, on the wire.
const headerLen = 12

// Filter is a bloom filter over byte-string keys. The counting variant
// uses one byte per bin and supports Remove; the non-counting variant
// uses one bit per bin.
type Filter struct {
	mu sync.RWMutex

	k        uint32
	m        uint32
	n        uint32
	salts    []uint32
	bins     []byte
	counting bool
}

// optimalParameters picks (m, k) minimizing false positives at
// capacity for the target error rate. m is rounded up to a multiple
// of 8 so the non-counting bit array is byte-addressable.
func optimalParameters(errorRate float64, capacity uint32) (m, k uint32) {
	if errorRate <= 0 || errorRate >= 1 {
		errorRate = DefaultErrorRate
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	ln2 := math.Ln2
	mf := math.Ceil(-float64(capacity) * math.Log(errorRate) / (ln2 * ln2))
	m = uint32(mf)
	if rem := m % 8; rem != 0 {
		m += 8 - rem
	}
	kf := math.Round(float64(m) / float64(capacity) * ln2)
	if kf < 1 {
		kf = 1
	}
	return m, uint32(kf)
}

func newFilter(errorRate float64, capacity uint32, counting bool) (*Filter, error) {
	m, k := optimalParameters(errorRate, capacity)
	salts := make([]uint32, k)
	raw := make([]byte, 4*k)
	if _, err := rand.Read(raw); err != nil {
		return nil, errors.WrapFatal(err, "bloomfilter", "New", "generate salts")
	}
	for i := range salts {
		salts[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	f := &Filter{k: k, m: m, salts: salts, counting: counting}
	if counting {
		f.bins = make([]byte, m)
	} else {
		f.bins = make([]byte, m/8)
	}
	return f, nil
}

// New creates a non-counting filter sized for the given false-positive
// target at the given capacity.
func New(errorRate float64, capacity uint32) (*Filter, error) {
	return newFilter(errorRate, capacity, false)
}

// NewCounting creates a counting filter, one byte per bin. A bin
// saturates at 255 and stops counting; Remove on a saturated bin is
// a no-op for that bin.
func NewCounting(errorRate float64, capacity uint32) (*Filter, error) {
	return newFilter(errorRate, capacity, true)
}

// binIndex derives the bin for (salt, key) by mixing through SHA-1.
func (f *Filter) binIndex(salt uint32, key []byte) uint32 {
	h := sha1.New()
	var sb [4]byte
	binary.BigEndian.PutUint32(sb[:], salt)
	h.Write(sb[:])
	h.Write(key)
	return binary.BigEndian.Uint32(h.Sum(nil)[:4]) % f.m
}

// Add inserts key, setting or incrementing its k bins.
func (f *Filter) Add(key []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, salt := range f.salts {
		i := f.binIndex(salt, key)
		if f.counting {
			if f.bins[i] < 255 {
				f.bins[i]++
			}
		} else {
			f.bins[i/8] |= 1 << (i % 8)
		}
	}
	f.n++
}

// Check reports whether key may have been added: true iff all k bins
// are non-zero. False positives occur at the configured rate; false
// negatives never (absent Remove on the counting variant).
func (f *Filter) Check(key []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, salt := range f.salts {
		i := f.binIndex(salt, key)
		if f.counting {
			if f.bins[i] == 0 {
				return false
			}
		} else if f.bins[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Remove decrements key's bins. Only defined for the counting variant.
func (f *Filter) Remove(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.counting {
		return errors.WrapInvalid(fmt.Errorf("remove on non-counting filter"),
			"bloomfilter", "Remove", "unsupported operation")
	}
	for _, salt := range f.salts {
		i := f.binIndex(salt, key)
		if f.bins[i] > 0 && f.bins[i] < 255 {
			f.bins[i]--
		}
	}
	if f.n > 0 {
		f.n--
	}
	return nil
}

// N returns the number of inserted keys.
func (f *Filter) N() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.n
}

// Counting reports whether this is the counting variant.
func (f *Filter) Counting() bool { return f.counting }

// Copy returns an independent snapshot of the filter, used by readers
// that must not observe concurrent mutation.
func (f *Filter) Copy() *Filter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := &Filter{k: f.k, m: f.m, n: f.n, counting: f.counting}
	out.salts = append([]uint32(nil), f.salts...)
	out.bins = append([]byte(nil), f.bins...)
	return out
}

// ToBytes serializes the filter to its wire struct:
// k:u32 | m:u32 | n:u32 | salts[k]:u32 | bins, all big-endian.
func (f *Filter) ToBytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]byte, headerLen+4*len(f.salts)+len(f.bins))
	binary.BigEndian.PutUint32(out[0:], f.k)
	binary.BigEndian.PutUint32(out[4:], f.m)
	binary.BigEndian.PutUint32(out[8:], f.n)
	for i, s := range f.salts {
		binary.BigEndian.PutUint32(out[headerLen+4*i:], s)
	}
	copy(out[headerLen+4*len(f.salts):], f.bins)
	return out
}

// FromBytes parses a wire struct, inferring the variant from the bin
// array length: m/8 bytes is non-counting, m bytes counting. Any other
// length is rejected.
func FromBytes(buf []byte) (*Filter, error) {
	if len(buf) < headerLen {
		return nil, errors.WrapInvalid(fmt.Errorf("buffer too short: %d bytes", len(buf)),
			"bloomfilter", "FromBytes", "parse wire struct")
	}
	k := binary.BigEndian.Uint32(buf[0:])
	m := binary.BigEndian.Uint32(buf[4:])
	n := binary.BigEndian.Uint32(buf[8:])
	if k == 0 || m == 0 || m%8 != 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("bad parameters k=%d m=%d", k, m),
			"bloomfilter", "FromBytes", "parse wire struct")
	}
	saltsEnd := headerLen + int(k)*4
	if len(buf) < saltsEnd {
		return nil, errors.WrapInvalid(fmt.Errorf("truncated salts: %d bytes", len(buf)),
			"bloomfilter", "FromBytes", "parse wire struct")
	}
	binLen := len(buf) - saltsEnd
	var counting bool
	switch uint32(binLen) {
	case m / 8:
		counting = false
	case m:
		counting = true
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("bin array %d bytes for m=%d", binLen, m),
			"bloomfilter", "FromBytes", "size mismatch")
	}
	f := &Filter{k: k, m: m, n: n, counting: counting}
	f.salts = make([]uint32, k)
	for i := range f.salts {
		f.salts[i] = binary.BigEndian.Uint32(buf[headerLen+4*i:])
	}
	f.bins = append([]byte(nil), buf[saltsEnd:]...)
	return f, nil
}

// ToBase64 serializes the filter for carriage inside a node
// description.
func (f *Filter) ToBase64() string {
	return base64.StdEncoding.EncodeToString(f.ToBytes())
}

// FromBase64 parses a base64-encoded wire struct.
func FromBase64(s string) (*Filter, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.WrapInvalid(err, "bloomfilter", "FromBase64", "decode base64")
	}
	return FromBytes(raw)
}
