// Package dataobject implements the central content unit of the
// kernel: identity hashing, streaming ingest from a network contact,
// egress retrieval, and payload verification.
package dataobject

import (
	"crypto/sha1"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/metadata"
)

// IDLen is the length in bytes of a data object id (SHA-1 digest).
const IDLen = sha1.Size

// ID is a 20-byte content-derived identity.
type ID [IDLen]byte

// String returns the id's wire string form: lowercase hex, 40 chars.
func (id ID) String() string { return encodeHex(id[:]) }

// NodeDescriptionAttribute is the attribute name that, when present,
// marks a data object as carrying a node description.
const NodeDescriptionAttribute = "NodeDescription"

// SignatureStatus reflects whether a data object's signature has been
// checked against its id.
type SignatureStatus int

const (
	// SignatureMissing means no signature was ever attached.
	SignatureMissing SignatureStatus = iota
	// SignatureUnverified means a signature is present but unchecked.
	SignatureUnverified
	// SignatureValid means the signature checked out.
	SignatureValid
	// SignatureInvalid means verification failed.
	SignatureInvalid
)

// DataState reflects the verification state of the payload.
type DataState int

const (
	// DataStateNone means there is no payload.
	DataStateNone DataState = iota
	// DataStateNotVerified means a payload exists but verify_data has
	// not (yet, successfully) run.
	DataStateNotVerified
	// DataStateVerifiedOK means the payload hash matched dataHash.
	DataStateVerifiedOK
	// DataStateVerifiedBad means the payload hash did not match.
	DataStateVerifiedBad
)

// Payload describes a data object's optional content body.
type Payload struct {
	// FilePath is the local path of the payload file, if materialized.
	FilePath string
	// FileName is the publisher-declared name carried on the wire; it
	// participates in id hashing when DataHash is absent.
	FileName string
	// DataLen is the payload length in bytes.
	DataLen uint64
	// DataHash is the SHA-1 of the payload, if known in advance.
	DataHash []byte
	// owned is true iff this DataObject created FilePath itself, via
	// streaming ingest; only then does it own (and may delete) the
	// file.
	owned bool
}

// DataObject is the central content unit.
type DataObject struct {
	mu sync.Mutex

	id      ID
	idValid bool

	attributes *attribute.Set

	createTime    string
	hasCreateTime bool
	receiveTime   time.Time

	persistent bool

	signature       []byte
	signee          string
	signatureStatus SignatureStatus

	payload   *Payload
	dataState DataState

	// extensions are metadata children beyond the Attr/Signature/Data
	// elements the data object itself projects, e.g. the Node element
	// of a node description or a forwarder's routing metric. They ride
	// along on the wire but do not participate in id hashing.
	extensions []*metadata.Metadata

	localInterface  *iface.Interface
	remoteInterface *iface.Interface
}

// New creates an empty, persistent data object with no attributes.
func New() *DataObject {
	return &DataObject{
		attributes:  attribute.NewSet(),
		persistent:  true,
		receiveTime: time.Now(),
	}
}

// NewWithAttributes creates a data object carrying attrs, marking its
// receive time as now. The id is computed lazily.
func NewWithAttributes(attrs *attribute.Set) *DataObject {
	if attrs == nil {
		attrs = attribute.NewSet()
	}
	return &DataObject{
		attributes:  attrs,
		persistent:  true,
		receiveTime: time.Now(),
	}
}

// Attributes returns the data object's attribute set directly; callers
// mutating it must call InvalidateID afterward.
func (d *DataObject) Attributes() *attribute.Set {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attributes
}

// AddAttribute adds a to the data object and invalidates the cached id.
func (d *DataObject) AddAttribute(a attribute.Attribute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attributes.Add(a)
	d.idValid = false
}

// SetCreateTime sets the publisher's creation timestamp, a decimal
// "seconds.microseconds" string, and invalidates the cached id.
func (d *DataObject) SetCreateTime(t string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createTime = t
	d.hasCreateTime = true
	d.idValid = false
}

// CreateTime returns the publisher's creation timestamp and whether
// one was set.
func (d *DataObject) CreateTime() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createTime, d.hasCreateTime
}

// ReceiveTime returns the wall-clock time of first local ingest.
func (d *DataObject) ReceiveTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiveTime
}

// SetPersistent sets whether this object survives past a single match
// pass.
func (d *DataObject) SetPersistent(p bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistent = p
}

// Persistent reports whether the object is persistent.
func (d *DataObject) Persistent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persistent
}

// IsNodeDescription reports whether the object carries a
// NodeDescription attribute.
func (d *DataObject) IsNodeDescription() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attributes.ByName(NodeDescriptionAttribute)) > 0
}

// SetLocalInterface records the local interface the object arrived on
// or will be sent over.
func (d *DataObject) SetLocalInterface(i *iface.Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localInterface = i
}

// LocalInterface returns the recorded local interface, if any.
func (d *DataObject) LocalInterface() *iface.Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localInterface
}

// SetRemoteInterface records the remote interface the object arrived
// from or will be sent to.
func (d *DataObject) SetRemoteInterface(i *iface.Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteInterface = i
}

// RemoteInterface returns the recorded remote interface, if any.
func (d *DataObject) RemoteInterface() *iface.Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteInterface
}

// Signature returns the signature bytes, signee, and status.
func (d *DataObject) Signature() ([]byte, string, SignatureStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signature, d.signee, d.signatureStatus
}

// SetSignature records a signature and signee without verifying it;
// status becomes Unverified.
func (d *DataObject) SetSignature(sig []byte, signee string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signature = append([]byte(nil), sig...)
	d.signee = signee
	d.signatureStatus = SignatureUnverified
}

// MarkSignatureVerified records the outcome of checking the signature
// against the id. Verification policy lives outside the kernel; this
// is the only path by which SignatureValid is reached, and it refuses
// to validate an object with no signature bytes.
func (d *DataObject) MarkSignatureVerified(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.signature) == 0 || d.signee == "" {
		d.signatureStatus = SignatureMissing
		return
	}
	if ok {
		d.signatureStatus = SignatureValid
	} else {
		d.signatureStatus = SignatureInvalid
	}
}

// SetPayloadFile attaches a payload this object does not own (it was
// created by someone else, e.g. an in-process publisher supplying a
// file path directly); dropping the object will not delete the file.
func (d *DataObject) SetPayloadFile(path, fileName string, dataLen uint64, dataHash []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = &Payload{FilePath: path, FileName: fileName, DataLen: dataLen, DataHash: dataHash}
	d.dataState = DataStateNotVerified
	if dataLen == 0 {
		d.dataState = DataStateNone
	}
	d.idValid = false
}

// Payload returns the payload descriptor, or nil if there is none.
func (d *DataObject) Payload() *Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload
}

// DataState returns the current verification state of the payload.
func (d *DataObject) DataState() DataState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataState
}

// OwnsPayload reports whether this object created its payload file and
// is therefore responsible for deleting it.
func (d *DataObject) OwnsPayload() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload != nil && d.payload.owned
}

// SetExtension attaches (or replaces, matching by element name) a
// metadata element that rides along with the data object's header.
func (d *DataObject) SetExtension(m *metadata.Metadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.extensions {
		if existing.Name() == m.Name() {
			d.extensions[i] = m
			return
		}
	}
	d.extensions = append(d.extensions, m)
}

// Extension returns the extension element with the given name, or nil.
func (d *DataObject) Extension(name string) *metadata.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.extensions {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// RemoveExtension drops the extension element with the given name.
// Reports whether one was removed.
func (d *DataObject) RemoveExtension(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, m := range d.extensions {
		if m.Name() == name {
			d.extensions = append(d.extensions[:i], d.extensions[i+1:]...)
			return true
		}
	}
	return false
}

// InvalidateID forces the next call to ID to recompute, needed after
// any direct mutation of attributes, create time, or payload fields
// that bypassed the setter methods above.
func (d *DataObject) InvalidateID() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idValid = false
}

// ID returns the data object's content-derived id, computing and
// caching it if necessary.
func (d *DataObject) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.idValid {
		d.id = computeID(d.attributes, d.createTime, d.hasCreateTime, d.payload)
		d.idValid = true
	}
	return d.id
}

// computeID hashes the sorted attribute triples, the optional create
// time string, and the payload fingerprint: the payload's dataHash if
// present, else (fileName ‖ dataLen) with dataLen as a fixed 8-byte
// big-endian u64.
func computeID(attrs *attribute.Set, createTime string, hasCreateTime bool, payload *Payload) ID {
	h := sha1.New()
	for _, a := range attrs.Sorted() {
		h.Write([]byte(a.Name))
		h.Write([]byte{0})
		h.Write([]byte(a.Value))
		h.Write([]byte{0})
		var wbuf [4]byte
		binary.BigEndian.PutUint32(wbuf[:], a.Weight)
		h.Write(wbuf[:])
	}
	if hasCreateTime {
		h.Write([]byte(createTime))
	}
	if payload != nil {
		if len(payload.DataHash) > 0 {
			h.Write(payload.DataHash)
		} else if payload.FileName != "" || payload.DataLen > 0 {
			h.Write([]byte(payload.FileName))
			var lbuf [8]byte
			binary.BigEndian.PutUint64(lbuf[:], payload.DataLen)
			h.Write(lbuf[:])
		}
	}
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ToMetadata projects the data object's header fields onto a metadata
// tree in the wire form. The payload itself is not
// included; egress handles streaming it separately.
func (d *DataObject) ToMetadata() *metadata.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()

	root := metadata.NewRoot()
	if !d.persistent {
		root.SetParameter("persistent", "no")
	}
	if d.hasCreateTime {
		root.SetParameter("create_time", d.createTime)
	}

	for _, a := range d.attributes.Sorted() {
		attrNode := root.NewChild("Attr")
		attrNode.SetParameter("name", a.Name)
		if a.Weight != attribute.DefaultWeight {
			attrNode.SetParameter("weight", itoa(uint64(a.Weight)))
		}
		attrNode.SetContent(a.Value)
	}

	if len(d.signature) > 0 {
		sigNode := root.NewChild("Signature")
		sigNode.SetParameter("signee", d.signee)
		sigNode.SetContent(encodeBase64(d.signature))
	}

	if d.payload != nil {
		dataNode := root.NewChild("Data")
		dataNode.SetParameter("data_len", itoa(d.payload.DataLen))
		if d.payload.FileName != "" {
			dataNode.NewChild("FileName").SetContent(d.payload.FileName)
		}
		if d.payload.FilePath != "" {
			dataNode.NewChild("FilePath").SetContent(d.payload.FilePath)
		}
		if len(d.payload.DataHash) > 0 {
			dataNode.NewChild("FileHash").SetContent(encodeBase64(d.payload.DataHash))
		}
	}

	for _, ext := range d.extensions {
		root.AddChild(ext.Clone())
	}
	return root
}

// StripLocal removes fields that must not leave this node on a remote
// copy of the metadata: the FilePath child of Data.
func StripLocal(m *metadata.Metadata) {
	if dataNode, ok := m.FirstChildByName("Data"); ok {
		dataNode.RemoveFirstChildByName("FilePath")
	}
}

// FromMetadata builds a data object's header fields from a parsed
// metadata tree. The payload, if any, is
// described but not yet materialized: callers must attach the actual
// bytes via SetPayloadFile or streaming ingest.
func FromMetadata(m *metadata.Metadata) (*DataObject, error) {
	if m == nil || !strings.EqualFold(m.Name(), metadata.RootName) {
		return nil, errors.WrapInvalid(errInvalidRoot, "dataobject", "FromMetadata", "not a Haggle metadata root")
	}
	d := New()
	d.persistent = true
	if v, ok := m.GetParameter("persistent"); ok {
		d.persistent = v != "no"
	}
	if v, ok := m.GetParameter("create_time"); ok {
		d.createTime = v
		d.hasCreateTime = true
	}

	for _, attrNode := range m.ChildrenByName("Attr") {
		name, _ := attrNode.GetParameter("name")
		weight := uint32(attribute.DefaultWeight)
		if w, ok := attrNode.GetParameter("weight"); ok {
			weight = parseWeight(w)
		}
		d.attributes.Add(attribute.NewWeighted(name, attrNode.Content(), weight))
	}

	if sigNode, ok := m.FirstChildByName("Signature"); ok {
		signee, _ := sigNode.GetParameter("signee")
		d.signature = decodeBase64(sigNode.Content())
		d.signee = signee
		d.signatureStatus = SignatureUnverified
	}

	for _, child := range m.Children() {
		switch child.Name() {
		case "Attr", "Signature", "Data":
		default:
			d.extensions = append(d.extensions, child.Clone())
		}
	}

	if dataNode, ok := m.FirstChildByName("Data"); ok {
		dataLen, _ := dataNode.GetParameter("data_len")
		p := &Payload{DataLen: parseUint64(dataLen)}
		if c, ok := dataNode.FirstChildByName("FileName"); ok {
			p.FileName = c.Content()
		}
		if c, ok := dataNode.FirstChildByName("FilePath"); ok {
			p.FilePath = c.Content()
		}
		if c, ok := dataNode.FirstChildByName("FileHash"); ok {
			p.DataHash = decodeBase64(c.Content())
		}
		d.payload = p
		if p.DataLen > 0 {
			d.dataState = DataStateNotVerified
		}
	}
	d.idValid = false
	return d, nil
}

var errInvalidRoot = errors.ErrInvalidData
