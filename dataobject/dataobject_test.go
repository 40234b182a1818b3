package dataobject

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/metadata"
)

func TestAttributeRoundTrip(t *testing.T) {
	d := NewWithAttributes(attribute.NewSet(
		attribute.NewWeighted("Animal", "Cat", 1),
		attribute.NewWeighted("Color", "Black", 2),
	))
	d.SetCreateTime("1700000000.000000")

	buf, err := metadata.Serialize(d.ToMetadata())
	require.NoError(t, err)

	parsed, err := metadata.Parse(buf)
	require.NoError(t, err)
	d2, err := FromMetadata(parsed)
	require.NoError(t, err)

	assert.Equal(t, d.ID(), d2.ID())
	if diff := cmp.Diff(d.Attributes().Sorted(), d2.Attributes().Sorted()); diff != "" {
		t.Errorf("attribute multisets differ (-want +got):\n%s", diff)
	}
	ct, ok := d2.CreateTime()
	require.True(t, ok)
	assert.Equal(t, "1700000000.000000", ct)
}

func TestIDStableAcrossConstruction(t *testing.T) {
	mk := func() *DataObject {
		d := NewWithAttributes(attribute.NewSet(
			attribute.NewWeighted("Topic", "Weather", 3),
			attribute.NewWeighted("Topic", "News", 1),
		))
		d.SetCreateTime("1700000000.500000")
		return d
	}
	assert.Equal(t, mk().ID(), mk().ID())

	d := mk()
	d.AddAttribute(attribute.New("Topic", "Sports"))
	assert.NotEqual(t, mk().ID(), d.ID())
}

func TestIDStringForm(t *testing.T) {
	d := NewWithAttributes(attribute.NewSet(attribute.New("A", "B")))
	s := d.ID().String()
	assert.Len(t, s, 40)
	assert.Equal(t, s, d.ID().String())
}

func buildWireObject(t *testing.T, payload []byte, withHash bool) []byte {
	t.Helper()
	d := NewWithAttributes(attribute.NewSet(attribute.New("Content", "Random")))
	d.SetCreateTime("1700000001.000000")
	sum := sha1.Sum(payload)
	var hash []byte
	if withHash {
		hash = sum[:]
	}
	d.SetPayloadFile("", "blob.bin", uint64(len(payload)), hash)
	header, err := metadata.Serialize(d.ToMetadata())
	require.NoError(t, err)
	return append(header, payload...)
}

func TestStreamingIngestSmallChunks(t *testing.T) {
	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	wire := buildWireObject(t, payload, true)
	dir := t.TempDir()

	in := NewIngest(dir)
	for off := 0; off < len(wire); {
		end := off + 7
		if end > len(wire) {
			end = len(wire)
		}
		n, _, err := in.PutData(wire[off:end])
		require.NoError(t, err)
		off += n
	}
	require.True(t, in.Done())

	obj := in.Object()
	require.NotNil(t, obj)
	p := obj.Payload()
	require.NotNil(t, p)
	assert.Equal(t, uint64(len(payload)), p.DataLen)
	assert.Equal(t, DataStateNotVerified, obj.DataState())
	assert.True(t, obj.OwnsPayload())

	got, err := os.ReadFile(p.FilePath)
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(payload), sha1.Sum(got))

	require.NoError(t, obj.Verify())
	assert.Equal(t, DataStateVerifiedOK, obj.DataState())

	// Idempotent: a second call must not change the outcome.
	require.NoError(t, obj.Verify())
	assert.Equal(t, DataStateVerifiedOK, obj.DataState())
}

func TestStreamingIngestSingleShotEquivalence(t *testing.T) {
	payload := []byte("some payload bytes that follow the header")
	wire := buildWireObject(t, payload, false)

	single := NewIngest(t.TempDir())
	n, rem, err := single.PutData(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, int64(0), rem)
	require.True(t, single.Done())

	chunked := NewIngest(t.TempDir())
	for off := 0; off < len(wire); {
		end := off + 3
		if end > len(wire) {
			end = len(wire)
		}
		n, _, err := chunked.PutData(wire[off:end])
		require.NoError(t, err)
		off += n
	}
	require.True(t, chunked.Done())

	assert.Equal(t, single.Object().ID(), chunked.Object().ID())
}

func TestIngestRemainingPendingDuringHeader(t *testing.T) {
	wire := buildWireObject(t, []byte("xyz"), false)

	in := NewIngest(t.TempDir())
	_, rem, err := in.PutData(wire[:10])
	require.NoError(t, err)
	assert.Equal(t, Pending, rem)
}

func TestIngestMalformedHeaderFails(t *testing.T) {
	in := NewIngest(t.TempDir())
	_, _, err := in.PutData([]byte("<NotHaggle></Haggle>"))
	require.Error(t, err)
	assert.True(t, in.Failed())
}

func TestSignatureStatusTransitions(t *testing.T) {
	d := NewWithAttributes(attribute.NewSet(attribute.New("K", "V")))
	_, _, status := d.Signature()
	assert.Equal(t, SignatureMissing, status)

	// Validation without signature bytes must not reach Valid.
	d.MarkSignatureVerified(true)
	_, _, status = d.Signature()
	assert.Equal(t, SignatureMissing, status)

	d.SetSignature([]byte("sig-bytes"), "signer-node")
	_, _, status = d.Signature()
	assert.Equal(t, SignatureUnverified, status)

	d.MarkSignatureVerified(false)
	_, _, status = d.Signature()
	assert.Equal(t, SignatureInvalid, status)

	d.MarkSignatureVerified(true)
	sig, signee, status := d.Signature()
	assert.Equal(t, SignatureValid, status)
	assert.Equal(t, []byte("sig-bytes"), sig)
	assert.Equal(t, "signer-node", signee)
}

func TestSignatureWireRoundTrip(t *testing.T) {
	d := NewWithAttributes(attribute.NewSet(attribute.New("K", "V")))
	d.SetSignature([]byte{0x01, 0x02, 0xff}, "signer-node")

	buf, err := metadata.Serialize(d.ToMetadata())
	require.NoError(t, err)
	parsed, err := metadata.Parse(buf)
	require.NoError(t, err)
	d2, err := FromMetadata(parsed)
	require.NoError(t, err)

	sig, signee, status := d2.Signature()
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, sig)
	assert.Equal(t, "signer-node", signee)
	assert.Equal(t, SignatureUnverified, status)
}

func TestVerifyMismatchMarksBad(t *testing.T) {
	payload := []byte("actual payload")
	d := NewWithAttributes(attribute.NewSet(attribute.New("X", "Y")))
	wrong := sha1.Sum([]byte("something else"))

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, payload, 0o600))
	d.SetPayloadFile(path, "payload", uint64(len(payload)), wrong[:])

	require.NoError(t, d.Verify())
	assert.Equal(t, DataStateVerifiedBad, d.DataState())
}

func TestRetrieverDrainsHeaderThenPayload(t *testing.T) {
	payload := []byte("retrievable payload body")
	path := filepath.Join(t.TempDir(), "body")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	d := NewWithAttributes(attribute.NewSet(attribute.New("K", "V")))
	d.SetPayloadFile(path, "body", uint64(len(payload)), nil)

	r, err := NewRetriever(d)
	require.NoError(t, err)
	defer r.Close()

	var out bytes.Buffer
	buf := make([]byte, 11)
	for {
		n, err := r.Retrieve(buf, false)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}

	m := d.ToMetadata()
	StripLocal(m)
	header, err := metadata.Serialize(m)
	require.NoError(t, err)
	assert.Equal(t, append(header, payload...), out.Bytes())
}

func TestStripLocalRemovesFilePath(t *testing.T) {
	d := NewWithAttributes(attribute.NewSet(attribute.New("K", "V")))
	d.SetPayloadFile("/tmp/secret/location", "body", 4, nil)

	m := d.ToMetadata()
	StripLocal(m)
	dataNode, ok := m.FirstChildByName("Data")
	require.True(t, ok)
	_, hasPath := dataNode.FirstChildByName("FilePath")
	assert.False(t, hasPath)
	_, hasName := dataNode.FirstChildByName("FileName")
	assert.True(t, hasName)
}
