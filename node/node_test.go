package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggle/attribute"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/metadata"
)

func TestDescriptionRoundTrip(t *testing.T) {
	id := GenerateID()
	n, err := New(TypePeer, id, "alice")
	require.NoError(t, err)
	n.AddInterest(attribute.NewWeighted("Topic", "Weather", 3))
	n.AddInterest(attribute.NewWeighted("Topic", "News", 1))
	n.SetThreshold(50)
	n.SetMaxMatches(2)

	d, err := n.Description("1700000000.250000")
	require.NoError(t, err)
	require.True(t, d.IsNodeDescription())

	// Over the wire and back.
	buf, err := metadata.Serialize(d.ToMetadata())
	require.NoError(t, err)
	parsed, err := metadata.Parse(buf)
	require.NoError(t, err)
	d2, err := dataobject.FromMetadata(parsed)
	require.NoError(t, err)

	got, err := FromDescription(d2)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID())
	assert.Equal(t, "alice", got.Name())
	assert.Equal(t, uint32(50), got.Threshold())
	assert.Equal(t, uint32(2), got.MaxMatches())
	assert.True(t, attribute.Equal(n.Interests(), got.Interests()))
	assert.Equal(t, "1700000000.250000", got.DescriptionCreateTime())
}

func TestDescriptionCarriesBloomfilter(t *testing.T) {
	n, err := New(TypePeer, GenerateID(), "bob")
	require.NoError(t, err)
	var seen [20]byte
	copy(seen[:], "aaaaaaaaaaaaaaaaaaaa")
	n.Bloomfilter().Add(seen[:])

	d, err := n.Description("1700000000.000000")
	require.NoError(t, err)

	got, err := FromDescription(d)
	require.NoError(t, err)
	assert.True(t, got.Bloomfilter().Check(seen[:]))
}

func TestFromDescriptionRejectsPlainObject(t *testing.T) {
	d, err := dataobject.FromMetadata(mustParse(t, `<Haggle><Attr name="Topic">Weather</Attr></Haggle>`))
	require.NoError(t, err)
	_, err = FromDescription(d)
	assert.Error(t, err)
}

func TestCompareCreateTimes(t *testing.T) {
	assert.Equal(t, -1, CompareCreateTimes("1700000000.000000", "1700000000.000001"))
	assert.Equal(t, 1, CompareCreateTimes("1700000001.000000", "1700000000.999999"))
	assert.Equal(t, 0, CompareCreateTimes("1700000000.500000", "1700000000.500000"))
	assert.Equal(t, 1, CompareCreateTimes("1700000000.000000", "garbage"))
}

func TestPlaceholderPromotion(t *testing.T) {
	remote := iface.New(iface.Ethernet, []byte{10, 0, 0, 2})
	n, err := NewPlaceholder(remote)
	require.NoError(t, err)
	assert.Equal(t, TypeUndefined, n.Type())
	assert.True(t, n.HasInterface(remote))

	id := GenerateID()
	n.SetID(id)
	n.SetType(TypePeer)
	assert.Equal(t, TypePeer, n.Type())
	assert.Equal(t, id, n.ID())
}

func TestInterfaceSetSemantics(t *testing.T) {
	n, err := New(TypePeer, GenerateID(), "carol")
	require.NoError(t, err)
	a := iface.New(iface.Bluetooth, []byte{1, 2, 3, 4, 5, 6})
	same := iface.New(iface.Bluetooth, []byte{1, 2, 3, 4, 5, 6})

	n.AddInterface(a)
	n.AddInterface(same)
	assert.Len(t, n.Interfaces(), 1)

	assert.True(t, n.RemoveInterface(same))
	assert.False(t, n.HasInterface(a))
}

func mustParse(t *testing.T, s string) *metadata.Metadata {
	t.Helper()
	m, err := metadata.Parse([]byte(s))
	require.NoError(t, err)
	return m
}
