package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	root := NewRoot()
	root.SetParameter("persistent", "yes")
	root.SetParameter("create_time", "1700000000.000000")

	attr := root.NewChild("Attr")
	attr.SetParameter("name", "Animal")
	attr.SetParameter("weight", "1")
	attr.SetContent("Cat")

	buf, err := Serialize(root)
	require.NoError(t, err)

	parsed, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, RootName, parsed.Name())

	pv, ok := parsed.GetParameter("persistent")
	require.True(t, ok)
	require.Equal(t, "yes", pv)

	children := parsed.ChildrenByName("Attr")
	require.Len(t, children, 1)
	require.Equal(t, "Cat", children[0].Content())
	name, ok := children[0].GetParameter("name")
	require.True(t, ok)
	require.Equal(t, "Animal", name)
}

func TestParseRejectsWrongRoot(t *testing.T) {
	_, err := Parse([]byte(`<NotHaggle></NotHaggle>`))
	require.Error(t, err)
}

func TestFindClosingTagCaseInsensitive(t *testing.T) {
	buf := []byte(`<Haggle persistent="yes"></haggle>payload-bytes-follow`)
	idx := FindClosingTag(buf)
	require.Equal(t, len(`<Haggle persistent="yes"></haggle>`), idx)
}

func TestFindClosingTagNotPresent(t *testing.T) {
	buf := []byte(`<Haggle persistent="yes">`)
	require.Equal(t, -1, FindClosingTag(buf))
}

func TestChildOrderPreserved(t *testing.T) {
	root := NewRoot()
	root.NewChild("Attr").SetContent("first")
	root.NewChild("Attr").SetContent("second")
	children := root.ChildrenByName("Attr")
	require.Equal(t, "first", children[0].Content())
	require.Equal(t, "second", children[1].Content())
}

func TestRemoveFirstChildByName(t *testing.T) {
	root := NewRoot()
	root.NewChild("Attr").SetContent("first")
	root.NewChild("Attr").SetContent("second")
	removed := root.RemoveFirstChildByName("Attr")
	require.True(t, removed)
	children := root.ChildrenByName("Attr")
	require.Len(t, children, 1)
	require.Equal(t, "second", children[0].Content())
}
