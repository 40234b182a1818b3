package metadata

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/haggle-project/haggle/errors"
)

// Serialize renders the tree to its deterministic wire form:
// parameters in insertion order, children in insertion order. The root
// must be named Haggle; callers building a data object's header should
// start from NewRoot.
func Serialize(m *Metadata) ([]byte, error) {
	if err := validateRootName(m); err != nil {
		return nil, err
	}
	var b strings.Builder
	writeNode(&b, m)
	return []byte(b.String()), nil
}

func writeNode(b *strings.Builder, m *Metadata) {
	b.WriteByte('<')
	b.WriteString(m.name)
	for _, p := range m.params {
		b.WriteByte(' ')
		b.WriteString(p.name)
		b.WriteString(`="`)
		xml.EscapeText(b, []byte(p.value)) //nolint:errcheck // strings.Builder never errors
		b.WriteByte('"')
	}
	if m.content == "" && len(m.children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if m.content != "" {
		xml.EscapeText(b, []byte(m.content)) //nolint:errcheck
	}
	for _, c := range m.children {
		writeNode(b, c)
	}
	b.WriteString("</")
	b.WriteString(m.name)
	b.WriteByte('>')
}

// Parse parses a complete metadata buffer into a tree. Parsing is
// strict on the root element name: anything else is a
// ParseError.
func Parse(buf []byte) (*Metadata, error) {
	dec := xml.NewDecoder(strings.NewReader(string(buf)))

	var stack []*Metadata
	var root *Metadata

	for {
		tok, err := dec.Token()
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return nil, errors.WrapInvalid(err, "metadata", "Parse", "malformed metadata")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := New(t.Name.Local)
			for _, a := range t.Attr {
				node.SetParameter(a.Name.Local, a.Value)
			}
			if len(stack) == 0 {
				root = node
			} else {
				stack[len(stack)-1].AddChild(node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.WrapInvalid(
					fmt.Errorf("unbalanced close tag %q", t.Name.Local),
					"metadata", "Parse", "malformed metadata")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				text := strings.TrimSpace(string(t))
				if text != "" {
					stack[len(stack)-1].content += text
				}
			}
		}
	}

	if root == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("empty metadata"), "metadata", "Parse", "malformed metadata")
	}
	if err := validateRootName(root); err != nil {
		return nil, err
	}
	return root, nil
}

// closingTag returns the case-insensitive closing tag bytes used to
// detect the end of the metadata header while streaming:
// `</Haggle>`. Matching is byte-wise, never locale-dependent.
func closingTag(rootName string) []byte {
	return []byte("</" + rootName + ">")
}

// ClosingTag exports the closing-tag bytes for RootName, for packages
// (dataobject) that need to scan a byte stream for the header
// terminator without depending on metadata's internal helper.
func ClosingTag() []byte {
	return closingTag(RootName)
}

// FindClosingTag returns the index just past the end of the first
// case-insensitive occurrence of the root closing tag in buf, or -1 if
// not present. Comparison is byte-wise ASCII case folding only.
func FindClosingTag(buf []byte) int {
	tag := ClosingTag()
	n := len(tag)
	if n == 0 || len(buf) < n {
		return -1
	}
	for i := 0; i+n <= len(buf); i++ {
		if asciiEqualFold(buf[i:i+n], tag) {
			return i + n
		}
	}
	return -1
}

func asciiEqualFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
