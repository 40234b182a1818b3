package store

import (
	"encoding/xml"
	"os"
	"sort"

	"github.com/haggle-project/haggle/errors"
)

// Dump structures mirror the store tables one element per row. This
// is a diagnostic format, not a stable interface.
type dumpDoc struct {
	XMLName     xml.Name          `xml:"HaggleDataStore"`
	DataObjects []dumpDataObject  `xml:"DataObjects>DataObject"`
	Attributes  []dumpAttrLink    `xml:"AttributeLinks>Link"`
	Nodes       []dumpNode        `xml:"Nodes>Node"`
	Filters     []dumpFilter      `xml:"Filters>Filter"`
	Repository  []dumpRepoEntry   `xml:"Repository>Entry"`
}

type dumpDataObject struct {
	ID         string `xml:"id,attr"`
	CreateTime string `xml:"create_time,attr,omitempty"`
	Persistent bool   `xml:"persistent,attr"`
	NumAttrs   int    `xml:"num_attributes,attr"`
}

type dumpAttrLink struct {
	Name    string `xml:"name,attr"`
	Value   string `xml:"value,attr"`
	Objects int    `xml:"objects,attr"`
}

type dumpNode struct {
	ID        string `xml:"id,attr"`
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Interests int    `xml:"interests,attr"`
}

type dumpFilter struct {
	EventType int `xml:"event_type,attr"`
	NumAttrs  int `xml:"num_attributes,attr"`
}

type dumpRepoEntry struct {
	Authority string `xml:"authority,attr"`
	Key       string `xml:"key,attr"`
	Value     string `xml:",chardata"`
}

// Dump renders a structured snapshot of all tables. The
// repository may be nil.
func (s *DataStore) Dump(repo *Repository) ([]byte, error) {
	doc := dumpDoc{}

	s.mu.RLock()
	for id, rec := range s.records {
		ct, _ := rec.obj.CreateTime()
		doc.DataObjects = append(doc.DataObjects, dumpDataObject{
			ID:         id.String(),
			CreateTime: ct,
			Persistent: rec.obj.Persistent(),
			NumAttrs:   rec.obj.Attributes().Len(),
		})
	}
	for key, ids := range s.attrIndex {
		name, value := splitAttrKey(key)
		doc.Attributes = append(doc.Attributes, dumpAttrLink{Name: name, Value: value, Objects: len(ids)})
	}
	for id, n := range s.nodes {
		doc.Nodes = append(doc.Nodes, dumpNode{
			ID:        id.String(),
			Name:      n.Name(),
			Type:      n.Type().String(),
			Interests: n.Interests().Len(),
		})
	}
	for t, f := range s.filters {
		doc.Filters = append(doc.Filters, dumpFilter{EventType: int(t), NumAttrs: f.Attributes.Len()})
	}
	s.mu.RUnlock()

	if repo != nil {
		repo.mu.RLock()
		for _, e := range repo.entries {
			doc.Repository = append(doc.Repository, dumpRepoEntry{
				Authority: e.Authority, Key: e.Key, Value: e.Value,
			})
		}
		repo.mu.RUnlock()
	}

	sortDump(&doc)
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.WrapInvalid(err, "datastore", "Dump", "marshal snapshot")
	}
	return append([]byte(xml.Header), out...), nil
}

// DumpToFile writes the snapshot to path.
func (s *DataStore) DumpToFile(path string, repo *Repository) error {
	out, err := s.Dump(repo)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return errors.WrapTransient(err, "datastore", "DumpToFile", "write snapshot")
	}
	s.log.Info("dumped data store", "component", "datastore", "path", path, "state", s.debugString())
	return nil
}

func splitAttrKey(k string) (name, value string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// sortDump keeps the snapshot deterministic for diffing across runs.
func sortDump(doc *dumpDoc) {
	sort.Slice(doc.DataObjects, func(i, j int) bool { return doc.DataObjects[i].ID < doc.DataObjects[j].ID })
	sort.Slice(doc.Attributes, func(i, j int) bool {
		if doc.Attributes[i].Name != doc.Attributes[j].Name {
			return doc.Attributes[i].Name < doc.Attributes[j].Name
		}
		return doc.Attributes[i].Value < doc.Attributes[j].Value
	})
	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].ID < doc.Nodes[j].ID })
	sort.Slice(doc.Filters, func(i, j int) bool { return doc.Filters[i].EventType < doc.Filters[j].EventType })
	sort.Slice(doc.Repository, func(i, j int) bool {
		if doc.Repository[i].Authority != doc.Repository[j].Authority {
			return doc.Repository[i].Authority < doc.Repository[j].Authority
		}
		return doc.Repository[i].Key < doc.Repository[j].Key
	})
}
