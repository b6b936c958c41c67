package meta

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a metadata announcement as dropped in the inbox or posted to the
// submit endpoint. JSON documents are accepted too since yaml.v3 reads them.
//
//	origin: sekkr
//	payload: sekkr_pvol_20240131T101500.h5
//	source: {NOD: sekkr}
//	attributes:
//	  what: {object: PVOL, date: "20240131", time: "101500"}
//	  dataset1:
//	    where: {elangle: 0.5}
//
// Top level keys other than the reserved ones are treated as groups as well.
type Document struct {
	Origin      string
	PayloadPath string
	Metadata    *Metadata
}

var (
	dateNames = map[string]bool{"date": true, "startdate": true, "enddate": true}
	timeNames = map[string]bool{"time": true, "starttime": true, "endtime": true}
)

// ParseDocument decodes a metadata document. The payload path is kept as
// written; LoadDocument resolves it against the document location.
func ParseDocument(data []byte) (*Document, error) {
	b, doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.PayloadPath != "" {
		b.Payload(Payload{Path: doc.PayloadPath})
	}
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	doc.Metadata = m
	return doc, nil
}

// LoadDocument reads a metadata document from disk. A relative payload path is
// resolved against the directory holding the document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata document: %w", err)
	}
	b, doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if doc.PayloadPath != "" {
		if !filepath.IsAbs(doc.PayloadPath) {
			doc.PayloadPath = filepath.Join(filepath.Dir(path), doc.PayloadPath)
		}
		b.Payload(Payload{Path: doc.PayloadPath})
	}
	m, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Metadata = m
	return doc, nil
}

// DecodeAttributes decodes a bare group tree (no reserved keys) into a builder.
// It is used for metadata carried in request headers and API bodies.
func DecodeAttributes(data []byte) (*Builder, error) {
	root, err := rootMapping(data)
	if err != nil {
		return nil, err
	}
	b := New()
	if err := decodeGroup(b, "", root); err != nil {
		return nil, err
	}
	return b, nil
}

func rootMapping(data []byte) (*yaml.Node, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return nil, fmt.Errorf("decode metadata: empty document")
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode metadata: document must be a mapping")
	}
	return root, nil
}

func decodeDocument(data []byte) (*Builder, *Document, error) {
	root, err := rootMapping(data)
	if err != nil {
		return nil, nil, err
	}

	b := New()
	doc := &Document{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "origin":
			doc.Origin = strings.TrimSpace(val.Value)
			b.Origin(doc.Origin)
		case "payload":
			doc.PayloadPath = strings.TrimSpace(val.Value)
		case "source":
			if err := decodeSourceMap(b, val); err != nil {
				return nil, nil, err
			}
		case "attributes":
			if val.Kind != yaml.MappingNode {
				return nil, nil, fmt.Errorf("attributes must be a mapping")
			}
			if err := decodeGroup(b, "", val); err != nil {
				return nil, nil, err
			}
		default:
			if err := decodeEntry(b, "/"+key, key, val); err != nil {
				return nil, nil, err
			}
		}
	}
	return b, doc, nil
}

func decodeSourceMap(b *Builder, node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		for k, vals := range ParseSource(node.Value) {
			for _, v := range vals {
				b.AddSource(k, v)
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i].Value, node.Content[i+1]
			switch val.Kind {
			case yaml.ScalarNode:
				b.AddSource(key, val.Value)
			case yaml.SequenceNode:
				for _, item := range val.Content {
					b.AddSource(key, item.Value)
				}
			default:
				return fmt.Errorf("source.%s must be a scalar or list", key)
			}
		}
		return nil
	}
	return fmt.Errorf("source must be a mapping or a NOD:x,WMO:y string")
}

func decodeGroup(b *Builder, prefix string, node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%s: empty key", displayPath(prefix))
		}
		if err := decodeEntry(b, prefix+"/"+key, key, val); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntry(b *Builder, path, name string, node *yaml.Node) error {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.MappingNode:
		if typ, raw, ok := explicitTyped(node); ok {
			v, err := ParseTyped(typ, raw)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			b.Set(path, v)
			return nil
		}
		return decodeGroup(b, path, node)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("%s: sequence items must be scalars", path)
			}
			v, err := scalarValue(name, item)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			items = append(items, v)
		}
		b.Set(path, Seq(items...))
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		v, err := scalarValue(name, node)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		b.Set(path, v)
		return nil
	}
	return fmt.Errorf("%s: unsupported node", path)
}

// explicitTyped recognises {type: date, value: "20240131"}.
func explicitTyped(node *yaml.Node) (typ, raw string, ok bool) {
	if len(node.Content) != 4 {
		return "", "", false
	}
	var haveType, haveValue bool
	for i := 0; i < 4; i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return "", "", false
		}
		switch key {
		case "type":
			typ, haveType = val.Value, true
		case "value":
			raw, haveValue = val.Value, true
		}
	}
	return typ, raw, haveType && haveValue
}

func scalarValue(name string, node *yaml.Node) (Value, error) {
	lower := strings.ToLower(name)
	if dateNames[lower] {
		if d, err := ParseDate(node.Value); err == nil {
			return Value{kind: KindDate, d: d}, nil
		}
	}
	if timeNames[lower] {
		if c, err := ParseClock(node.Value); err == nil {
			return Value{kind: KindTime, c: c}, nil
		}
	}
	switch node.Tag {
	case "!!int":
		return ParseTyped("int", node.Value)
	case "!!float":
		return ParseTyped("float", node.Value)
	}
	return String(node.Value), nil
}

func displayPath(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return prefix
}
