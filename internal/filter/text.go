package filter

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/bexchange/internal/meta"
)

// Text renders f for logs, e.g.
// and_filter(attribute_filter(what/object,EQ,"PVOL"), not_filter(...)).
func Text(f Filter) string {
	var sb strings.Builder
	writeText(&sb, f)
	return sb.String()
}

func writeText(sb *strings.Builder, f Filter) {
	switch n := f.(type) {
	case *Attribute:
		fmt.Fprintf(sb, "%s(%s,%s,%s)", TypeAttribute, n.path, n.op, operandText(n))
	case *And:
		writeList(sb, TypeAnd, n.children)
	case *Or:
		writeList(sb, TypeOr, n.children)
	case *Not:
		sb.WriteString(TypeNot + "(")
		writeText(sb, n.child)
		sb.WriteString(")")
	default:
		sb.WriteString(TypeAlways)
	}
}

func writeList(sb *strings.Builder, tag string, children []Filter) {
	sb.WriteString(tag + "(")
	for i, c := range children {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeText(sb, c)
	}
	sb.WriteString(")")
}

func operandText(a *Attribute) string {
	switch a.op {
	case IN:
		parts := make([]string, len(a.set))
		for i, v := range a.set {
			parts[i] = v.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case INTERVAL:
		iv := a.interval
		left, right := "(", ")"
		if iv.LowerInclusive {
			left = "["
		}
		if iv.UpperInclusive {
			right = "]"
		}
		return left + boundText(iv.Lower, "-inf") + "," + boundText(iv.Upper, "+inf") + right
	}
	return a.value.String()
}

func boundText(b *meta.Value, unbounded string) string {
	if b == nil {
		return unbounded
	}
	return b.String()
}

// Fingerprint is blake3:<hex> over the canonical JSON value form. Structurally
// equal trees share a fingerprint; reordering And/Or children changes it.
func Fingerprint(f Filter) string {
	// encoding/json sorts map keys, which makes the body canonical.
	body, err := json.Marshal(ToValue(f))
	if err != nil {
		body = []byte(Text(f))
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// ParseJSON decodes a filter from its JSON value form.
func ParseJSON(data []byte) (Filter, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode filter json: %w", err)
	}
	return FromValue(v)
}

// ParseYAML decodes a filter from a YAML rendering of the value form.
func ParseYAML(data []byte) (Filter, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode filter yaml: %w", err)
	}
	return FromValue(v)
}

// LoadFile reads a filter file; .json files are decoded as JSON, anything else
// as YAML.
func LoadFile(path string) (Filter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}
