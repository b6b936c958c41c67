package meta

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeDocument renders m as a JSON metadata document that ParseDocument
// reads back to the same attributes and source. Dates, times and floats are
// written in the explicit {type, value} form so they keep their kind. The
// payload location is not included.
func EncodeDocument(m *Metadata) ([]byte, error) {
	attrs := map[string]any{}
	for _, a := range m.attrs {
		segs := a.Segments()
		if len(segs) == 0 {
			continue
		}
		group := attrs
		for _, seg := range segs[:len(segs)-1] {
			next, ok := group[seg].(map[string]any)
			if !ok {
				if _, taken := group[seg]; taken {
					return nil, fmt.Errorf("encode metadata: %s is both an attribute and a group", a.Path)
				}
				next = map[string]any{}
				group[seg] = next
			}
			group = next
		}
		leaf := segs[len(segs)-1]
		if _, taken := group[leaf]; taken {
			return nil, fmt.Errorf("encode metadata: %s is both an attribute and a group", a.Path)
		}
		group[leaf] = wireValue(a.Value)
	}

	doc := map[string]any{"attributes": attrs}
	if m.origin != "" {
		doc["origin"] = m.origin
	}
	if keys := m.SourceKeys(); len(keys) > 0 {
		src := make(map[string]any, len(keys))
		for _, k := range keys {
			vals := m.Source(k)
			if len(vals) == 1 {
				src[k] = vals[0]
			} else {
				src[k] = vals
			}
		}
		doc["source"] = src
	}
	return json.Marshal(doc)
}

func wireValue(v Value) any {
	switch v.kind {
	case KindDate:
		return map[string]string{"type": "date", "value": v.Text()}
	case KindTime:
		return map[string]string{"type": "time", "value": v.Text()}
	case KindFloat:
		return map[string]string{"type": "double", "value": v.Text()}
	case KindSeq:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Any()
		}
		return out
	}
	return v.Any()
}

// Summary renders attributes as "path=value" lines in insertion order, for CLI
// output.
func (m *Metadata) Summary() string {
	var b strings.Builder
	for _, a := range m.Attributes() {
		fmt.Fprintf(&b, "%s=%s\n", a.Path, a.Value.String())
	}
	return b.String()
}
