// Package match evaluates filter expressions against item metadata.
//
// Attribute paths resolve in two phases. The group phase looks at the
// hierarchical attributes: "/what/object" must match exactly, "what/object"
// matches any attribute path ending in those segments (so it also finds
// /dataset1/what/object) and a bare "object" matches on the last segment. If
// nothing is found the source phase looks the name up in the source map;
// "what/source:NOD" and "source:NOD" always go straight to the source map.
//
// A path that does not resolve, or a value whose type cannot be compared with
// the operand, makes the predicate false. Evaluation never fails and never
// touches the metadata, so the same pair always yields the same answer.
package match

import (
	"strings"

	"github.com/mattjoyce/bexchange/internal/filter"
	"github.com/mattjoyce/bexchange/internal/meta"
)

// Matcher evaluates filters. The zero value compares strings case sensitively.
type Matcher struct {
	// FoldCase makes EQ and IN string comparisons case insensitive.
	FoldCase bool
}

// Match reports whether m satisfies f. A nil filter matches everything.
func (mt Matcher) Match(f filter.Filter, m *meta.Metadata) bool {
	switch n := f.(type) {
	case nil:
		return true
	case *filter.And:
		for _, c := range n.Children() {
			if !mt.Match(c, m) {
				return false
			}
		}
		return true
	case *filter.Or:
		for _, c := range n.Children() {
			if mt.Match(c, m) {
				return true
			}
		}
		return false
	case *filter.Not:
		return !mt.Match(n.Child(), m)
	case *filter.Attribute:
		return mt.matchAttribute(n, m)
	}
	return false
}

func (mt Matcher) matchAttribute(a *filter.Attribute, m *meta.Metadata) bool {
	if m == nil {
		return false
	}
	for _, v := range Resolve(a.Path(), m) {
		if mt.matchValue(a, v) {
			return true
		}
	}
	return false
}

func (mt Matcher) matchValue(a *filter.Attribute, v meta.Value) bool {
	switch a.Operator() {
	case filter.EQ:
		return mt.equal(v, a.Operand())
	case filter.IN:
		for _, member := range a.Set() {
			if mt.equal(v, member) {
				return true
			}
		}
		return false
	case filter.LIKE:
		// Patterns apply to the text form, so dates and times match as
		// YYYYMMDD and HHMMSS.
		if v.Kind() == meta.KindSeq || !v.IsValid() {
			return false
		}
		return a.MatchPattern(v.Text())
	case filter.INTERVAL:
		return inInterval(v, a.Interval())
	}
	return false
}

func (mt Matcher) equal(v, operand meta.Value) bool {
	operand, ok := coerce(operand, v.Kind())
	if !ok {
		return false
	}
	v, ok = coerce(v, operand.Kind())
	if !ok {
		return false
	}
	if mt.FoldCase {
		if a, isStr := v.Str(); isStr {
			b, isStr := operand.Str()
			return isStr && strings.EqualFold(a, b)
		}
	}
	return v.Equal(operand)
}

func inInterval(v meta.Value, iv filter.Interval) bool {
	if iv.Lower != nil {
		c, ok := compareTo(v, *iv.Lower)
		if !ok || c < 0 || (c == 0 && !iv.LowerInclusive) {
			return false
		}
	}
	if iv.Upper != nil {
		c, ok := compareTo(v, *iv.Upper)
		if !ok || c > 0 || (c == 0 && !iv.UpperInclusive) {
			return false
		}
	}
	return iv.Lower != nil || iv.Upper != nil || v.IsNumeric() || isTemporal(v)
}

func compareTo(v, bound meta.Value) (int, bool) {
	v, ok := coerce(v, bound.Kind())
	if !ok {
		return 0, false
	}
	return meta.Compare(v, bound)
}

func isTemporal(v meta.Value) bool {
	return v.Kind() == meta.KindDate || v.Kind() == meta.KindTime
}

// coerce converts a string into a date or time when the other side of the
// comparison is one. Any other value is returned unchanged.
func coerce(v meta.Value, want meta.Kind) (meta.Value, bool) {
	s, isStr := v.Str()
	if !isStr {
		return v, true
	}
	switch want {
	case meta.KindDate:
		d, err := meta.ParseTyped("date", s)
		return d, err == nil
	case meta.KindTime:
		c, err := meta.ParseTyped("time", s)
		return c, err == nil
	}
	return v, true
}

// Resolve returns every value the path selects in m, with sequences expanded
// into their items. An empty result means the path is absent.
func Resolve(path string, m *meta.Metadata) []meta.Value {
	if m == nil {
		return nil
	}
	path = strings.TrimSpace(path)
	if key, ok := sourceKey(path); ok {
		return sourceValues(m, key)
	}

	var out []meta.Value
	for _, v := range groupValues(path, m) {
		out = appendExpanded(out, v)
	}
	if len(out) > 0 {
		return out
	}
	if !strings.Contains(path, "/") {
		return sourceValues(m, path)
	}
	return nil
}

func groupValues(path string, m *meta.Metadata) []meta.Value {
	if strings.HasPrefix(path, "/") {
		if v, ok := m.Get(path); ok {
			return []meta.Value{v}
		}
		return nil
	}
	want := meta.SplitPath(path)
	if len(want) == 0 {
		return nil
	}
	var out []meta.Value
	for _, a := range m.Attributes() {
		if hasSuffix(a.Segments(), want) {
			out = append(out, a.Value)
		}
	}
	return out
}

func hasSuffix(segments, suffix []string) bool {
	if len(suffix) > len(segments) {
		return false
	}
	offset := len(segments) - len(suffix)
	for i, s := range suffix {
		if segments[offset+i] != s {
			return false
		}
	}
	return true
}

// sourceKey recognises what/source:KEY, /what/source:KEY, _bdb/source:KEY
// and source:KEY.
func sourceKey(path string) (string, bool) {
	prefix, key, ok := strings.Cut(path, ":")
	if !ok {
		return "", false
	}
	switch strings.Trim(prefix, "/") {
	case "what/source", "source", "_bdb/source":
		key = strings.TrimSpace(key)
		return key, key != ""
	}
	return "", false
}

func sourceValues(m *meta.Metadata, key string) []meta.Value {
	vals := m.Source(key)
	if len(vals) == 0 {
		return nil
	}
	out := make([]meta.Value, len(vals))
	for i, s := range vals {
		out[i] = meta.String(s)
	}
	return out
}

func appendExpanded(out []meta.Value, v meta.Value) []meta.Value {
	if v.Kind() != meta.KindSeq {
		return append(out, v)
	}
	for _, item := range v.Items() {
		out = appendExpanded(out, item)
	}
	return out
}
