package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mattjoyce/bexchange/internal/meta"
)

// Tags used in the value form.
const (
	TypeAttribute = "attribute_filter"
	TypeAnd       = "and_filter"
	TypeOr        = "or_filter"
	TypeNot       = "not_filter"
	TypeAlways    = "always_filter"
)

// Decoder builds a filter from its value form. decode recurses into children.
type Decoder func(v map[string]any, decode func(any) (Filter, error)) (Filter, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{}
)

func init() {
	RegisterDecoder(TypeAttribute, decodeAttribute)
	RegisterDecoder(TypeAnd, decodeAnd)
	RegisterDecoder(TypeOr, decodeOr)
	RegisterDecoder(TypeNot, decodeNot)
}

// RegisterDecoder maps a filter_type tag to its decoder. Registering a tag a
// second time replaces the previous decoder.
func RegisterDecoder(tag string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[tag] = d
}

// DecoderTags lists the registered filter_type tags.
func DecoderTags() []string {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	tags := make([]string, 0, len(decoders)+1)
	for t := range decoders {
		tags = append(tags, t)
	}
	tags = append(tags, TypeAlways)
	sort.Strings(tags)
	return tags
}

func lookupDecoder(tag string) (Decoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	d, ok := decoders[tag]
	return d, ok
}

// FromValue decodes the JSON compatible value form produced by ToValue (or
// read from configuration). An always_filter at the root yields the nil filter.
func FromValue(v any) (Filter, error) {
	if m, ok := v.(map[string]any); ok && tagOf(m) == TypeAlways {
		return nil, nil
	}
	return decodeAt("", v)
}

func decodeAt(path string, v any) (Filter, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &MalformedFilterError{Path: path, Reason: fmt.Sprintf("expected an object, got %T", v)}
	}
	tag := tagOf(m)
	if tag == "" {
		return nil, &MalformedFilterError{Path: path, Reason: "missing filter_type"}
	}
	if tag == TypeAlways {
		return nil, &MalformedFilterError{Path: path, Reason: "always_filter is only allowed at the root"}
	}
	d, ok := lookupDecoder(tag)
	if !ok {
		return nil, &MalformedFilterError{Path: path, Reason: fmt.Sprintf("unknown filter_type %q", tag)}
	}

	child := 0
	f, err := d(m, func(cv any) (Filter, error) {
		cp := joinPath(path, "value")
		if _, isList := m["value"].([]any); isList {
			cp = fmt.Sprintf("%s[%d]", cp, child)
			child++
		}
		return decodeAt(cp, cv)
	})
	if err != nil {
		var mfe *MalformedFilterError
		if asMalformed(err, &mfe) {
			if mfe.Path == "" {
				mfe.Path = path
			}
			return nil, mfe
		}
		return nil, &MalformedFilterError{Path: path, Reason: err.Error()}
	}
	return f, nil
}

func asMalformed(err error, target **MalformedFilterError) bool {
	if mfe, ok := err.(*MalformedFilterError); ok {
		*target = mfe
		return true
	}
	return false
}

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	return base + "." + elem
}

func tagOf(m map[string]any) string {
	s, _ := m["filter_type"].(string)
	return strings.TrimSpace(s)
}

func decodeAnd(m map[string]any, decode func(any) (Filter, error)) (Filter, error) {
	children, err := decodeList(TypeAnd, m, decode)
	if err != nil {
		return nil, err
	}
	return NewAnd(children...)
}

func decodeOr(m map[string]any, decode func(any) (Filter, error)) (Filter, error) {
	children, err := decodeList(TypeOr, m, decode)
	if err != nil {
		return nil, err
	}
	return NewOr(children...)
}

func decodeList(tag string, m map[string]any, decode func(any) (Filter, error)) ([]Filter, error) {
	raw, ok := m["value"].([]any)
	if !ok {
		return nil, malformed("%s value must be a list of filters", tag)
	}
	if len(raw) == 0 {
		return nil, malformed("%s needs at least one child", tag)
	}
	out := make([]Filter, 0, len(raw))
	for _, item := range raw {
		f, err := decode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeNot(m map[string]any, decode func(any) (Filter, error)) (Filter, error) {
	raw, ok := m["value"]
	if !ok {
		return nil, malformed("not_filter needs exactly one child")
	}
	if list, isList := raw.([]any); isList {
		if len(list) != 1 {
			return nil, malformed("not_filter needs exactly one child, got %d", len(list))
		}
		raw = list[0]
	}
	child, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return NewNot(child)
}

func decodeAttribute(m map[string]any, _ func(any) (Filter, error)) (Filter, error) {
	name, _ := m["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, malformed("attribute_filter needs a name")
	}
	opName, _ := m["operation"].(string)
	op, err := ParseOperator(opName)
	if err != nil {
		return nil, malformed("%v", err)
	}
	valueType, _ := m["value_type"].(string)
	raw, ok := m["value"]
	if !ok {
		return nil, malformed("attribute_filter on %s needs a value", name)
	}

	switch op {
	case INTERVAL:
		return decodeInterval(name, valueType, m, raw)
	case IN:
		items, err := decodeSet(valueType, raw)
		if err != nil {
			return nil, malformed("IN on %s: %v", name, err)
		}
		return NewAttribute(name, IN, meta.Seq(items...))
	default:
		if _, isList := raw.([]any); isList {
			return nil, malformed("%s on %s needs a scalar value", op, name)
		}
		v, err := scalarFrom(valueType, raw)
		if err != nil {
			return nil, malformed("%s on %s: %v", op, name, err)
		}
		if op == LIKE {
			v = meta.String(v.Text())
		}
		return NewAttribute(name, op, v)
	}
}

func decodeSet(valueType string, raw any) ([]meta.Value, error) {
	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case string:
		for _, part := range strings.Split(v, ",") {
			list = append(list, strings.TrimSpace(part))
		}
	default:
		return nil, fmt.Errorf("value must be a list, got %T", raw)
	}
	out := make([]meta.Value, 0, len(list))
	for _, item := range list {
		v, err := scalarFrom(valueType, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeInterval(name, valueType string, m map[string]any, raw any) (Filter, error) {
	list, ok := raw.([]any)
	if !ok || len(list) != 2 {
		return nil, malformed("INTERVAL on %s needs a two element [lower, upper] value", name)
	}
	iv := Interval{LowerInclusive: true, UpperInclusive: true}
	for i, key := range []string{"lower_inclusive", "upper_inclusive"} {
		rv, present := m[key]
		if !present {
			continue
		}
		b, isBool := rv.(bool)
		if !isBool {
			return nil, malformed("INTERVAL on %s: %s must be a boolean", name, key)
		}
		if i == 0 {
			iv.LowerInclusive = b
		} else {
			iv.UpperInclusive = b
		}
	}
	bounds := make([]*meta.Value, 2)
	for i, item := range list {
		if item == nil {
			continue
		}
		v, err := scalarFrom(valueType, item)
		if err != nil {
			return nil, malformed("INTERVAL on %s: %v", name, err)
		}
		bounds[i] = &v
	}
	iv.Lower, iv.Upper = bounds[0], bounds[1]
	return NewInterval(name, iv)
}

// scalarFrom converts a decoded JSON/YAML scalar into a typed value. With no
// value_type the type follows the encoding: strings, integral numbers, floats.
func scalarFrom(valueType string, raw any) (meta.Value, error) {
	valueType = strings.ToLower(strings.TrimSpace(valueType))
	switch v := raw.(type) {
	case string:
		return meta.ParseTyped(valueType, v)
	case bool:
		return meta.ParseTyped(valueType, fmt.Sprint(v))
	case int:
		return intAs(valueType, int64(v))
	case int64:
		return intAs(valueType, v)
	case uint64:
		if v > math.MaxInt64 {
			return floatAs(valueType, float64(v), strconv.FormatUint(v, 10))
		}
		return intAs(valueType, int64(v))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return intAs(valueType, int64(v))
		}
		return floatAs(valueType, v, formatNumber(v))
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return intAs(valueType, i)
		}
		f, err := v.Float64()
		if err != nil {
			return meta.Value{}, fmt.Errorf("bad number %q", v.String())
		}
		return floatAs(valueType, f, v.String())
	case nil:
		return meta.Value{}, fmt.Errorf("value is null")
	}
	return meta.Value{}, fmt.Errorf("unsupported value %T", raw)
}

// intAs keeps integral operands in int64 so large values survive exactly.
func intAs(valueType string, i int64) (meta.Value, error) {
	switch valueType {
	case "", "int", "long", "integer":
		return meta.Int(i), nil
	case "float", "double":
		return meta.Float(float64(i)), nil
	}
	return meta.ParseTyped(valueType, strconv.FormatInt(i, 10))
}

func floatAs(valueType string, f float64, text string) (meta.Value, error) {
	switch valueType {
	case "", "float", "double":
		return meta.Float(f), nil
	case "int", "long", "integer":
		return meta.Value{}, fmt.Errorf("%s is not an integer", text)
	}
	return meta.ParseTyped(valueType, text)
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprint(f)
}

// ToValue renders f in the JSON compatible value form. The nil filter renders
// as always_filter.
func ToValue(f Filter) map[string]any {
	switch n := f.(type) {
	case *Attribute:
		return attributeValue(n)
	case *And:
		return map[string]any{"filter_type": TypeAnd, "value": childValues(n.children)}
	case *Or:
		return map[string]any{"filter_type": TypeOr, "value": childValues(n.children)}
	case *Not:
		return map[string]any{"filter_type": TypeNot, "value": ToValue(n.child)}
	}
	return map[string]any{"filter_type": TypeAlways}
}

func childValues(children []Filter) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = ToValue(c)
	}
	return out
}

func attributeValue(a *Attribute) map[string]any {
	out := map[string]any{
		"filter_type": TypeAttribute,
		"name":        a.path,
		"operation":   a.op.String(),
	}
	switch a.op {
	case IN:
		items := make([]any, len(a.set))
		for i, v := range a.set {
			items[i] = v.Any()
		}
		out["value"] = items
		if t := uniformType(a.set); t != "" {
			out["value_type"] = t
		}
	case INTERVAL:
		var present []meta.Value
		bound := func(b *meta.Value) any {
			if b == nil {
				return nil
			}
			present = append(present, *b)
			return b.Any()
		}
		out["value"] = []any{bound(a.interval.Lower), bound(a.interval.Upper)}
		out["lower_inclusive"] = a.interval.LowerInclusive
		out["upper_inclusive"] = a.interval.UpperInclusive
		if t := uniformType(present); t != "" {
			out["value_type"] = t
		}
	default:
		out["value"] = a.value.Any()
		out["value_type"] = typeName(a.value.Kind())
	}
	return out
}

// uniformType returns the shared value_type of vs, or "" when they differ.
func uniformType(vs []meta.Value) string {
	t := ""
	for i, v := range vs {
		name := typeName(v.Kind())
		if i == 0 {
			t = name
			continue
		}
		if name != t {
			return ""
		}
	}
	return t
}

func typeName(k meta.Kind) string {
	switch k {
	case meta.KindInt:
		return "int"
	case meta.KindFloat:
		return "float"
	case meta.KindDate:
		return "date"
	case meta.KindTime:
		return "time"
	}
	return "string"
}
