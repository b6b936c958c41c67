package filter

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bexchange/internal/meta"
)

func mustAttr(t *testing.T, path string, op Operator, v meta.Value) *Attribute {
	t.Helper()
	a, err := NewAttribute(path, op, v)
	require.NoError(t, err)
	return a
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewAttribute("", EQ, meta.String("x"))
	assert.Error(t, err)
	_, err = NewAttribute("what/object", EQ, meta.Seq(meta.String("x")))
	assert.Error(t, err)
	_, err = NewAttribute("what/object", IN, meta.String("x"))
	assert.Error(t, err)
	_, err = NewAttribute("what/object", IN, meta.Seq())
	assert.Error(t, err)
	_, err = NewAttribute("what/object", LIKE, meta.Int(1))
	assert.Error(t, err)
	_, err = NewAttribute("what/object", INTERVAL, meta.Int(1))
	assert.Error(t, err)

	_, err = NewAnd()
	assert.Error(t, err)
	_, err = NewOr()
	assert.Error(t, err)
	_, err = NewNot(nil)
	assert.Error(t, err)
	var nilAttr *Attribute
	_, err = NewAnd(nilAttr)
	assert.Error(t, err)

	lo, hi := meta.Int(20), meta.Int(10)
	_, err = NewInterval("where/height", Interval{Lower: &lo, Upper: &hi})
	assert.Error(t, err)
	s := meta.String("a")
	_, err = NewInterval("where/height", Interval{Lower: &s})
	assert.Error(t, err)
	d := meta.DateOf(2024, 1, 1)
	_, err = NewInterval("what/date", Interval{Lower: &d, Upper: &hi})
	assert.Error(t, err)

	var mfe *MalformedFilterError
	assert.True(t, errors.As(err, &mfe))
}

func TestLikePatternIsAnchoredAndCaseSensitive(t *testing.T) {
	a := mustAttr(t, "what/object", LIKE, meta.String("PVOL*"))
	assert.True(t, a.MatchPattern("PVOL_test"))
	assert.True(t, a.MatchPattern("PVOL"))
	assert.False(t, a.MatchPattern("pvol_test"))
	assert.False(t, a.MatchPattern("xPVOL_test"))

	q := mustAttr(t, "what/source:NOD", LIKE, meta.String("se?.+"))
	assert.True(t, q.MatchPattern("sea.+"))
	assert.False(t, q.MatchPattern("sea.."))
	assert.False(t, q.MatchPattern("se.+"))
}

func TestFromValueAttribute(t *testing.T) {
	f, err := FromValue(map[string]any{
		"filter_type": "attribute_filter",
		"name":        "what/object",
		"operation":   "=",
		"value_type":  "string",
		"value":       "PVOL",
	})
	require.NoError(t, err)
	a, ok := f.(*Attribute)
	require.True(t, ok)
	assert.Equal(t, EQ, a.Operator())
	assert.Equal(t, "what/object", a.Path())
	assert.Equal(t, "PVOL", a.Operand().Text())
}

func TestFromValueInAcceptsCommaString(t *testing.T) {
	f, err := FromValue(map[string]any{
		"filter_type": "attribute_filter",
		"name":        "what/source:NOD",
		"operation":   "in",
		"value_type":  "string",
		"value":       "sekkr, seang",
	})
	require.NoError(t, err)
	set := f.(*Attribute).Set()
	require.Len(t, set, 2)
	assert.Equal(t, "seang", set[1].Text())
}

func TestFromValueInterval(t *testing.T) {
	f, err := FromValue(map[string]any{
		"filter_type":     "attribute_filter",
		"name":            "where/height",
		"operation":       "INTERVAL",
		"value":           []any{10, nil},
		"lower_inclusive": false,
	})
	require.NoError(t, err)
	iv := f.(*Attribute).Interval()
	require.NotNil(t, iv.Lower)
	assert.Nil(t, iv.Upper)
	assert.False(t, iv.LowerInclusive)
	assert.True(t, iv.UpperInclusive)
	assert.Equal(t, meta.KindInt, iv.Lower.Kind())
}

func TestFromValueMalformed(t *testing.T) {
	attr := func(op string, value any) map[string]any {
		return map[string]any{"filter_type": "attribute_filter", "name": "what/object", "operation": op, "value": value}
	}
	cases := map[string]any{
		"not an object":      "PVOL",
		"missing tag":        map[string]any{"value": 1},
		"unknown tag":        map[string]any{"filter_type": "xor_filter", "value": []any{}},
		"unknown operator":   attr("GT", 1),
		"missing name":       map[string]any{"filter_type": "attribute_filter", "operation": "EQ", "value": 1},
		"missing value":      map[string]any{"filter_type": "attribute_filter", "name": "a", "operation": "EQ"},
		"interval one bound": attr("INTERVAL", []any{1}),
		"interval scalar":    attr("INTERVAL", 1),
		"interval strings":   attr("INTERVAL", []any{"a", "b"}),
		"interval bad flag":  map[string]any{"filter_type": "attribute_filter", "name": "a", "operation": "INTERVAL", "value": []any{1, 2}, "lower_inclusive": "yes"},
		"eq list":            attr("EQ", []any{1, 2}),
		"empty and":          map[string]any{"filter_type": "and_filter", "value": []any{}},
		"or not list":        map[string]any{"filter_type": "or_filter", "value": attr("EQ", 1)},
		"not two children":   map[string]any{"filter_type": "not_filter", "value": []any{attr("EQ", 1), attr("EQ", 2)}},
		"nested always":      map[string]any{"filter_type": "not_filter", "value": map[string]any{"filter_type": "always_filter"}},
		"bad value type":     map[string]any{"filter_type": "attribute_filter", "name": "a", "operation": "EQ", "value_type": "int", "value": "abc"},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromValue(v)
			require.Error(t, err)
			var mfe *MalformedFilterError
			assert.True(t, errors.As(err, &mfe), "want MalformedFilterError, got %T", err)
		})
	}
}

func TestMalformedErrorLocatesChild(t *testing.T) {
	_, err := FromValue(map[string]any{
		"filter_type": "and_filter",
		"value": []any{
			map[string]any{"filter_type": "attribute_filter", "name": "a", "operation": "EQ", "value": 1},
			map[string]any{"filter_type": "attribute_filter", "name": "b", "operation": "BOGUS", "value": 1},
		},
	})
	var mfe *MalformedFilterError
	require.True(t, errors.As(err, &mfe))
	assert.Equal(t, "value[1]", mfe.Path)
}

func TestAlwaysFilterAtRoot(t *testing.T) {
	f, err := FromValue(map[string]any{"filter_type": "always_filter"})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, "always_filter", Text(nil))
	assert.Equal(t, map[string]any{"filter_type": "always_filter"}, ToValue(nil))
}

func sampleTree(t *testing.T) Filter {
	t.Helper()
	obj := mustAttr(t, "what/object", EQ, meta.String("PVOL"))
	nod := mustAttr(t, "what/source:NOD", IN, meta.Seq(meta.String("sekkr"), meta.String("seang")))
	scan := mustAttr(t, "what/object", LIKE, meta.String("SCAN*"))
	lo, hi := meta.Float(0.5), meta.Float(2)
	elangle, err := NewInterval("dataset1/where/elangle", Interval{Lower: &lo, Upper: &hi, UpperInclusive: true})
	require.NoError(t, err)
	not, err := NewNot(scan)
	require.NoError(t, err)
	or, err := NewOr(nod, elangle)
	require.NoError(t, err)
	and, err := NewAnd(obj, not, or)
	require.NoError(t, err)
	return and
}

func TestText(t *testing.T) {
	got := Text(sampleTree(t))
	want := `and_filter(attribute_filter(what/object,EQ,"PVOL"), not_filter(attribute_filter(what/object,LIKE,"SCAN*")), ` +
		`or_filter(attribute_filter(what/source:NOD,IN,["sekkr","seang"]), attribute_filter(dataset1/where/elangle,INTERVAL,(0.5,2])))`
	assert.Equal(t, want, got)

	lo := meta.Int(10)
	open, err := NewInterval("where/height", Interval{Lower: &lo, LowerInclusive: true})
	require.NoError(t, err)
	assert.Equal(t, "attribute_filter(where/height,INTERVAL,[10,+inf))", Text(open))
}

func TestValueRoundTripIsStructural(t *testing.T) {
	tree := sampleTree(t)
	back, err := FromValue(ToValue(tree))
	require.NoError(t, err)
	assert.Equal(t, Text(tree), Text(back))
	assert.Equal(t, Fingerprint(tree), Fingerprint(back))
}

func TestJSONRoundTrip(t *testing.T) {
	d := meta.DateOf(2024, 1, 31)
	dateLow, err := NewInterval("what/date", Interval{Lower: &d, LowerInclusive: true})
	require.NoError(t, err)
	tm := mustAttr(t, "what/time", EQ, meta.TimeOf(10, 15, 0))
	fl := mustAttr(t, "where/lat", EQ, meta.Float(56))
	root, err := NewAnd(dateLow, tm, fl)
	require.NoError(t, err)

	body := `{"filter_type":"and_filter","value":[` +
		`{"filter_type":"attribute_filter","name":"what/date","operation":"INTERVAL","value_type":"date","value":["20240131",null],"lower_inclusive":true,"upper_inclusive":false},` +
		`{"filter_type":"attribute_filter","name":"what/time","operation":"EQ","value_type":"time","value":"101500"},` +
		`{"filter_type":"attribute_filter","name":"where/lat","operation":"EQ","value_type":"float","value":56}]}`
	parsed, err := ParseJSON([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(root), Fingerprint(parsed))

	lat := parsed.(*And).Children()[2].(*Attribute)
	assert.Equal(t, meta.KindFloat, lat.Operand().Kind())
}

func TestLargeIntOperandSurvivesRoundTrip(t *testing.T) {
	const big = int64(9007199254740993)
	body := `{"filter_type":"attribute_filter","name":"how/count","operation":"EQ","value":9007199254740993}`
	parsed, err := ParseJSON([]byte(body))
	require.NoError(t, err)
	got, ok := parsed.(*Attribute).Operand().Int64()
	require.True(t, ok)
	assert.Equal(t, big, got)

	back, err := FromValue(ToValue(parsed))
	require.NoError(t, err)
	got, ok = back.(*Attribute).Operand().Int64()
	require.True(t, ok)
	assert.Equal(t, big, got)
	assert.Equal(t, Fingerprint(parsed), Fingerprint(back))
}

func TestFingerprintDiffers(t *testing.T) {
	a := mustAttr(t, "what/object", EQ, meta.String("PVOL"))
	b := mustAttr(t, "what/object", EQ, meta.String("SCAN"))
	assert.True(t, strings.HasPrefix(Fingerprint(a), "blake3:"))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(nil))
}

func TestParseYAMLAndLoadFile(t *testing.T) {
	src := `
filter_type: or_filter
value:
  - {filter_type: attribute_filter, name: what/object, operation: EQ, value_type: string, value: PVOL}
  - filter_type: not_filter
    value: {filter_type: attribute_filter, name: where/height, operation: INTERVAL, value: [0, 100]}
`
	f, err := ParseYAML([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, `or_filter(attribute_filter(what/object,EQ,"PVOL"), not_filter(attribute_filter(where/height,INTERVAL,[0,100])))`, Text(f))

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "f.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(src), 0o644))
	loaded, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(f), Fingerprint(loaded))

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRegisterDecoder(t *testing.T) {
	RegisterDecoder("pvol_filter", func(v map[string]any, _ func(any) (Filter, error)) (Filter, error) {
		return NewAttribute("what/object", EQ, meta.String("PVOL"))
	})
	defer func() {
		decodersMu.Lock()
		delete(decoders, "pvol_filter")
		decodersMu.Unlock()
	}()

	assert.Contains(t, DecoderTags(), "pvol_filter")
	f, err := FromValue(map[string]any{"filter_type": "pvol_filter"})
	require.NoError(t, err)
	assert.Equal(t, `attribute_filter(what/object,EQ,"PVOL")`, Text(f))
}
