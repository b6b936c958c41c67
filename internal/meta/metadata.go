package meta

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Attribute is one typed value addressed by its absolute path, for example
// /what/object or /dataset1/where/elangle.
type Attribute struct {
	Path  string
	Value Value
}

// Segments splits the attribute path into its group and name parts.
func (a Attribute) Segments() []string {
	return SplitPath(a.Path)
}

// Payload references the data that travels with an item: a file on disk or
// bytes held in memory. Data wins when both are set.
type Payload struct {
	Path string
	Data []byte
}

func (p Payload) IsZero() bool { return p.Path == "" && p.Data == nil }

// Name is the base file name of the payload, empty for in-memory payloads.
func (p Payload) Name() string {
	if p.Path == "" {
		return ""
	}
	return filepath.Base(p.Path)
}

// Open returns a reader over the payload content.
func (p Payload) Open() (io.ReadCloser, error) {
	if p.Data != nil {
		return io.NopCloser(bytes.NewReader(p.Data)), nil
	}
	if p.Path == "" {
		return nil, fmt.Errorf("payload has neither path nor data")
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return f, nil
}

// Size returns the payload length in bytes.
func (p Payload) Size() (int64, error) {
	if p.Data != nil {
		return int64(len(p.Data)), nil
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return 0, fmt.Errorf("stat payload: %w", err)
	}
	return info.Size(), nil
}

// Metadata is the read-only record describing one exchanged item. Build one
// with New; once built it is safe for concurrent readers.
type Metadata struct {
	attrs   []Attribute
	index   map[string]int
	source  map[string][]string
	origin  string
	payload Payload
}

// Get returns the value stored at an absolute path.
func (m *Metadata) Get(path string) (Value, bool) {
	i, ok := m.index[NormalizePath(path)]
	if !ok {
		return Value{}, false
	}
	return m.attrs[i].Value, true
}

// Attributes returns all attributes in insertion order.
func (m *Metadata) Attributes() []Attribute {
	out := make([]Attribute, len(m.attrs))
	copy(out, m.attrs)
	return out
}

// Len is the number of attributes.
func (m *Metadata) Len() int { return len(m.attrs) }

// Source returns the values registered under a source key such as NOD or WMO.
func (m *Metadata) Source(key string) []string {
	vals := m.source[key]
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, len(vals))
	copy(out, vals)
	return out
}

// SourceKeys lists the source map keys in sorted order.
func (m *Metadata) SourceKeys() []string {
	keys := make([]string, 0, len(m.source))
	for k := range m.source {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Origin is the node name the item was received from; empty for local items.
func (m *Metadata) Origin() string { return m.origin }

func (m *Metadata) Payload() Payload { return m.payload }

// WithPayload returns a copy of m that references p.
func (m *Metadata) WithPayload(p Payload) *Metadata {
	cp := *m
	cp.payload = p
	return &cp
}

// WithOrigin returns a copy of m received from origin.
func (m *Metadata) WithOrigin(origin string) *Metadata {
	cp := *m
	cp.origin = origin
	return &cp
}

// Hash is a blake3 digest over the sorted attributes and source entries. Origin
// and payload location do not contribute, so the same product announced twice
// hashes identically.
func (m *Metadata) Hash() string {
	h := blake3.New()
	paths := make([]string, 0, len(m.attrs))
	for _, a := range m.attrs {
		paths = append(paths, a.Path)
	}
	sort.Strings(paths)
	for _, p := range paths {
		v := m.attrs[m.index[p]].Value
		fmt.Fprintf(h, "%s=%s:%s\n", p, v.Kind(), v.Text())
	}
	for _, k := range m.SourceKeys() {
		fmt.Fprintf(h, "source:%s=%s\n", k, strings.Join(m.source[k], ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ID is a short human readable identity used in logs.
func (m *Metadata) ID() string {
	nod := "undefined"
	if v := m.Source("NOD"); len(v) > 0 {
		nod = v[0]
	}
	object := "undefined"
	if v, ok := m.Get("/what/object"); ok {
		object = v.Text()
	}
	when := "undefined"
	d, okD := m.Get("/what/date")
	t, okT := m.Get("/what/time")
	if okD && okT {
		when = d.Text() + "T" + t.Text()
	}
	return fmt.Sprintf("nod:%s, object:%s, time:%s, hash:%s", nod, object, when, m.Hash()[:12])
}

// Map renders the attributes as a path to plain value map, for JSON output.
func (m *Metadata) Map() map[string]any {
	out := make(map[string]any, len(m.attrs))
	for _, a := range m.attrs {
		out[a.Path] = a.Value.Any()
	}
	return out
}

// Builder accumulates attributes for a new Metadata.
type Builder struct {
	attrs   []Attribute
	index   map[string]int
	source  map[string][]string
	origin  string
	payload Payload
	err     error
}

func New() *Builder {
	return &Builder{
		index:  make(map[string]int),
		source: make(map[string][]string),
	}
}

// Set stores v at path. A later Set on the same path replaces the value but
// keeps its original position.
func (b *Builder) Set(path string, v Value) *Builder {
	p := NormalizePath(path)
	if p == "/" {
		b.fail(fmt.Errorf("attribute path %q is empty", path))
		return b
	}
	if !v.IsValid() {
		b.fail(fmt.Errorf("attribute %s has no value", p))
		return b
	}
	if i, ok := b.index[p]; ok {
		b.attrs[i].Value = v
		return b
	}
	b.index[p] = len(b.attrs)
	b.attrs = append(b.attrs, Attribute{Path: p, Value: v})
	return b
}

// AddSource registers one source map entry (for example NOD -> sekkr).
func (b *Builder) AddSource(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return b
	}
	for _, existing := range b.source[key] {
		if existing == value {
			return b
		}
	}
	b.source[key] = append(b.source[key], value)
	return b
}

// Origin records the node the item came from.
func (b *Builder) Origin(origin string) *Builder {
	b.origin = strings.TrimSpace(origin)
	return b
}

func (b *Builder) Payload(p Payload) *Builder {
	b.payload = p
	return b
}

// Build freezes the builder. A string /what/source attribute in the
// KEY:value,KEY:value form is split into the source map.
func (b *Builder) Build() (*Metadata, error) {
	if b.err != nil {
		return nil, b.err
	}
	if i, ok := b.index["/what/source"]; ok {
		if s, isStr := b.attrs[i].Value.Str(); isStr {
			for key, vals := range ParseSource(s) {
				for _, v := range vals {
					b.AddSource(key, v)
				}
			}
		}
	}

	m := &Metadata{
		attrs:   make([]Attribute, len(b.attrs)),
		index:   make(map[string]int, len(b.index)),
		source:  make(map[string][]string, len(b.source)),
		origin:  b.origin,
		payload: b.payload,
	}
	copy(m.attrs, b.attrs)
	for k, v := range b.index {
		m.index[k] = v
	}
	for k, v := range b.source {
		m.source[k] = append([]string(nil), v...)
	}
	return m, nil
}

// MustBuild is Build for literals known to be valid.
func (b *Builder) MustBuild() *Metadata {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// ParseSource splits an ODIM source string such as "NOD:sekkr,WMO:02606".
// Entries without a colon are ignored.
func ParseSource(s string) map[string][]string {
	out := make(map[string][]string)
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = append(out[key], value)
	}
	return out
}

// NormalizePath returns path as an absolute slash separated path without a
// trailing slash. Dots act as separators when the path contains no slash.
func NormalizePath(path string) string {
	return "/" + strings.Join(SplitPath(path), "/")
}

// SplitPath breaks an attribute path into segments, dropping empty ones.
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	sep := "/"
	if !strings.Contains(path, "/") && strings.Contains(path, ".") {
		sep = "."
	}
	raw := strings.Split(path, sep)
	out := raw[:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
