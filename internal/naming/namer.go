// Package naming renders destination file names from item metadata.
//
// A template mixes literal text with ${placeholder} references, each optionally
// followed by chained operations:
//
//	${_baltrad/datetime:%Y/%m/%d}/${what/source:NOD}_${/what/object}.tolower()_${/what/date}T${/what/time}.interval_l(15).h5
//
// Placeholders are attribute paths (resolved like filter paths), source keys
// (what/source:NOD), or the item timestamp (_baltrad/datetime, _baltrad/datetime_u:NN
// and _baltrad/datetime_l:NN rounding the minute up or down to NN). A
// placeholder that does not resolve is left in the output as written; a
// missing source key renders "undefined". $$ is a literal dollar sign.
package naming

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/mattjoyce/bexchange/internal/match"
	"github.com/mattjoyce/bexchange/internal/meta"
)

const defaultTimeLayout = "%Y%m%d%H%M%S"

var (
	placeholderPattern = regexp.MustCompile(`(?i)\$(?:(\$)|\{([_/a-z][_:/a-z0-9 #@+\-.%]*)\}((?:\.(?:tolower|toupper|substring|trim|rtrim|ltrim|interval_u|interval_l|replace)\((?:(?:[0-9]+|'[^']*')(?:,(?:[0-9]+|'[^']*'))?)?\))*))`)
	operationPattern   = regexp.MustCompile(`(?i)\.(tolower|toupper|substring|trim|rtrim|ltrim|interval_u|interval_l|replace)\(((?:[0-9]+|'[^']*')(?:,(?:[0-9]+|'[^']*'))?)?\)`)
	datetimePattern    = regexp.MustCompile(`(?i)^_baltrad/datetime(?::(.+))?$`)
	datetimeRound      = regexp.MustCompile(`(?i)^_baltrad/datetime_([ul]):([0-9]{2})(?::(.+))?$`)
)

// Namer renders one template.
type Namer struct {
	tmpl string
}

// New checks that every ${...} in tmpl is well formed.
func New(tmpl string) (*Namer, error) {
	if strings.TrimSpace(tmpl) == "" {
		return nil, fmt.Errorf("name template is empty")
	}
	rest := placeholderPattern.ReplaceAllString(tmpl, "")
	if i := strings.Index(rest, "${"); i >= 0 {
		return nil, fmt.Errorf("name template %q: malformed placeholder near %q", tmpl, rest[i:])
	}
	return &Namer{tmpl: tmpl}, nil
}

// MustNew is New for templates known to be valid.
func MustNew(tmpl string) *Namer {
	n, err := New(tmpl)
	if err != nil {
		panic(err)
	}
	return n
}

func (n *Namer) Template() string { return n.tmpl }

// Name renders the template for m.
func (n *Namer) Name(m *meta.Metadata) string {
	return placeholderPattern.ReplaceAllStringFunc(n.tmpl, func(whole string) string {
		sub := placeholderPattern.FindStringSubmatch(whole)
		if sub[1] != "" {
			return "$"
		}
		value, ok := resolve(sub[2], m)
		if !ok {
			return whole
		}
		if sub[3] != "" {
			value = applyOperations(value, sub[3])
		}
		return value
	})
}

func resolve(placeholder string, m *meta.Metadata) (string, bool) {
	if m == nil {
		return "", false
	}
	lower := strings.ToLower(placeholder)
	for _, prefix := range []string{"_baltrad/source:", "/what/source:", "what/source:"} {
		if strings.HasPrefix(lower, prefix) {
			vals := m.Source(placeholder[len(prefix):])
			if len(vals) == 0 {
				return "undefined", true
			}
			return vals[0], true
		}
	}
	if sub := datetimeRound.FindStringSubmatch(placeholder); sub != nil {
		t, ok := itemTime(m)
		if !ok {
			return "", false
		}
		step, _ := strconv.Atoi(sub[2])
		if step > 0 {
			if strings.EqualFold(sub[1], "u") {
				t = t.Add(time.Duration((t.Minute()/step+1)*step-t.Minute()) * time.Minute)
			} else {
				t = t.Add(-time.Duration(t.Minute()%step) * time.Minute)
			}
		}
		return strftime.Format(layoutOr(sub[3]), t), true
	}
	if sub := datetimePattern.FindStringSubmatch(placeholder); sub != nil {
		t, ok := itemTime(m)
		if !ok {
			return "", false
		}
		return strftime.Format(layoutOr(sub[1]), t), true
	}

	vals := match.Resolve(placeholder, m)
	if len(vals) == 0 {
		return "", false
	}
	s := vals[0].Text()
	return s, s != ""
}

func layoutOr(layout string) string {
	if layout == "" {
		return defaultTimeLayout
	}
	return layout
}

func itemTime(m *meta.Metadata) (time.Time, bool) {
	dv, ok := m.Get("/what/date")
	if !ok {
		return time.Time{}, false
	}
	tv, ok := m.Get("/what/time")
	if !ok {
		return time.Time{}, false
	}
	d, okD := dv.Date()
	c, okC := tv.Clock()
	if !okD || !okC {
		return time.Time{}, false
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, time.UTC), true
}

// applyOperations runs the chained operations left to right.
func applyOperations(value, ops string) string {
	original := value
	for _, op := range operationPattern.FindAllStringSubmatch(ops, -1) {
		args := splitArgs(op[2])
		switch strings.ToLower(op[1]) {
		case "tolower":
			value = changeCase(value, original, args, strings.ToLower)
		case "toupper":
			value = changeCase(value, original, args, strings.ToUpper)
		case "substring":
			value = substring(value, args)
		case "trim":
			value = strings.TrimSpace(value)
		case "rtrim":
			value = strings.TrimRight(value, " \t\r\n")
		case "ltrim":
			value = strings.TrimLeft(value, " \t\r\n")
		case "replace":
			if len(args) == 2 {
				value = strings.ReplaceAll(value, unquote(args[0]), unquote(args[1]))
			}
		case "interval_u":
			value = roundTrailing(value, args, true)
		case "interval_l":
			value = roundTrailing(value, args, false)
		}
	}
	return value
}

func splitArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "'") {
		// 'a','b' or 'a'
		end := strings.Index(raw[1:], "'") + 1
		first := raw[:end+1]
		rest := strings.TrimPrefix(raw[end+1:], ",")
		if rest == "" {
			return []string{first}
		}
		return []string{first, rest}
	}
	first, rest, found := strings.Cut(raw, ",")
	if !found {
		return []string{first}
	}
	return []string{first, rest}
}

func unquote(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "'"), "'")
}

func intArgs(args []string) []int {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return out
		}
		out = append(out, n)
	}
	return out
}

// changeCase converts the whole original value, the rune at start, or the
// inclusive range start..end of the current value.
func changeCase(value, original string, args []string, conv func(string) string) string {
	n := intArgs(args)
	r := []rune(value)
	switch {
	case len(n) == 1 && n[0] >= 0 && n[0] < len(r):
		return string(r[:n[0]]) + conv(string(r[n[0]])) + string(r[n[0]+1:])
	case len(n) == 2 && n[0] >= 0 && n[1] < len(r) && n[1] > n[0]:
		return string(r[:n[0]]) + conv(string(r[n[0]:n[1]+1])) + string(r[n[1]+1:])
	}
	return conv(original)
}

// substring keeps start..end inclusive, or start to the end of the value.
func substring(value string, args []string) string {
	n := intArgs(args)
	r := []rune(value)
	if len(n) == 0 || n[0] >= len(r) {
		return value
	}
	if len(n) == 2 {
		end := n[1] + 1
		if end > len(r) {
			end = len(r)
		}
		if end <= n[0] {
			return ""
		}
		return string(r[n[0]:end])
	}
	return string(r[n[0]:])
}

// roundTrailing treats the last two characters as minutes and rounds them to
// the interval. Rounding up wraps to 00 at the limit (default 60).
func roundTrailing(value string, args []string, up bool) string {
	n := intArgs(args)
	if len(n) == 0 || n[0] <= 0 || len(value) < 2 {
		return value
	}
	minute, err := strconv.Atoi(value[len(value)-2:])
	if err != nil {
		return value
	}
	step := n[0]
	rounded := (minute / step) * step
	if up {
		limit := 60
		if len(n) == 2 {
			limit = n[1]
		}
		rounded += step
		if rounded >= limit {
			rounded = 0
		}
	}
	return fmt.Sprintf("%s%02d", value[:len(value)-2], rounded)
}

// Set holds named templates. "default" is used when no name is given.
type Set struct {
	namers map[string]*Namer
}

// NewSet compiles each template.
func NewSet(templates map[string]string) (*Set, error) {
	s := &Set{namers: make(map[string]*Namer, len(templates))}
	for name, tmpl := range templates {
		n, err := New(tmpl)
		if err != nil {
			return nil, fmt.Errorf("naming template %q: %w", name, err)
		}
		s.namers[name] = n
	}
	return s, nil
}

// Resolve returns the namer for ref: an inline template when ref contains a
// placeholder, otherwise the named template ("default" when empty).
func (s *Set) Resolve(ref string) (*Namer, error) {
	if strings.Contains(ref, "${") {
		return New(ref)
	}
	if ref == "" {
		ref = "default"
	}
	if s != nil {
		if n, ok := s.namers[ref]; ok {
			return n, nil
		}
	}
	return nil, fmt.Errorf("unknown naming template %q", ref)
}

// Names lists the configured template names.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.namers))
	for n := range s.namers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
