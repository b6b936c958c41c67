// Package filter defines subscription filter expressions: attribute predicates
// combined with and/or/not. Trees are immutable once constructed and every
// constructor validates its input, so a Filter held by a caller is always well
// formed. A nil Filter matches every item.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/bexchange/internal/meta"
)

// Filter is one node of an expression tree: *Attribute, *And, *Or or *Not.
type Filter interface {
	filterNode()
}

// Operator is the comparison applied by an attribute predicate.
type Operator int

const (
	EQ Operator = iota + 1
	IN
	LIKE
	INTERVAL
)

func (o Operator) String() string {
	switch o {
	case EQ:
		return "EQ"
	case IN:
		return "IN"
	case LIKE:
		return "LIKE"
	case INTERVAL:
		return "INTERVAL"
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// ParseOperator accepts EQ, =, IN, LIKE and INTERVAL in any case.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EQ", "=", "==":
		return EQ, nil
	case "IN":
		return IN, nil
	case "LIKE":
		return LIKE, nil
	case "INTERVAL":
		return INTERVAL, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// MalformedFilterError reports a filter that cannot be constructed. Path
// locates the offending node in the value form, e.g. value[1].value.
type MalformedFilterError struct {
	Path   string
	Reason string
}

func (e *MalformedFilterError) Error() string {
	if e.Path == "" {
		return "malformed filter: " + e.Reason
	}
	return fmt.Sprintf("malformed filter at %s: %s", e.Path, e.Reason)
}

func malformed(format string, args ...any) *MalformedFilterError {
	return &MalformedFilterError{Reason: fmt.Sprintf(format, args...)}
}

// Interval bounds an INTERVAL predicate. A nil bound is unbounded on that side.
type Interval struct {
	Lower          *meta.Value
	Upper          *meta.Value
	LowerInclusive bool
	UpperInclusive bool
}

// Closed returns the inclusive interval [lower, upper].
func Closed(lower, upper meta.Value) Interval {
	return Interval{Lower: &lower, Upper: &upper, LowerInclusive: true, UpperInclusive: true}
}

// Attribute is a leaf predicate on one metadata path.
type Attribute struct {
	path     string
	op       Operator
	value    meta.Value
	set      []meta.Value
	interval Interval
	pattern  *regexp.Regexp
}

func (*Attribute) filterNode() {}

// NewAttribute builds an EQ, IN or LIKE predicate. IN takes a meta.Seq of the
// accepted values; LIKE takes a string glob where * matches any run and ? a
// single character. Use NewInterval for INTERVAL.
func NewAttribute(path string, op Operator, operand meta.Value) (*Attribute, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, malformed("attribute name is empty")
	}
	a := &Attribute{path: path, op: op}
	switch op {
	case EQ:
		if !operand.IsValid() || operand.Kind() == meta.KindSeq {
			return nil, malformed("EQ on %s needs a scalar operand", path)
		}
		a.value = operand
	case IN:
		if operand.Kind() != meta.KindSeq {
			return nil, malformed("IN on %s needs a list operand", path)
		}
		items := operand.Items()
		if len(items) == 0 {
			return nil, malformed("IN on %s needs at least one value", path)
		}
		for _, item := range items {
			if item.Kind() == meta.KindSeq {
				return nil, malformed("IN on %s cannot nest lists", path)
			}
		}
		a.value = operand
		a.set = items
	case LIKE:
		s, ok := operand.Str()
		if !ok {
			return nil, malformed("LIKE on %s needs a string pattern", path)
		}
		re, err := compileGlob(s)
		if err != nil {
			return nil, malformed("LIKE on %s: %v", path, err)
		}
		a.value = operand
		a.pattern = re
	case INTERVAL:
		return nil, malformed("INTERVAL on %s must be built with NewInterval", path)
	default:
		return nil, malformed("unknown operator %v", op)
	}
	return a, nil
}

// NewInterval builds an INTERVAL predicate.
func NewInterval(path string, iv Interval) (*Attribute, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, malformed("attribute name is empty")
	}
	for _, b := range []*meta.Value{iv.Lower, iv.Upper} {
		if b == nil {
			continue
		}
		switch b.Kind() {
		case meta.KindInt, meta.KindFloat, meta.KindDate, meta.KindTime:
		default:
			return nil, malformed("INTERVAL on %s bounds must be numeric, date or time, got %s", path, b.Kind())
		}
	}
	if iv.Lower != nil && iv.Upper != nil {
		c, ok := meta.Compare(*iv.Lower, *iv.Upper)
		if !ok {
			return nil, malformed("INTERVAL on %s mixes %s and %s bounds", path, iv.Lower.Kind(), iv.Upper.Kind())
		}
		if c > 0 {
			return nil, malformed("INTERVAL on %s has lower bound above upper bound", path)
		}
	}
	cp := iv
	if iv.Lower != nil {
		lo := *iv.Lower
		cp.Lower = &lo
	}
	if iv.Upper != nil {
		hi := *iv.Upper
		cp.Upper = &hi
	}
	return &Attribute{path: path, op: INTERVAL, interval: cp}, nil
}

func (a *Attribute) Path() string       { return a.path }
func (a *Attribute) Operator() Operator { return a.op }

// Operand is the EQ value, the IN list or the LIKE pattern.
func (a *Attribute) Operand() meta.Value { return a.value }

// Set returns the IN members.
func (a *Attribute) Set() []meta.Value {
	out := make([]meta.Value, len(a.set))
	copy(out, a.set)
	return out
}

// Interval returns the INTERVAL bounds.
func (a *Attribute) Interval() Interval { return a.interval }

// MatchPattern reports whether s matches the LIKE glob in full.
func (a *Attribute) MatchPattern(s string) bool {
	if a.pattern == nil {
		return false
	}
	return a.pattern.MatchString(s)
}

// And matches when every child matches.
type And struct{ children []Filter }

// Or matches when any child matches.
type Or struct{ children []Filter }

// Not negates its child.
type Not struct{ child Filter }

func (*And) filterNode() {}
func (*Or) filterNode()  {}
func (*Not) filterNode() {}

func NewAnd(children ...Filter) (*And, error) {
	cs, err := checkChildren("and_filter", children)
	if err != nil {
		return nil, err
	}
	return &And{children: cs}, nil
}

func NewOr(children ...Filter) (*Or, error) {
	cs, err := checkChildren("or_filter", children)
	if err != nil {
		return nil, err
	}
	return &Or{children: cs}, nil
}

func NewNot(child Filter) (*Not, error) {
	if isNil(child) {
		return nil, malformed("not_filter needs exactly one child")
	}
	return &Not{child: child}, nil
}

func (f *And) Children() []Filter { return append([]Filter(nil), f.children...) }
func (f *Or) Children() []Filter  { return append([]Filter(nil), f.children...) }
func (f *Not) Child() Filter      { return f.child }

func checkChildren(kind string, children []Filter) ([]Filter, error) {
	if len(children) == 0 {
		return nil, malformed("%s needs at least one child", kind)
	}
	for i, c := range children {
		if isNil(c) {
			return nil, &MalformedFilterError{Path: fmt.Sprintf("value[%d]", i), Reason: kind + " child is empty"}
		}
	}
	return append([]Filter(nil), children...), nil
}

func isNil(f Filter) bool {
	switch v := f.(type) {
	case nil:
		return true
	case *Attribute:
		return v == nil
	case *And:
		return v == nil
	case *Or:
		return v == nil
	case *Not:
		return v == nil
	}
	return false
}

// compileGlob turns a LIKE pattern into an anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString(`(?s)^`)
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(`.*`)
		case '?':
			sb.WriteString(`.`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`$`)
	return regexp.Compile(sb.String())
}
