package meta

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the concrete type carried by a Value.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindDate
	KindTime
	KindSeq
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindSeq:
		return "sequence"
	default:
		return "invalid"
	}
}

// Date is a calendar day without a zone, as carried in product metadata.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

// Clock is a time of day with second resolution.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d%02d%02d", c.Hour, c.Minute, c.Second)
}

func (c Clock) seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

// Value is an immutable typed metadata value. The zero Value is invalid.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	d    Date
	c    Clock
	seq  []Value
}

func String(s string) Value { return Value{kind: KindString, s: s} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func DateOf(year int, month time.Month, day int) Value {
	return Value{kind: KindDate, d: Date{Year: year, Month: month, Day: day}}
}

func TimeOf(hour, minute, second int) Value {
	return Value{kind: KindTime, c: Clock{Hour: hour, Minute: minute, Second: second}}
}

// Seq builds an ordered sequence. The items are copied.
func Seq(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindSeq, seq: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Str returns the string payload when v is a string.
func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

// Numeric returns ints and floats widened to float64.
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) Int64() (int64, bool) { return v.i, v.kind == KindInt }

func (v Value) Date() (Date, bool) { return v.d, v.kind == KindDate }

func (v Value) Clock() (Clock, bool) { return v.c, v.kind == KindTime }

// Items returns a copy of the sequence elements; nil for non-sequences.
func (v Value) Items() []Value {
	if v.kind != KindSeq {
		return nil
	}
	cp := make([]Value, len(v.seq))
	copy(cp, v.seq)
	return cp
}

// Text renders v the way it appears in ODIM style metadata: dates as YYYYMMDD,
// times as HHMMSS and sequences comma separated.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindDate:
		return v.d.String()
	case KindTime:
		return v.c.String()
	case KindSeq:
		parts := make([]string, len(v.seq))
		for i, item := range v.seq {
			parts[i] = item.Text()
		}
		return strings.Join(parts, ",")
	}
	return ""
}

func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	return v.Text()
}

// Any converts v into a plain Go value suitable for JSON encoding.
func (v Value) Any() any {
	switch v.kind {
	case KindString, KindDate, KindTime:
		return v.Text()
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindSeq:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Any()
		}
		return out
	}
	return nil
}

// Equal reports type-aware equality. Two ints compare exactly, an int and a
// float by numeric value; all other kinds must match exactly.
func (v Value) Equal(o Value) bool {
	if v.kind == KindInt && o.kind == KindInt {
		return v.i == o.i
	}
	if a, ok := v.Numeric(); ok {
		b, ok := o.Numeric()
		return ok && a == b
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindDate:
		return v.d == o.d
	case KindTime:
		return v.c == o.c
	case KindSeq:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of comparable kinds: numbers against numbers, dates
// against dates and times against times. ok is false for any other pairing.
func Compare(a, b Value) (result int, ok bool) {
	if a.kind == KindInt && b.kind == KindInt {
		switch {
		case a.i < b.i:
			return -1, true
		case a.i > b.i:
			return 1, true
		}
		return 0, true
	}
	if x, okA := a.Numeric(); okA {
		y, okB := b.Numeric()
		if !okB {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch {
	case a.kind == KindDate && b.kind == KindDate:
		return a.d.compare(b.d), true
	case a.kind == KindTime && b.kind == KindTime:
		return cmpInt(a.c.seconds(), b.c.seconds()), true
	}
	return 0, false
}

// ParseDate accepts YYYYMMDD and YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	layout := "20060102"
	if strings.Contains(s, "-") {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// ParseClock accepts HHMMSS, HH:MM:SS and HHMM.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	var layout string
	switch {
	case strings.Contains(s, ":"):
		layout = "15:04:05"
	case len(s) == 4:
		layout = "1504"
	default:
		layout = "150405"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return Clock{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

// ParseTyped converts raw text into a Value of the named type. Accepted names
// are string, int, long, float, double, date and time.
func ParseTyped(typ, raw string) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "string", "str":
		return String(raw), nil
	case "int", "long", "integer":
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse int %q: %w", raw, err)
		}
		return Int(i), nil
	case "float", "double":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse float %q: %w", raw, err)
		}
		return Float(f), nil
	case "date":
		d, err := ParseDate(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindDate, d: d}, nil
	case "time":
		c, err := ParseClock(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindTime, c: c}, nil
	}
	return Value{}, fmt.Errorf("unknown value type %q", typ)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
