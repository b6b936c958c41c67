package events

import (
	"encoding/json"
	"strings"
)

// Selector narrows a feed to some event types and, for events about one
// processor, to that processor. The zero Selector passes everything.
type Selector struct {
	// Types holds exact types such as "dispatch.outcome" or families written
	// as "dispatch.*" or "dispatch".
	Types     []string
	Processor string
}

// ParseTypes splits comma separated type lists, dropping blanks.
func ParseTypes(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// Match reports whether ev passes the selector. With a processor set, events
// that name no processor (item.*, dispatch.completed) are dropped.
func (s Selector) Match(ev Event) bool {
	if len(s.Types) > 0 && !s.matchType(ev.Type) {
		return false
	}
	if s.Processor == "" {
		return true
	}
	var data struct {
		Processor string `json:"processor"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return false
	}
	return data.Processor == s.Processor
}

func (s Selector) matchType(typ string) bool {
	for _, want := range s.Types {
		family := strings.TrimSuffix(want, ".*")
		if typ == want || strings.HasPrefix(typ, family+".") {
			return true
		}
	}
	return false
}
