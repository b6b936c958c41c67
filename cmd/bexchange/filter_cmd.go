package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/bexchange/internal/filter"
	"github.com/mattjoyce/bexchange/internal/match"
	"github.com/mattjoyce/bexchange/internal/meta"
)

type attributeTrace struct {
	Path   string   `json:"path"`
	Values []string `json:"values"`
}

type evalResult struct {
	Filter      string           `json:"filter"`
	Fingerprint string           `json:"fingerprint"`
	Item        string           `json:"item"`
	Match       bool             `json:"match"`
	Attributes  []attributeTrace `json:"attributes"`
}

func runFilterEval(args []string) int {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	filterPath := fs.String("filter", "", "Filter file (.json or YAML)")
	metadataPath := fs.String("metadata", "", "Metadata document")
	foldCase := fs.Bool("fold-case", false, "Compare EQ and IN strings case insensitively")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *filterPath == "" || *metadataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --filter and --metadata are required")
		return 1
	}

	f, err := filter.LoadFile(*filterPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Filter error: %v\n", err)
		return 1
	}
	doc, err := meta.LoadDocument(*metadataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Metadata error: %v\n", err)
		return 1
	}

	res := evalResult{
		Filter:      filter.Text(f),
		Fingerprint: filter.Fingerprint(f),
		Item:        doc.Metadata.ID(),
		Match:       match.Matcher{FoldCase: *foldCase}.Match(f, doc.Metadata),
	}
	for _, path := range attributePaths(f, nil) {
		trace := attributeTrace{Path: path, Values: []string{}}
		for _, v := range match.Resolve(path, doc.Metadata) {
			trace.Values = append(trace.Values, v.String())
		}
		res.Attributes = append(res.Attributes, trace)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("filter:      %s\n", res.Filter)
		fmt.Printf("fingerprint: %s\n", res.Fingerprint)
		fmt.Printf("item:        %s\n", res.Item)
		for _, a := range res.Attributes {
			values := "(absent)"
			if len(a.Values) > 0 {
				values = strings.Join(a.Values, ", ")
			}
			fmt.Printf("  %s = %s\n", a.Path, values)
		}
		fmt.Printf("match:       %t\n", res.Match)
	}

	if !res.Match {
		return 2
	}
	return 0
}

// attributePaths lists the distinct attribute paths referenced by f in
// first-use order.
func attributePaths(f filter.Filter, out []string) []string {
	switch n := f.(type) {
	case *filter.And:
		for _, c := range n.Children() {
			out = attributePaths(c, out)
		}
	case *filter.Or:
		for _, c := range n.Children() {
			out = attributePaths(c, out)
		}
	case *filter.Not:
		out = attributePaths(n.Child(), out)
	case *filter.Attribute:
		for _, p := range out {
			if p == n.Path() {
				return out
			}
		}
		out = append(out, n.Path())
	}
	return out
}
