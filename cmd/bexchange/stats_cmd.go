package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mattjoyce/bexchange/internal/stats"
	"github.com/mattjoyce/bexchange/internal/storage"
)

type statsOutput struct {
	Processors map[string]stats.Entry `json:"processors"`
	Recent     []stats.Record         `json:"recent,omitempty"`
}

func runStatsShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Path to the state database")
	processor := fs.String("processor", "", "Limit output to one processor")
	recent := fs.Int("recent", 0, "Also list the N newest delivery records")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --db is required")
		return 1
	}
	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Database not found: %s\n", *dbPath)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()
	store := stats.NewStore(db)

	summaries, err := store.Summaries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read statistics: %v\n", err)
		return 1
	}
	if *processor != "" {
		e, ok := summaries[*processor]
		if !ok {
			fmt.Fprintf(os.Stderr, "No deliveries recorded for processor %q\n", *processor)
			return 1
		}
		summaries = map[string]stats.Entry{*processor: e}
	}

	out := statsOutput{Processors: summaries}
	if *recent > 0 {
		out.Recent, err = store.Recent(ctx, *processor, *recent)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read delivery log: %v\n", err)
			return 1
		}
	}

	if *jsonOut {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-20s %8s %8s  %-20s  %s\n", "PROCESSOR", "OK", "ERRORS", "LAST OK", "LAST ERROR")
	for _, name := range names {
		e := summaries[name]
		lastErr := formatStatTime(e.LastErrorTime)
		if e.LastErrorReason != "" {
			lastErr += " " + e.LastErrorReason
		}
		fmt.Printf("%-20s %8d %8d  %-20s  %s\n", name, e.OKCount, e.ErrorCount, formatStatTime(e.LastOKTime), lastErr)
	}
	if len(out.Recent) > 0 {
		fmt.Println("")
		fmt.Println("Recent deliveries:")
		for _, r := range out.Recent {
			line := fmt.Sprintf("  %s %-20s %-10s %s", r.CreatedAt.UTC().Format(time.RFC3339), r.Processor, r.Outcome, r.ItemID)
			if r.Reason != "" {
				line += " (" + r.Reason + ")"
			}
			fmt.Println(line)
		}
	}
	return 0
}

func formatStatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
