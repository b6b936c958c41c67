package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/bexchange/internal/config"
	"github.com/mattjoyce/bexchange/internal/filter"
)

type processorSummary struct {
	Name        string   `json:"name"`
	Active      bool     `json:"active"`
	Action      string   `json:"action"`
	Chain       []string `json:"chain,omitempty"`
	Filter      string   `json:"filter"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

type connectorSummary struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Target    string `json:"target"`
	Retries   int    `json:"max_retries"`
}

type configSummary struct {
	Node       string             `json:"node"`
	Files      []string           `json:"files"`
	API        string             `json:"api"`
	Inbox      string             `json:"inbox,omitempty"`
	Connectors []connectorSummary `json:"connectors"`
	Processors []processorSummary `json:"processors"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	built, err := config.Build(cfg, config.BuildDeps{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config build error: %v\n", err)
		return 1
	}

	summary := configSummary{
		Node:  cfg.Service.NodeName,
		Files: cfg.SourceFiles,
		API:   "disabled",
		Inbox: cfg.Ingest.Inbox,
	}
	if cfg.API.Enabled {
		summary.API = cfg.API.Listen
	}
	for _, cc := range cfg.Connectors {
		target := cc.Transport.Address
		if cc.Transport.Type == "file" {
			target = cc.Transport.Dir
		}
		summary.Connectors = append(summary.Connectors, connectorSummary{
			Name:      cc.Name,
			Transport: cc.Transport.Type,
			Target:    target,
			Retries:   cc.MaxRetries,
		})
	}
	// Build keeps configuration order, so built processors line up with cfg.
	for i, p := range built.Processors {
		ps := processorSummary{
			Name:   p.Name(),
			Active: p.Active(),
			Action: cfg.Processors[i].Action.Type,
			Chain:  cfg.Processors[i].Action.Chain,
			Filter: "(matches everything)",
		}
		if f := p.Filter(); f != nil {
			ps.Filter = filter.Text(f)
			ps.Fingerprint = filter.Fingerprint(f)
		}
		summary.Processors = append(summary.Processors, ps)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Node: %s\n", summary.Node)
	fmt.Printf("Files: %s\n", strings.Join(summary.Files, ", "))
	fmt.Printf("API: %s\n", summary.API)
	if summary.Inbox != "" {
		fmt.Printf("Inbox: %s\n", summary.Inbox)
	}
	fmt.Printf("Connectors (%d):\n", len(summary.Connectors))
	for _, c := range summary.Connectors {
		fmt.Printf("  %-16s %-5s %s (retries %d)\n", c.Name, c.Transport, c.Target, c.Retries)
	}
	fmt.Printf("Processors (%d):\n", len(summary.Processors))
	for _, p := range summary.Processors {
		state := "active"
		if !p.Active {
			state = "inactive"
		}
		target := p.Action
		if len(p.Chain) > 0 {
			target += " -> " + strings.Join(p.Chain, ", ")
		}
		fmt.Printf("  %-16s %-8s %s\n", p.Name, state, target)
		fmt.Printf("    filter: %s\n", p.Filter)
	}
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 1
	}

	files, err := config.Files(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config files: %v\n", err)
		return 1
	}

	report, err := config.Lock(files, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		for _, f := range report.Files {
			fmt.Printf("  HASH %s %s\n", f.Hash[:16], f.Path)
		}
		for _, m := range report.Manifests {
			if dryRun {
				fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ChecksumFile, m)
			} else {
				fmt.Printf("  WROTE %s: %s\n", config.ChecksumFile, m)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run: %d files would be locked.\n", len(report.Files))
		return 0
	}
	fmt.Printf("Locked %d files in %d manifests.\n", len(report.Files), len(report.Manifests))
	return 0
}
