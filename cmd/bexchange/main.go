package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "filter":
		return runFilterNoun(args)
	case "stats":
		return runStatsNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: bexchange version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("bexchange %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`bexchange - radar data exchange node

Usage:
  bexchange <noun> <action> [flags]

Core Resources (Nouns):
  system    Node lifecycle and health
  config    Configuration validation and integrity
  filter    Filter expressions
  stats     Delivery statistics

System Commands:
  system start      Start the exchange node in foreground
  system status     Show configuration, database and lock state

Config Commands:
  config check      Validate and build the configuration without starting it
  config lock       Authorize current state (update integrity hashes)

Filter Commands:
  filter eval       Evaluate a filter against a metadata document

Stats Commands:
  stats show        Show per-processor totals from the delivery log

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'bexchange <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runFilterNoun(args []string) int {
	if len(args) < 1 {
		printFilterNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printFilterNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "eval":
		if hasHelpFlag(actionArgs) {
			printFilterEvalHelp()
			return 0
		}
		return runFilterEval(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown filter action: %s\n", action)
		return 1
	}
}

func runStatsNoun(args []string) int {
	if len(args) < 1 {
		printStatsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printStatsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			printStatsShowHelp()
			return 0
		}
		return runStatsShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown stats action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bexchange system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bexchange config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printFilterNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bexchange filter <action> [flags]")
	fmt.Fprintln(w, "Actions: eval")
}

func printStatsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bexchange stats <action> [flags]")
	fmt.Fprintln(w, "Actions: show")
}

func printSystemStartHelp() {
	fmt.Println("Usage: bexchange system start --config PATH")
	fmt.Println("Start the exchange node in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: bexchange system status --config PATH [--json]")
	fmt.Println("Show configuration, database readiness and lock state.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: bexchange config check --config PATH [--json]")
	fmt.Println("Load, validate and build the configuration without starting anything.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: bexchange config lock --config PATH [--dry-run] [-v|--verbose]")
	fmt.Println("Write .checksums manifests for every file of the configuration tree.")
}

func printFilterEvalHelp() {
	fmt.Println("Usage: bexchange filter eval --filter FILE --metadata FILE [--fold-case] [--json]")
	fmt.Println("Print the filter text, its fingerprint and whether the metadata matches.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Metadata matches")
	fmt.Println("  1  Error")
	fmt.Println("  2  Metadata does not match")
}

func printStatsShowHelp() {
	fmt.Println("Usage: bexchange stats show --db PATH [--processor NAME] [--recent N] [--json]")
	fmt.Println("Print per-processor totals from the delivery log.")
}
