package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/mattjoyce/bexchange/internal/config"
	"github.com/mattjoyce/bexchange/internal/lock"
	"github.com/mattjoyce/bexchange/internal/stats"
	"github.com/mattjoyce/bexchange/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int {
		return runCLI(args)
	})
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeTestConfig writes a config whose state database lives in dir.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	content := `service:
  node_name: sekkr
state:
  path: ` + filepath.Join(dir, "state", "bexchange.db") + `
connectors:
  - name: peer-a
    transport: {type: http, address: "https://a.example/submit"}
    max_retries: 2
processors:
  - name: pvol-to-a
    filter: {filter_type: attribute_filter, name: what/object, operation: EQ, value: PVOL}
    action: {type: forward, chain: [peer-a]}
  - name: archive
    active: false
    action: {type: store, dir: ` + filepath.Join(dir, "archive") + `}
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunNounActionHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"system", "help"}, want: "Actions: start, status"},
		{args: []string{"system", "start", "--help"}, want: "Usage: bexchange system start"},
		{args: []string{"system", "status", "-h"}, want: "Exit codes:"},
		{args: []string{"config", "--help"}, want: "Actions: check, lock"},
		{args: []string{"config", "lock", "--help"}, want: "--dry-run"},
		{args: []string{"config", "check", "-h"}, want: "without starting anything"},
		{args: []string{"filter", "help"}, want: "Actions: eval"},
		{args: []string{"filter", "eval", "--help"}, want: "--fold-case"},
		{args: []string{"stats", "-h"}, want: "Actions: show"},
		{args: []string{"stats", "show", "--help"}, want: "--db PATH"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, stderr := runCLIForTest(t, tt.args...)
			if code != 0 {
				t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("stdout missing %q:\n%s", tt.want, stdout)
			}
		})
	}
}

func TestRunNounWithoutActionPrintsHelpToStderr(t *testing.T) {
	for _, noun := range []string{"system", "config", "filter", "stats"} {
		code, stdout, stderr := runCLIForTest(t, noun)
		if code != 1 {
			t.Fatalf("%s: exit code = %d, want 1", noun, code)
		}
		if stdout != "" {
			t.Fatalf("%s: unexpected stdout %q", noun, stdout)
		}
		if !strings.Contains(stderr, "Usage: bexchange "+noun) {
			t.Fatalf("%s: stderr missing usage:\n%s", noun, stderr)
		}
	}
}

func TestRunCLIUnknownCommandAndAction(t *testing.T) {
	code, stdout, stderr := runCLIForTest(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "Core Resources (Nouns):") {
		t.Fatalf("usage not printed:\n%s", stdout)
	}

	code, _, stderr = runCLIForTest(t, "stats", "purge")
	if code != 1 || !strings.Contains(stderr, "Unknown stats action: purge") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "help")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{"system start", "config lock", "filter eval", "stats show"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-02-20T01:02:03Z")

	code, stdout, stderr := runCLIForTest(t, "--version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	for _, want := range []string{"bexchange 1.2.3", "commit: 0123456789ab", "built_at: 2026-02-20T01:02:03Z"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "2026-02-20T11:02:03+10:00")

	code, stdout, stderr := runCLIForTest(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}

	var got versionInfo
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if got.Version != "1.2.3" || got.Commit != "abc123" {
		t.Fatalf("got %+v", got)
	}
	if got.BuildTime != "2026-02-20T01:02:03Z" {
		t.Fatalf("build_time = %q, want UTC normalized", got.BuildTime)
	}

	code, _, stderr = runCLIForTest(t, "version", "extra")
	if code != 1 || !strings.Contains(stderr, "Usage: bexchange version") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestRunConfigCheck(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	for _, want := range []string{
		"Node: sekkr",
		"Processors (2):",
		"forward -> peer-a",
		`filter: attribute_filter(what/object,EQ,"PVOL")`,
		"filter: (matches everything)",
		"Status: Configuration check PASSED.",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if !regexp.MustCompile(`archive\s+inactive\s+store`).MatchString(stdout) {
		t.Errorf("inactive store processor not listed:\n%s", stdout)
	}
}

func TestRunConfigCheckJSON(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	var got configSummary
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got.Processors) != 2 || len(got.Connectors) != 1 {
		t.Fatalf("got %d processors, %d connectors", len(got.Processors), len(got.Connectors))
	}
	if !strings.HasPrefix(got.Processors[0].Fingerprint, "blake3:") {
		t.Errorf("fingerprint = %q", got.Processors[0].Fingerprint)
	}
	if got.Connectors[0].Target != "https://a.example/submit" || got.Connectors[0].Retries != 2 {
		t.Errorf("connector = %+v", got.Connectors[0])
	}
}

func TestRunConfigCheckRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "service: {node_name: sekkr}\nstate: {path: x.db}\nprocessors:\n  - name: p\n    action: {type: forward, chain: [nowhere]}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLIForTest(t, "config", "check", "--config", path)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, `unknown connector "nowhere"`) {
		t.Fatalf("stderr = %q", stderr)
	}

	code, _, stderr = runCLIForTest(t, "config", "check")
	if code != 1 || !strings.Contains(stderr, "--config is required") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestRunConfigLockVerboseDryRunShortFlag(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	code, stdout, stderr := runCLIForTest(t, "config", "lock", "--config", path, "--dry-run", "-v")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "DRY-RUN .checksums") || !strings.Contains(stdout, "1 files would be locked") {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ChecksumFile)); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote a manifest (stat err %v)", err)
	}
}

func TestRunConfigLockDetectsLaterEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	code, stdout, stderr := runCLIForTest(t, "config", "lock", "--config", path, "--verbose")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "WROTE .checksums") {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ChecksumFile)); err != nil {
		t.Fatalf("manifest not written: %v", err)
	}

	if code, _, stderr := runCLIForTest(t, "config", "check", "--config", path); code != 0 {
		t.Fatalf("check after lock failed: %s", stderr)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# edited\n")
	_ = f.Close()

	code, _, stderr = runCLIForTest(t, "config", "check", "--config", path)
	if code != 1 || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}

	// Locking again authorizes the edit.
	if code, _, stderr := runCLIForTest(t, "config", "lock", "--config", path); code != 0 {
		t.Fatalf("relock failed: %s", stderr)
	}
	if code, _, stderr := runCLIForTest(t, "config", "check", "--config", path); code != 0 {
		t.Fatalf("check after relock failed: %s", stderr)
	}
}

func writeFilterEvalFixtures(t *testing.T) (filterPath, metadataPath string) {
	t.Helper()
	dir := t.TempDir()
	filterPath = filepath.Join(dir, "filter.json")
	filterJSON := `{"filter_type": "and_filter", "value": [
  {"filter_type": "attribute_filter", "name": "what/object", "operation": "EQ", "value": "pvol"},
  {"filter_type": "attribute_filter", "name": "_bdb/source:NOD", "operation": "IN", "value": ["sekkr", "seang"]}
]}`
	if err := os.WriteFile(filterPath, []byte(filterJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	metadataPath = filepath.Join(dir, "item.yaml")
	doc := "source: {NOD: sekkr}\nattributes:\n  what: {object: PVOL, date: \"20240131\", time: \"101500\"}\n"
	if err := os.WriteFile(metadataPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return filterPath, metadataPath
}

func TestRunFilterEval(t *testing.T) {
	filterPath, metadataPath := writeFilterEvalFixtures(t)

	code, stdout, stderr := runCLIForTest(t, "filter", "eval", "--filter", filterPath, "--metadata", metadataPath)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2 for a case sensitive mismatch (stderr: %s)", code, stderr)
	}
	for _, want := range []string{"fingerprint: blake3:", `what/object = "PVOL"`, "match:       false"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, stderr = runCLIForTest(t, "filter", "eval", "--filter", filterPath, "--metadata", metadataPath, "--fold-case", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	var got evalResult
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !got.Match || len(got.Attributes) != 2 {
		t.Fatalf("got %+v", got)
	}
	if !strings.HasPrefix(got.Filter, "and_filter(") {
		t.Errorf("filter text = %q", got.Filter)
	}
}

func TestRunFilterEvalErrors(t *testing.T) {
	filterPath, metadataPath := writeFilterEvalFixtures(t)
	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"filter_type": "bogus_filter"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing flags", args: []string{"--filter", filterPath}, want: "--filter and --metadata are required"},
		{name: "malformed filter", args: []string{"--filter", bad, "--metadata", metadataPath}, want: "Filter error"},
		{name: "missing metadata", args: []string{"--filter", filterPath, "--metadata", bad + ".missing"}, want: "Metadata error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLIForTest(t, append([]string{"filter", "eval"}, tt.args...)...)
			if code != 1 || !strings.Contains(stderr, tt.want) {
				t.Fatalf("exit code = %d, stderr = %q", code, stderr)
			}
		})
	}
}

func TestRunStatsShow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bexchange.db")
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	store := stats.NewStore(db)
	for _, rec := range []stats.Record{
		{Processor: "pvol-to-a", Outcome: "delivered", ItemHash: "h1", ItemID: "one"},
		{Processor: "pvol-to-a", Outcome: "delivered", ItemHash: "h2", ItemID: "two"},
		{Processor: "archive", Outcome: "failed", Reason: "disk full", ItemHash: "h1", ItemID: "one"},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	_ = db.Close()

	code, stdout, stderr := runCLIForTest(t, "stats", "show", "--db", dbPath, "--recent", "5")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !regexp.MustCompile(`pvol-to-a\s+2\s+0`).MatchString(stdout) {
		t.Errorf("pvol-to-a totals missing:\n%s", stdout)
	}
	if !regexp.MustCompile(`archive\s+0\s+1`).MatchString(stdout) || !strings.Contains(stdout, "disk full") {
		t.Errorf("archive totals missing:\n%s", stdout)
	}
	if !strings.Contains(stdout, "Recent deliveries:") {
		t.Errorf("recent records missing:\n%s", stdout)
	}

	code, stdout, stderr = runCLIForTest(t, "stats", "show", "--db", dbPath, "--processor", "archive", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	var got statsOutput
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got.Processors) != 1 || got.Processors["archive"].ErrorCount != 1 {
		t.Fatalf("got %+v", got.Processors)
	}

	code, _, stderr = runCLIForTest(t, "stats", "show", "--db", dbPath, "--processor", "nobody")
	if code != 1 || !strings.Contains(stderr, `"nobody"`) {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestRunStatsShowMissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.db")
	code, _, stderr := runCLIForTest(t, "stats", "show", "--db", missing)
	if code != 1 || !strings.Contains(stderr, "Database not found") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatal("stats show created the database")
	}
}

func TestRunSystemStatus(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	code, stdout, stderr := runCLIForTest(t, "system", "status", "--config", path, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr)
	}
	var got statusReport
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !got.Healthy || len(got.Checks) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got.Checks[2].Detail != "free (node not running)" {
		t.Errorf("lock detail = %q", got.Checks[2].Detail)
	}

	held, err := lock.Acquire(lock.PathFor(filepath.Join(dir, "state", "bexchange.db")))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	code, stdout, _ = runCLIForTest(t, "system", "status", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "held by pid "+strconv.Itoa(os.Getpid())) {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunSystemStatusConfigLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("service: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, stdout, _ := runCLIForTest(t, "system", "status", "--config", path)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "[FAIL] config") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunStartRequiresConfig(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "system", "start")
	if code != 1 || !strings.Contains(stderr, "--config is required") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}

	code, _, stderr = runCLIForTest(t, "start", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if code != 1 || !strings.Contains(stderr, "Failed to load config") {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
}
