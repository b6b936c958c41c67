package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/bexchange/internal/action"
	"github.com/mattjoyce/bexchange/internal/auth"
	"github.com/mattjoyce/bexchange/internal/filter"
	"github.com/mattjoyce/bexchange/internal/transport"
)

// Environment references are upper case so they never collide with naming
// template placeholders such as ${what/object}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml when configPath
// is a directory, and merges its include tree. ${VAR} references are
// expanded before decoding; a reference to an unset variable is an error.
func Load(configPath string) (*Config, error) {
	cfg, err := readTree(configPath)
	if err != nil {
		return nil, err
	}

	if err := VerifyChecksums(cfg.SourceFiles); err != nil {
		return nil, err
	}

	applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Files lists the root file and every file it includes, without verifying
// checksums or validating content.
func Files(configPath string) ([]string, error) {
	cfg, err := readTree(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.SourceFiles, nil
}

func readTree(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}

	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		resolvedPath := includePath
		if !filepath.IsAbs(resolvedPath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file. Include entries and
// filter files are resolved against the file's directory.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated, err := interpolateEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, p := range cfg.Processors {
		if p.FilterFile != "" && !filepath.IsAbs(p.FilterFile) {
			cfg.Processors[i].FilterFile = filepath.Join(dir, p.FilterFile)
		}
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Scalars from src override when set; lists
// append; template maps merge with src winning.
func mergeConfig(dst, src *Config) {
	if src.Service.NodeName != "" {
		dst.Service.NodeName = src.Service.NodeName
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.DispatchTimeout != 0 {
		dst.Service.DispatchTimeout = src.Service.DispatchTimeout
	}
	if src.Service.StopTimeout != 0 {
		dst.Service.StopTimeout = src.Service.StopTimeout
	}
	if src.Service.MaxParallel != 0 {
		dst.Service.MaxParallel = src.Service.MaxParallel
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.State.Retention != 0 {
		dst.State.Retention = src.State.Retention
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.MaxBodyBytes != 0 {
		dst.API.MaxBodyBytes = src.API.MaxBodyBytes
	}
	if src.API.MaxSkew != 0 {
		dst.API.MaxSkew = src.API.MaxSkew
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	dst.API.Peers = append(dst.API.Peers, src.API.Peers...)

	if src.Ingest.Inbox != "" {
		dst.Ingest.Inbox = src.Ingest.Inbox
	}
	if src.Ingest.Settle != 0 {
		dst.Ingest.Settle = src.Ingest.Settle
	}
	if src.Ingest.Duplicates != "" {
		dst.Ingest.Duplicates = src.Ingest.Duplicates
	}
	if src.Ingest.DuplicateWindow != 0 {
		dst.Ingest.DuplicateWindow = src.Ingest.DuplicateWindow
	}

	if src.Matching.FoldCase {
		dst.Matching.FoldCase = true
	}

	if len(src.Naming.Templates) > 0 {
		if dst.Naming.Templates == nil {
			dst.Naming.Templates = make(map[string]string)
		}
		for name, tmpl := range src.Naming.Templates {
			dst.Naming.Templates[name] = tmpl
		}
	}

	dst.Connectors = append(dst.Connectors, src.Connectors...)
	dst.Processors = append(dst.Processors, src.Processors...)
}

// applyConfigDefaults fills settings that no file set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.DispatchTimeout == 0 {
		cfg.Service.DispatchTimeout = defaults.Service.DispatchTimeout
	}
	if cfg.Service.StopTimeout == 0 {
		cfg.Service.StopTimeout = defaults.Service.StopTimeout
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxSkew == 0 {
		cfg.API.MaxSkew = defaults.API.MaxSkew
	}
	if cfg.Ingest.Settle == 0 {
		cfg.Ingest.Settle = defaults.Ingest.Settle
	}
	if cfg.Ingest.Duplicates == "" {
		cfg.Ingest.Duplicates = defaults.Ingest.Duplicates
	}
	if cfg.Ingest.DuplicateWindow == 0 {
		cfg.Ingest.DuplicateWindow = defaults.Ingest.DuplicateWindow
	}
}

// interpolateEnv replaces ${VAR} with environment variable values. Every
// unset variable is reported.
func interpolateEnv(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable not set: %s", strings.Join(dedupe(missing), ", "))
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report yaml field names, e.g. service.node_name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and then the references between
// sections. It also decodes every filter so malformed filters fail here.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return validateReferences(cfg)
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %q)", field, strings.ReplaceAll(fe.Param(), " ", ", "), fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "excluded_with":
		return fmt.Sprintf("%s cannot be combined with %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

func validateReferences(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 && len(cfg.API.Peers) == 0 {
		return fmt.Errorf("api: enabled without api_key, tokens or peers")
	}
	for i, tok := range cfg.API.Auth.Tokens {
		for _, s := range tok.Scopes {
			if !auth.KnownScope(s) {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, s)
			}
		}
	}
	peers := make(map[string]bool, len(cfg.API.Peers))
	for _, p := range cfg.API.Peers {
		if peers[p.NodeName] {
			return fmt.Errorf("api.peers: node %q listed twice", p.NodeName)
		}
		peers[p.NodeName] = true
	}

	knownTransports := transport.Types()
	connectors := make(map[string]bool, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		if connectors[c.Name] {
			return fmt.Errorf("connector %q is defined twice", c.Name)
		}
		connectors[c.Name] = true
		if !contains(knownTransports, c.Transport.Type) {
			return fmt.Errorf("connector %q: unknown transport type %q (known: %s)", c.Name, c.Transport.Type, strings.Join(knownTransports, ", "))
		}
	}

	processors := make(map[string]bool, len(cfg.Processors))
	for _, p := range cfg.Processors {
		if processors[p.Name] {
			return fmt.Errorf("processor %q is defined twice", p.Name)
		}
		processors[p.Name] = true

		switch p.Action.Type {
		case action.TypeForward:
			if len(p.Action.Chain) == 0 {
				return fmt.Errorf("processor %q: forward action needs a chain", p.Name)
			}
			for _, cn := range p.Action.Chain {
				if !connectors[cn] {
					return fmt.Errorf("processor %q: chain references unknown connector %q", p.Name, cn)
				}
			}
		case action.TypeStore:
			if p.Action.Dir == "" {
				return fmt.Errorf("processor %q: store action needs a dir", p.Name)
			}
		default:
			return fmt.Errorf("processor %q: unknown action type %q", p.Name, p.Action.Type)
		}

		if _, err := processorFilter(p); err != nil {
			return fmt.Errorf("processor %q: %w", p.Name, err)
		}
	}
	return nil
}

// processorFilter decodes the inline filter or loads the filter file.
func processorFilter(p ProcessorConfig) (filter.Filter, error) {
	if p.FilterFile != "" {
		return filter.LoadFile(p.FilterFile)
	}
	if p.Filter == nil {
		return nil, nil
	}
	return filter.FromValue(p.Filter)
}

func contains(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}
