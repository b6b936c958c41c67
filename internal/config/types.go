package config

import "time"

// Config represents the complete bexchange configuration.
type Config struct {
	// Include lists further files merged into this one, relative to it.
	Include    []string          `yaml:"include,omitempty"`
	Service    ServiceConfig     `yaml:"service"`
	State      StateConfig       `yaml:"state"`
	API        APIConfig         `yaml:"api,omitempty"`
	Ingest     IngestConfig      `yaml:"ingest"`
	Matching   MatchingConfig    `yaml:"matching"`
	Naming     NamingConfig      `yaml:"naming"`
	Connectors []ConnectorConfig `yaml:"connectors" validate:"dive"`
	Processors []ProcessorConfig `yaml:"processors" validate:"dive"`

	// SourceFiles lists every file the configuration was read from, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	NodeName        string        `yaml:"node_name" validate:"required"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" validate:"gte=0"`
	StopTimeout     time.Duration `yaml:"stop_timeout" validate:"gte=0"`
	// MaxParallel bounds how many processors handle one item at once.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
}

// StateConfig defines the outcome log database.
type StateConfig struct {
	Path string `yaml:"path" validate:"required"`
	// Retention prunes outcome rows older than this at startup. Zero keeps all.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen" validate:"required_if=Enabled true"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gte=0"`
	Auth         APIAuthConfig `yaml:"auth"`
	// Peers are the nodes allowed to submit with a signed request.
	Peers   []PeerConfig  `yaml:"peers,omitempty" validate:"dive"`
	MaxSkew time.Duration `yaml:"max_skew" validate:"gte=0"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the admin bearer token with every scope.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty" validate:"dive"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token" validate:"required"`
	Scopes []string `yaml:"scopes" validate:"required,min=1"`
}

// PeerConfig is a node that signs its submissions with a shared secret.
type PeerConfig struct {
	NodeName string `yaml:"node_name" validate:"required"`
	Secret   string `yaml:"secret" validate:"required"`
}

// IngestConfig defines how items enter the exchange.
type IngestConfig struct {
	// Inbox is an optional directory watched for metadata documents.
	Inbox  string        `yaml:"inbox,omitempty"`
	Settle time.Duration `yaml:"settle" validate:"gte=0"`
	// Duplicates is reject or allow.
	Duplicates      string `yaml:"duplicates" validate:"omitempty,oneof=reject allow"`
	DuplicateWindow int    `yaml:"duplicate_window" validate:"gte=0"`
}

// MatchingConfig tunes filter evaluation.
type MatchingConfig struct {
	// FoldCase compares strings case-insensitively for EQ and IN.
	FoldCase bool `yaml:"fold_case"`
}

// NamingConfig holds file name templates for store actions and file transports.
type NamingConfig struct {
	Templates map[string]string `yaml:"templates,omitempty"`
}

// ConnectorConfig describes one delivery target and its retry policy.
type ConnectorConfig struct {
	Name       string          `yaml:"name" validate:"required"`
	Transport  TransportConfig `yaml:"transport"`
	MaxRetries int             `yaml:"max_retries" validate:"gte=0"`
	Backoff    BackoffConfig   `yaml:"backoff"`
	Timeout    time.Duration   `yaml:"timeout" validate:"gte=0"`
}

// TransportConfig selects and configures a transport.
type TransportConfig struct {
	Type    string            `yaml:"type" validate:"required"`
	Address string            `yaml:"address,omitempty" validate:"required_if=Type http"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Signer  *SignerConfig     `yaml:"signer,omitempty"`
	Dir     string            `yaml:"dir,omitempty" validate:"required_if=Type file"`
	// Template is a naming template name or an inline template.
	Template string `yaml:"template,omitempty"`
}

// SignerConfig is the identity an http transport signs requests with.
type SignerConfig struct {
	NodeName string `yaml:"node_name" validate:"required"`
	Secret   string `yaml:"secret" validate:"required"`
}

// BackoffConfig is the wait between retries of one connector.
type BackoffConfig struct {
	Kind  string        `yaml:"kind" validate:"omitempty,oneof=fixed linear"`
	Delay time.Duration `yaml:"delay" validate:"gte=0"`
}

// ProcessorConfig describes one subscription.
type ProcessorConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Active defaults to true.
	Active          *bool    `yaml:"active,omitempty"`
	AllowedOrigins  []string `yaml:"allowed_origins,omitempty"`
	AllowDuplicates bool     `yaml:"allow_duplicates,omitempty"`
	// Filter is the filter value form. Absent means match everything.
	Filter map[string]any `yaml:"filter,omitempty"`
	// FilterFile loads the filter from a JSON or YAML file instead.
	FilterFile string       `yaml:"filter_file,omitempty" validate:"excluded_with=Filter"`
	Action     ActionConfig `yaml:"action"`
}

// IsActive reports the configured initial state.
func (p ProcessorConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// ActionConfig selects and configures a processor action.
type ActionConfig struct {
	Type string `yaml:"type" validate:"required"`
	// Chain names connectors, primary first, for forward actions.
	Chain     []string `yaml:"chain,omitempty"`
	QueueSize int      `yaml:"queue_size" validate:"gte=0"`
	Dir       string   `yaml:"dir,omitempty"`
	Template  string   `yaml:"template,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:        "info",
			DispatchTimeout: 5 * time.Minute,
			StopTimeout:     10 * time.Second,
		},
		State: StateConfig{
			Path: "./data/bexchange.db",
		},
		API: APIConfig{
			Listen:  "127.0.0.1:8089",
			MaxSkew: 5 * time.Minute,
		},
		Ingest: IngestConfig{
			Settle:          500 * time.Millisecond,
			Duplicates:      "reject",
			DuplicateWindow: 500,
		},
	}
}
