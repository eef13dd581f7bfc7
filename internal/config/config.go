// Package config loads and validates the declarative server
// configuration: server options, cache options, search weights,
// embedding provider, and the list of source adapter configs. Unknown
// fields and missing required fields are CONFIG errors. Credentials
// never appear in config directly; config carries the names of
// environment variables that hold them.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Logging    LoggingConfig   `yaml:"logging"`
	Cache      CacheConfig     `yaml:"cache"`
	Search     SearchConfig    `yaml:"search"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	Feedback   FeedbackConfig  `yaml:"feedback"`
	Sources    []AdapterConfig `yaml:"sources"`
}

// ServerConfig configures the HTTP and MCP surfaces.
type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	Transport            string `yaml:"transport"` // stdio, http, both
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries"`
	RequestTimeoutMS     int    `yaml:"request_timeout_ms"`
}

// RequestTimeout returns the overall per-request deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// LoggingConfig configures the slog sink.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// CacheConfig configures the two-tier search cache.
type CacheConfig struct {
	TTLSeconds        int         `yaml:"ttl_seconds"`
	MaxKeys           int         `yaml:"max_keys"`
	MemoryThresholdMB int         `yaml:"memory_threshold_mb"`
	Compression       bool        `yaml:"compression"`
	SweepIntervalSec  int         `yaml:"sweep_interval_seconds"`
	WarmupQueries     []string    `yaml:"warmup_queries"`
	SnapshotDir       string      `yaml:"snapshot_dir"`
	Tier2             Tier2Config `yaml:"tier2"`
}

// Tier2Config configures the optional external key-value store.
type Tier2Config struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	PasswordEnvVar string `yaml:"password_env_var"`
	DB             int    `yaml:"db"`
	KeyPrefix      string `yaml:"key_prefix"`
}

// SearchConfig configures the hybrid scoring pipeline.
type SearchConfig struct {
	SemanticWeight       float64 `yaml:"semantic_weight"`
	FuzzyWeight          float64 `yaml:"fuzzy_weight"`
	MetadataWeight       float64 `yaml:"metadata_weight"`
	MinSemanticThreshold float64 `yaml:"min_semantic_threshold"`
	MinFuzzyThreshold    float64 `yaml:"min_fuzzy_threshold"`
	MaxResults           int     `yaml:"max_results"`
	MaxDocumentBytes     int     `yaml:"max_document_bytes"`
	FallbackEnabled      bool    `yaml:"fallback_enabled"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // ollama, static
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
	BatchSize   int    `yaml:"batch_size"`
	Parallelism int    `yaml:"parallelism"`
	OllamaHost  string `yaml:"ollama_host"`
	CacheSize   int    `yaml:"cache_size"`
}

// FeedbackConfig configures resolution-feedback persistence.
type FeedbackConfig struct {
	Dir string `yaml:"dir"`
}

// AdapterConfig is the tagged per-source configuration. Exactly one
// type-specific block must be set, matching Type.
type AdapterConfig struct {
	Type            string   `yaml:"type"` // file, http, repo, wiki, database
	Name            string   `yaml:"name"`
	Priority        int      `yaml:"priority"`
	Enabled         *bool    `yaml:"enabled"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	MaxRetries      int      `yaml:"max_retries"`
	RefreshInterval string   `yaml:"refresh_interval"`
	Categories      []string `yaml:"categories"`

	File     *FileAdapterConfig     `yaml:"file,omitempty"`
	HTTP     *HTTPAdapterConfig     `yaml:"http,omitempty"`
	Repo     *RepoAdapterConfig     `yaml:"repo,omitempty"`
	Wiki     *WikiAdapterConfig     `yaml:"wiki,omitempty"`
	Database *DatabaseAdapterConfig `yaml:"database,omitempty"`
}

// IsEnabled reports whether the adapter should be registered.
// Adapters are enabled unless explicitly disabled.
func (a *AdapterConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Timeout returns the per-adapter call deadline.
func (a *AdapterConfig) Timeout() time.Duration {
	if a.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// FileAdapterConfig configures a file-tree source.
type FileAdapterConfig struct {
	Paths           []string `yaml:"paths"`
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	MaxDepth        int      `yaml:"max_depth"`
	MaxFileSizeMB   int      `yaml:"max_file_size_mb"`
	WatchChanges    bool     `yaml:"watch_changes"`
	SnapshotPath    string   `yaml:"snapshot_path"`
	FuzzyThreshold  float64  `yaml:"fuzzy_threshold"`
}

// HTTPAdapterConfig configures a remote HTTP source.
type HTTPAdapterConfig struct {
	Endpoints        []HTTPEndpointConfig `yaml:"endpoints"`
	Auth             HTTPAuthConfig       `yaml:"auth"`
	MaxContentSizeMB int                  `yaml:"max_content_size_mb"`
	FollowRedirects  bool                 `yaml:"follow_redirects"`
	MaxConcurrency   int                  `yaml:"max_concurrency"`
}

// HTTPEndpointConfig configures one endpoint of an HTTP source.
type HTTPEndpointConfig struct {
	Name            string            `yaml:"name"`
	Method          string            `yaml:"method"`
	URL             string            `yaml:"url"`
	ContentType     string            `yaml:"content_type"` // html, json
	Selectors       SelectorConfig    `yaml:"selectors"`
	JSONPaths       []string          `yaml:"json_paths"`
	Headers         map[string]string `yaml:"headers"`
	RateLimitPerMin int               `yaml:"rate_limit_per_minute"`
	TimeoutMS       int               `yaml:"timeout_ms"`
	CacheTTLSec     int               `yaml:"cache_ttl_seconds"`
	Category        string            `yaml:"category"`
}

// SelectorConfig holds CSS selectors for HTML extraction.
type SelectorConfig struct {
	Title   string   `yaml:"title"`
	Content string   `yaml:"content"`
	Exclude []string `yaml:"exclude"`
}

// HTTPAuthConfig enumerates the supported auth variants. Values are
// environment variable names, not secrets.
type HTTPAuthConfig struct {
	Type           string `yaml:"type"` // none, api_key, bearer_token, basic
	HeaderName     string `yaml:"header_name"`
	APIKeyEnvVar   string `yaml:"api_key_env_var"`
	TokenEnvVar    string `yaml:"token_env_var"`
	UsernameEnvVar string `yaml:"username_env_var"`
	PasswordEnvVar string `yaml:"password_env_var"`
}

// RepoAdapterConfig configures a code-repository source.
type RepoAdapterConfig struct {
	TokenEnvVar      string   `yaml:"token_env_var"`
	BaseURL          string   `yaml:"base_url"`
	Repositories     []string `yaml:"repositories"` // owner/name
	ScanOrganization string   `yaml:"scan_organization"`
	UserConsentGiven bool     `yaml:"user_consent_given"`
	MaxFileSizeKB    int      `yaml:"max_file_size_kb"`
	HourlyQuotaPct   float64  `yaml:"hourly_quota_pct"`
	MinIntervalMS    int      `yaml:"min_interval_ms"`
	RunbookThreshold float64  `yaml:"runbook_threshold"`
}

// WikiAdapterConfig configures a wiki/knowledge-base source.
type WikiAdapterConfig struct {
	BaseURL          string   `yaml:"base_url"`
	TokenEnvVar      string   `yaml:"token_env_var"`
	UsernameEnvVar   string   `yaml:"username_env_var"`
	Spaces           []string `yaml:"spaces"`
	IncludeGenerated bool     `yaml:"include_generated"`
	MaxPageSizeKB    int      `yaml:"max_page_size_kb"`
	HourlyQuotaPct   float64  `yaml:"hourly_quota_pct"`
	MinIntervalMS    int      `yaml:"min_interval_ms"`
	RunbookThreshold float64  `yaml:"runbook_threshold"`
}

// DatabaseAdapterConfig configures a SQL or document-store source.
type DatabaseAdapterConfig struct {
	Engine           string         `yaml:"engine"` // postgres, mysql, sqlite, couchdb
	DSNEnvVar        string         `yaml:"dsn_env_var"`
	MinConnections   int            `yaml:"min_connections"`
	MaxConnections   int            `yaml:"max_connections"`
	ConnectTimeoutMS int            `yaml:"connection_timeout_ms"`
	IdleTimeoutMS    int            `yaml:"idle_timeout_ms"`
	MaxLifetimeMS    int            `yaml:"max_lifetime_ms"`
	ValidateConns    bool           `yaml:"validate_connections"`
	HealthProbeSec   int            `yaml:"health_probe_seconds"`
	MaxContentLength int            `yaml:"max_content_length"`
	Tables           []TableMapping `yaml:"tables"`
}

// TableMapping names the canonical fields of one table/collection.
type TableMapping struct {
	Table         string `yaml:"table"`
	IDField       string `yaml:"id_field"`
	TitleField    string `yaml:"title_field"`
	ContentField  string `yaml:"content_field"`
	CategoryField string `yaml:"category_field"`
	AuthorField   string `yaml:"author_field"`
	UpdatedField  string `yaml:"updated_field"`
	TagsField     string `yaml:"tags_field"`
	Filter        string `yaml:"filter"`
}

// Default returns the configuration defaults applied before file
// contents are merged in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "127.0.0.1",
			Port:                 8090,
			Transport:            "both",
			MaxConcurrentQueries: 64,
			RequestTimeoutMS:     30000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Cache: CacheConfig{
			TTLSeconds:        300,
			MaxKeys:           1000,
			MemoryThresholdMB: 64,
			Compression:       true,
			SweepIntervalSec:  60,
		},
		Search: SearchConfig{
			SemanticWeight:       0.6,
			FuzzyWeight:          0.25,
			MetadataWeight:       0.15,
			MinSemanticThreshold: 0.3,
			MinFuzzyThreshold:    0.2,
			MaxResults:           10,
			MaxDocumentBytes:     100 * 1024,
			FallbackEnabled:      true,
		},
		Embeddings: EmbeddingConfig{
			Provider:    "static",
			Model:       "all-minilm",
			Dimensions:  384,
			BatchSize:   32,
			Parallelism: 2,
			OllamaHost:  "http://localhost:11434",
			CacheSize:   1000,
		},
	}
}

// Load reads the config file at path, merges it over defaults, applies
// environment overrides, and validates. A missing path falls back to
// CONFIG_FILE, then to defaults with no sources.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, pperrors.Wrap(pperrors.KindConfig, fmt.Sprintf("read config file %s", path), err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, err
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse strictly decodes YAML; unknown fields fail CONFIG.
func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return pperrors.Wrap(pperrors.KindConfig, "parse config", err)
	}
	return nil
}

// Validate checks cross-field invariants and every adapter block.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.Transport) {
	case "stdio", "http", "both":
	default:
		return pperrors.Newf(pperrors.KindConfig,
			"server.transport must be stdio, http, or both, got %q", c.Server.Transport)
	}

	w := c.Search
	if w.SemanticWeight < 0 || w.FuzzyWeight < 0 || w.MetadataWeight < 0 {
		return pperrors.New(pperrors.KindConfig, "search weights must be non-negative")
	}
	if sum := w.SemanticWeight + w.FuzzyWeight + w.MetadataWeight; sum <= 0 || math.IsNaN(sum) {
		return pperrors.New(pperrors.KindConfig, "search weights must sum to a positive value")
	}

	switch strings.ToLower(c.Embeddings.Provider) {
	case "", "ollama", "static":
	default:
		return pperrors.Newf(pperrors.KindConfig,
			"embeddings.provider must be ollama or static, got %q", c.Embeddings.Provider)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return pperrors.Newf(pperrors.KindConfig, "sources[%d]: name is required", i)
		}
		if seen[src.Name] {
			return pperrors.Newf(pperrors.KindConfig, "duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if err := src.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a *AdapterConfig) validate() error {
	blocks := 0
	for _, set := range []bool{a.File != nil, a.HTTP != nil, a.Repo != nil, a.Wiki != nil, a.Database != nil} {
		if set {
			blocks++
		}
	}
	if blocks != 1 {
		return pperrors.Newf(pperrors.KindConfig,
			"source %q must carry exactly one type-specific block, got %d", a.Name, blocks)
	}

	switch a.Type {
	case "file":
		if a.File == nil {
			return a.blockMismatch()
		}
		if len(a.File.Paths) == 0 {
			return pperrors.Newf(pperrors.KindConfig, "source %q: file.paths is required", a.Name)
		}
	case "http":
		if a.HTTP == nil {
			return a.blockMismatch()
		}
		if len(a.HTTP.Endpoints) == 0 {
			return pperrors.Newf(pperrors.KindConfig, "source %q: http.endpoints is required", a.Name)
		}
		switch a.HTTP.Auth.Type {
		case "", "none", "api_key", "bearer_token", "basic":
		default:
			return pperrors.Newf(pperrors.KindConfig,
				"source %q: unknown auth type %q", a.Name, a.HTTP.Auth.Type)
		}
		for _, ep := range a.HTTP.Endpoints {
			switch ep.ContentType {
			case "html", "json":
			default:
				return pperrors.Newf(pperrors.KindConfig,
					"source %q endpoint %q: content_type must be html or json", a.Name, ep.URL)
			}
		}
	case "repo":
		if a.Repo == nil {
			return a.blockMismatch()
		}
		if a.Repo.TokenEnvVar == "" {
			return pperrors.Newf(pperrors.KindConfig, "source %q: repo.token_env_var is required", a.Name)
		}
		if a.Repo.ScanOrganization != "" && !a.Repo.UserConsentGiven {
			return pperrors.Newf(pperrors.KindConfig,
				"source %q: organization scanning requires user_consent_given", a.Name)
		}
	case "wiki":
		if a.Wiki == nil {
			return a.blockMismatch()
		}
		if a.Wiki.BaseURL == "" {
			return pperrors.Newf(pperrors.KindConfig, "source %q: wiki.base_url is required", a.Name)
		}
	case "database":
		if a.Database == nil {
			return a.blockMismatch()
		}
		switch a.Database.Engine {
		case "postgres", "mysql", "sqlite", "couchdb":
		default:
			return pperrors.Newf(pperrors.KindConfig,
				"source %q: unsupported database engine %q", a.Name, a.Database.Engine)
		}
		if a.Database.DSNEnvVar == "" {
			return pperrors.Newf(pperrors.KindConfig, "source %q: database.dsn_env_var is required", a.Name)
		}
		if len(a.Database.Tables) == 0 {
			return pperrors.Newf(pperrors.KindConfig, "source %q: database.tables is required", a.Name)
		}
	default:
		return pperrors.Newf(pperrors.KindConfig, "source %q: unknown adapter type %q", a.Name, a.Type)
	}
	return nil
}

func (a *AdapterConfig) blockMismatch() error {
	return pperrors.Newf(pperrors.KindConfig,
		"source %q: type %q does not match its config block", a.Name, a.Type)
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return pperrors.Wrap(pperrors.KindConfig, "marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pperrors.Wrap(pperrors.KindConfig, "write config file", err)
	}
	return nil
}
