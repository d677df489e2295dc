// Package config handles loading and validating cmdguard configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Sandbox execution modes.
const (
	ModePersistent = "persistent"
	ModeOneShot    = "oneshot"
)

// Confirmation modes.
const (
	ConfirmPrompt = "prompt"
	ConfirmAuto   = "auto"
	ConfirmDeny   = "deny"
	ConfirmQueue  = "queue"
)

// Config is the root configuration for cmdguard.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.cmdguard. Override: CMDGUARD_DATA_DIR env var.
	Validation    ValidationConfig     `json:"validation" yaml:"validation"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Confirmation  ConfirmationConfig   `json:"confirmation" yaml:"confirmation"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Checkpoint    CheckpointConfig     `json:"checkpoint" yaml:"checkpoint"`
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ValidationConfig extends the built-in validation rules. Entries are
// appended to the defaults and never replace them.
type ValidationConfig struct {
	ExtraBlockedCommands []string `json:"extra_blocked_commands,omitempty" yaml:"extra_blocked_commands,omitempty"`
	ExtraBlockedPatterns []string `json:"extra_blocked_patterns,omitempty" yaml:"extra_blocked_patterns,omitempty"` // Go regexp syntax.
	ExtraProtectedPaths  []string `json:"extra_protected_paths,omitempty" yaml:"extra_protected_paths,omitempty"`
	FailOpenOnParseError bool     `json:"fail_open_on_parse_error" yaml:"fail_open_on_parse_error"` // Default: false (unparseable input is denied).
}

// SandboxConfig configures the router and the container engine.
type SandboxConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Mode          string   `json:"mode" yaml:"mode"`   // "persistent" (default) or "oneshot".
	Image         string   `json:"image" yaml:"image"` // Default: "alpine:3.20".
	MemoryMB      int      `json:"memory_mb" yaml:"memory_mb"`   // Default: 512.
	CPUCores      float64  `json:"cpu_cores" yaml:"cpu_cores"`   // Default: 1.0.
	PIDsLimit     int      `json:"pids_limit" yaml:"pids_limit"` // Default: 256.
	Workspace     string   `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Host dir mounted at /workspace. Default: cwd.
	NeverSandbox  []string `json:"never_sandbox,omitempty" yaml:"never_sandbox,omitempty"`   // Glob patterns, appended to defaults.
	AlwaysSandbox []string `json:"always_sandbox,omitempty" yaml:"always_sandbox,omitempty"` // Glob patterns, appended to defaults.
	PullTimeoutS  int      `json:"pull_timeout_s" yaml:"pull_timeout_s"` // Default: 600.
}

// ExecutionConfig configures the direct executor and the recovery loop.
type ExecutionConfig struct {
	DefaultTimeoutS int       `json:"default_timeout_s" yaml:"default_timeout_s"` // Default: 30.
	AllowedEnv      []string  `json:"allowed_env,omitempty" yaml:"allowed_env,omitempty"`         // Appended to the built-in allowlist.
	SecretPatterns  []string  `json:"secret_patterns,omitempty" yaml:"secret_patterns,omitempty"` // Appended to the built-in secret shapes.
	SelfHealing     bool      `json:"self_healing" yaml:"self_healing"`
	MaxRetries      int       `json:"max_retries" yaml:"max_retries"` // Default: 3.
	FixRules        []FixRule `json:"fix_rules,omitempty" yaml:"fix_rules,omitempty"`
}

// FixRule maps an error-output pattern to a replacement command template.
// The template may reference {{.Command}}.
type FixRule struct {
	Match string `json:"match" yaml:"match"`
	Fix   string `json:"fix" yaml:"fix"`
}

// ConfirmationConfig selects how commands are confirmed before execution.
type ConfirmationConfig struct {
	Mode              string `json:"mode" yaml:"mode"`                                                     // "prompt" (default), "auto", "deny", or "queue" (resolved over the HTTP API).
	SessionApproval   bool   `json:"session_approval" yaml:"session_approval"`                             // Standing approval for the whole session.
	TimeoutS          int    `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`                       // Queue wait before a request expires. Default: 300.
	RequiredApprovals int    `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`     // Auto mode: manual approvals before a command is learned. Default: 3.
	MaxAutoPerHour    int    `json:"max_auto_per_hour,omitempty" yaml:"max_auto_per_hour,omitempty"`       // Auto mode: learned approvals per user per hour. Default: 10.
	AutoMaxDirectRisk string `json:"auto_max_direct_risk,omitempty" yaml:"auto_max_direct_risk,omitempty"` // Auto mode: highest risk approved outright in direct mode. Default: "medium".
}

// AuditConfig configures the audit sinks. Both may be enabled at once.
type AuditConfig struct {
	LogPath string         `json:"log_path,omitempty" yaml:"log_path,omitempty"` // JSONL file. Default: <data_dir>/audit.jsonl.
	Storage *StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = no database sink.
}

// StorageConfig configures the database audit sink.
type StorageConfig struct {
	Driver   string `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`         // SQLite file. Default: <data_dir>/cmdguard.db.
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`           // PostgreSQL DSN. Override: CMDGUARD_DB_DSN env var.
	MaxConns int    `json:"max_conns,omitempty" yaml:"max_conns,omitempty"` // Default: 10.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// CheckpointConfig configures file snapshots before destructive commands.
type CheckpointConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Dir      string `json:"dir,omitempty" yaml:"dir,omitempty"`             // Default: <data_dir>/checkpoints.
	MaxBytes int64  `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"` // Per-path cap. Default: 50 MB.
}

// ServerConfig configures the HTTP API served by "cmdguard serve".
type ServerConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys    map[string]string `json:"api_keys" yaml:"api_keys"`       // key -> user ID.
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	RateLimit  *RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // nil = unlimited.
}

// RateLimitConfig throttles command execution per API user.
type RateLimitConfig struct {
	CommandsPerMinute int `json:"commands_per_minute" yaml:"commands_per_minute"`
	Burst             int `json:"burst,omitempty" yaml:"burst,omitempty"` // Default: commands_per_minute.
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "cmdguard"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// Default returns a configuration with every default applied. It is what
// the CLI uses when no config file exists.
func Default() *Config {
	cfg := &Config{
		Sandbox:   SandboxConfig{Enabled: true},
		Execution: ExecutionConfig{SelfHealing: false},
		Checkpoint: CheckpointConfig{
			Enabled: true,
		},
	}
	_ = cfg.validate()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.cmdguard/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cmdguard.yaml"
	}
	return filepath.Join(home, ".cmdguard", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.validate()
	}
	return Load(resolved)
}

// Parse decodes raw config bytes. ext selects the format (".yaml", ".yml" or JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays CMDGUARD_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CMDGUARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CMDGUARD_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v, ok := envBool("CMDGUARD_SANDBOX_ENABLED"); ok {
		c.Sandbox.Enabled = v
	}
	if v, ok := envBool("CMDGUARD_SELF_HEALING"); ok {
		c.Execution.SelfHealing = v
	}
	if v := os.Getenv("CMDGUARD_DB_DSN"); v != "" {
		if c.Audit.Storage == nil {
			c.Audit.Storage = &StorageConfig{Driver: "postgres"}
		}
		c.Audit.Storage.DSN = v
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".cmdguard"
		}
		return filepath.Join(home, ".cmdguard")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// DatabasePath returns the SQLite database path for the audit sink.
func (c *Config) DatabasePath() string {
	if c.Audit.Storage != nil && c.Audit.Storage.Path != "" {
		return c.Audit.Storage.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "cmdguard.db")
}

// CheckpointDir returns the directory snapshots are written to.
func (c *Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.ResolvedDataDir(), "checkpoints")
}

// DefaultTimeout returns the per-command timeout used when a request has none.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Execution.DefaultTimeoutS) * time.Second
}

// PullTimeout returns the image pull timeout.
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.Sandbox.PullTimeoutS) * time.Second
}

func (c *Config) validate() error {
	// Sandbox defaults.
	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = ModePersistent
	}
	switch c.Sandbox.Mode {
	case ModePersistent, ModeOneShot:
	default:
		return fmt.Errorf("sandbox.mode %q is not supported (use persistent or oneshot)", c.Sandbox.Mode)
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "alpine:3.20"
	}
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.MemoryMB == 0 {
		c.Sandbox.MemoryMB = 512
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Sandbox.CPUCores == 0 {
		c.Sandbox.CPUCores = 1.0
	}
	if c.Sandbox.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative")
	}
	if c.Sandbox.PIDsLimit == 0 {
		c.Sandbox.PIDsLimit = 256
	}
	if c.Sandbox.PullTimeoutS <= 0 {
		c.Sandbox.PullTimeoutS = 600
	}

	// Execution defaults.
	if c.Execution.DefaultTimeoutS < 0 {
		return fmt.Errorf("execution.default_timeout_s must not be negative")
	}
	if c.Execution.DefaultTimeoutS == 0 {
		c.Execution.DefaultTimeoutS = 30
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = 3
	}
	for i, rule := range c.Execution.FixRules {
		if rule.Match == "" || rule.Fix == "" {
			return fmt.Errorf("execution.fix_rules[%d]: match and fix are required", i)
		}
		if _, err := regexp.Compile(rule.Match); err != nil {
			return fmt.Errorf("execution.fix_rules[%d]: invalid match: %w", i, err)
		}
	}
	for i, p := range c.Execution.SecretPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("execution.secret_patterns[%d]: %w", i, err)
		}
	}
	for i, p := range c.Validation.ExtraBlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("validation.extra_blocked_patterns[%d]: %w", i, err)
		}
	}

	// Confirmation.
	if c.Confirmation.Mode == "" {
		c.Confirmation.Mode = ConfirmPrompt
	}
	switch c.Confirmation.Mode {
	case ConfirmPrompt, ConfirmAuto, ConfirmDeny, ConfirmQueue:
	default:
		return fmt.Errorf("confirmation.mode %q is not supported (use prompt, auto, deny, or queue)", c.Confirmation.Mode)
	}
	if c.Confirmation.TimeoutS <= 0 {
		c.Confirmation.TimeoutS = 300
	}
	if c.Confirmation.RequiredApprovals <= 0 {
		c.Confirmation.RequiredApprovals = 3
	}
	if c.Confirmation.MaxAutoPerHour <= 0 {
		c.Confirmation.MaxAutoPerHour = 10
	}
	switch c.Confirmation.AutoMaxDirectRisk {
	case "":
		c.Confirmation.AutoMaxDirectRisk = "medium"
	case "low", "medium", "high":
	default:
		return fmt.Errorf("confirmation.auto_max_direct_risk %q is not supported (use low, medium, or high)", c.Confirmation.AutoMaxDirectRisk)
	}

	// Storage driver validation.
	if c.Audit.Storage != nil {
		switch c.Audit.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Audit.Storage.DSN == "" {
				return fmt.Errorf("audit.storage.dsn is required for postgres (set CMDGUARD_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("audit.storage.driver %q is not supported (use sqlite or postgres)", c.Audit.Storage.Driver)
		}
	}

	if c.Checkpoint.MaxBytes <= 0 {
		c.Checkpoint.MaxBytes = 50 << 20
	}

	if c.Server != nil && c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	return nil
}
