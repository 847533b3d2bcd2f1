// Package config loads cocode's on-disk configuration. It is a thin
// adapter over yaml.v3, not a general-purpose loader: one Config struct,
// one Load function, env-var overrides and defaults applied the way the
// teacher's config package does it, trimmed to what the engine actually
// consults (provider credentials, storage layout, role/model selection,
// compaction and executor tuning).
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cocode/cocode/pkg/models"
)

// Config is cocode's resolved configuration.
type Config struct {
	Home      string          `yaml:"home"`
	Providers ProvidersConfig `yaml:"providers"`
	Roles     models.RoleSelection `yaml:"roles"`
	Session   SessionConfig   `yaml:"session"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Context   ContextConfig   `yaml:"context"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProvidersConfig holds per-provider connection settings. API keys default
// to environment variables documented per provider (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, GOOGLE_API_KEY, ...) when left blank in YAML.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Azure     AzureConfig     `yaml:"azure"`
	Google    GoogleConfig    `yaml:"google"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

type AzureConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	AADToken     string `yaml:"aad_token"`
	APIVersion   string `yaml:"api_version"`
	DefaultModel string `yaml:"default_model"`
}

type GoogleConfig struct {
	APIKey                 string   `yaml:"api_key"`
	ServiceAccountJSONPath string   `yaml:"service_account_json_path"`
	OAuthScopes            []string `yaml:"oauth_scopes"`
	DefaultModel           string   `yaml:"default_model"`
}

type BedrockConfig struct {
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	DefaultModel    string        `yaml:"default_model"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type OpenRouterConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type OllamaConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SessionConfig configures session storage and resume behavior.
type SessionConfig struct {
	// Backend selects the session store: "json" (write-then-rename
	// snapshots under Home/sessions, spec.md §6 default) or "sqlite" (the
	// optional durable index backend).
	Backend string `yaml:"backend"`
}

// ExecutorConfig mirrors internal/agent.ExecutorConfig's tunables so they
// can be set from YAML instead of hardcoded.
type ExecutorConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultRetries  int           `yaml:"default_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// ContextConfig configures the context budget and compaction thresholds.
type ContextConfig struct {
	WindowTokens          int  `yaml:"window_tokens"`
	EnableMicroCompaction bool `yaml:"enable_micro_compaction"`
	MicroThresholdPercent int  `yaml:"micro_threshold_percent"`
	FullThresholdPercent  int  `yaml:"full_threshold_percent"`
}

// LoggingConfig configures the slog handler cmd/cocode installs at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultHome returns $COCODE_HOME, or ~/.cocode if unset.
func DefaultHome() string {
	if home := strings.TrimSpace(os.Getenv("COCODE_HOME")); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".cocode"
	}
	return filepath.Join(dir, ".cocode")
}

// StorageDirs returns the fixed subdirectory layout under a cocode home:
// sessions, plans, transcripts, logs, sidecars, agents.
func StorageDirs(home string) []string {
	return []string{
		filepath.Join(home, "sessions"),
		filepath.Join(home, "plans"),
		filepath.Join(home, "transcripts"),
		filepath.Join(home, "logs"),
		filepath.Join(home, "sidecars"),
		filepath.Join(home, "agents"),
	}
}

// Load reads, expands, and decodes a YAML config file at path, applies env
// overrides and defaults, and validates the result. A missing file is not
// an error: Load returns a default-only Config so `cocode chat` works with
// zero configuration beyond environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyDefaults(cfg)
				applyEnvOverrides(cfg)
				return cfg, validate(cfg)
			}
			return nil, fmt.Errorf("read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := decoder.Decode(new(struct{})); err != io.EOF {
			return nil, fmt.Errorf("parse config: expected a single YAML document")
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Home) == "" {
		cfg.Home = DefaultHome()
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "json"
	}
	if cfg.Executor.MaxConcurrency <= 0 {
		cfg.Executor.MaxConcurrency = 5
	}
	if cfg.Executor.DefaultTimeout <= 0 {
		cfg.Executor.DefaultTimeout = 30 * time.Second
	}
	if cfg.Executor.DefaultRetries <= 0 {
		cfg.Executor.DefaultRetries = 2
	}
	if cfg.Executor.RetryBackoff <= 0 {
		cfg.Executor.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Executor.MaxRetryBackoff <= 0 {
		cfg.Executor.MaxRetryBackoff = 5 * time.Second
	}
	if cfg.Context.WindowTokens <= 0 {
		cfg.Context.WindowTokens = 128000
	}
	if cfg.Context.MicroThresholdPercent <= 0 {
		cfg.Context.MicroThresholdPercent = 60
	}
	if cfg.Context.FullThresholdPercent <= 0 {
		cfg.Context.FullThresholdPercent = 80
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Providers.Anthropic.DefaultModel == "" {
		cfg.Providers.Anthropic.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.Providers.Azure.APIVersion == "" {
		cfg.Providers.Azure.APIVersion = "2024-02-15-preview"
	}
	if cfg.Providers.Ollama.BaseURL == "" {
		cfg.Providers.Ollama.BaseURL = "http://localhost:11434"
	}
}

// applyEnvOverrides reads the provider API keys spec.md §6 documents
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, ...) when the
// corresponding YAML field was left blank, plus COCODE_HOME for the
// storage root.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("COCODE_HOME")); value != "" {
		cfg.Home = value
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" && cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); value != "" && cfg.Providers.Google.APIKey == "" {
		cfg.Providers.Google.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("AZURE_OPENAI_API_KEY")); value != "" && cfg.Providers.Azure.APIKey == "" {
		cfg.Providers.Azure.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("AZURE_OPENAI_ENDPOINT")); value != "" && cfg.Providers.Azure.Endpoint == "" {
		cfg.Providers.Azure.Endpoint = value
	}
	if value := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); value != "" && cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); value != "" && cfg.Providers.Bedrock.AccessKeyID == "" {
		cfg.Providers.Bedrock.AccessKeyID = value
	}
	if value := strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")); value != "" && cfg.Providers.Bedrock.SecretAccessKey == "" {
		cfg.Providers.Bedrock.SecretAccessKey = value
	}
	if value := strings.TrimSpace(os.Getenv("COCODE_CONTEXT_WINDOW_TOKENS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Context.WindowTokens = parsed
		}
	}
}

// ValidationError aggregates every config issue found, so a caller corrects
// all of them in one edit instead of one failed Load at a time.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	switch cfg.Session.Backend {
	case "json", "sqlite":
	default:
		issues = append(issues, `session.backend must be "json" or "sqlite"`)
	}
	if cfg.Executor.MaxConcurrency < 1 {
		issues = append(issues, "executor.max_concurrency must be >= 1")
	}
	if cfg.Context.WindowTokens < 1 {
		issues = append(issues, "context.window_tokens must be >= 1")
	}
	if cfg.Context.MicroThresholdPercent < 0 || cfg.Context.MicroThresholdPercent > 100 {
		issues = append(issues, "context.micro_threshold_percent must be within 0-100")
	}
	if cfg.Context.FullThresholdPercent < 0 || cfg.Context.FullThresholdPercent > 100 {
		issues = append(issues, "context.full_threshold_percent must be within 0-100")
	}
	if cfg.Context.MicroThresholdPercent > cfg.Context.FullThresholdPercent {
		issues = append(issues, "context.micro_threshold_percent must be <= context.full_threshold_percent")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
