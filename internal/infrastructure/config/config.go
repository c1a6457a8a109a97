package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full proxy configuration. Values come from a YAML/JSON file
// and/or MODELGATE_-prefixed environment variables (uppercase, dots become
// underscores); env overrides file.
type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	DefaultBackend string `mapstructure:"default_backend"`
	CommandPrefix  string `mapstructure:"command_prefix"`

	ProxyTimeoutSeconds int `mapstructure:"proxy_timeout_seconds"`

	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	LoopDetection LoopDetectionConfig `mapstructure:"loop_detection"`
	ToolCallLoop  ToolCallLoopConfig  `mapstructure:"tool_call_loop"`
	JSONRepair    JSONRepairConfig    `mapstructure:"json_repair"`

	Backends       map[string]BackendConfig       `mapstructure:"backends"`
	FailoverRoutes map[string]FailoverRouteConfig `mapstructure:"failover_routes"`

	Session SessionConfig `mapstructure:"session"`
	Capture CaptureConfig `mapstructure:"capture"`
}

// TimeoutConfig groups the per-scope timeouts of spec-level dispatch.
type TimeoutConfig struct {
	ConnectSeconds    int `mapstructure:"connect_seconds"`
	RequestSeconds    int `mapstructure:"request_seconds"`
	IdleStreamSeconds int `mapstructure:"idle_stream_seconds"`
}

// AuthConfig controls client-facing authentication. ClientAPIKeys are the
// keys clients present; they are distinct from upstream backend keys.
// Disabled turns client auth off entirely (dev only).
type AuthConfig struct {
	Disabled      bool     `mapstructure:"disabled"`
	ClientAPIKeys []string `mapstructure:"client_api_keys"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// RateLimitConfig configures the token-bucket limiter.
type RateLimitConfig struct {
	Limit         int    `mapstructure:"limit"`
	WindowSeconds int    `mapstructure:"window_seconds"`
	Scope         string `mapstructure:"scope"` // backend_key | client_key
}

// LoopDetectionConfig is the boot-time default for content loop detection;
// sessions may override it via inline commands.
type LoopDetectionConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MinPatternLength int  `mapstructure:"min_pattern_length"`
	MaxPatternLength int  `mapstructure:"max_pattern_length"`
	MinRepetitions   int  `mapstructure:"min_repetitions"`
}

// ToolCallLoopConfig is the boot-time default for tool-call loop detection.
type ToolCallLoopConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	MaxRepeats          int     `mapstructure:"max_repeats"`
	TTLSeconds          int     `mapstructure:"ttl_seconds"`
	Mode                string  `mapstructure:"mode"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// JSONRepairConfig gates the JSON repair / schema coercion middleware.
type JSONRepairConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	StrictMode      bool              `mapstructure:"strict_mode"`
	BufferCapBytes  int               `mapstructure:"buffer_cap_bytes"`
	CoercionEnabled bool              `mapstructure:"coercion_enabled"`
	Schemas         map[string]string `mapstructure:"schemas"` // tool/route name → schema JSON or @file path
}

// KeyConfig is one upstream credential slot. Order in the keys list defines
// primary/secondary priority.
type KeyConfig struct {
	Name   string `mapstructure:"name"`
	Secret string `mapstructure:"secret"`
}

// BackendConfig describes one upstream provider.
type BackendConfig struct {
	Type              string            `mapstructure:"type"` // openai | anthropic | gemini | openrouter | zhipu | qwen
	APIURL            string            `mapstructure:"api_url"`
	APIKeys           []KeyConfig       `mapstructure:"api_keys"`
	Models            []string          `mapstructure:"models"`
	ProjectID         string            `mapstructure:"project_id"`       // gemini code-assist
	OAuthCredsPath    string            `mapstructure:"oauth_creds_path"` // file-backed OAuth credential
	OAuthTokenURL     string            `mapstructure:"oauth_token_url"`
	OAuthClientID     string            `mapstructure:"oauth_client_id"`
	OAuthClientSecret string            `mapstructure:"oauth_client_secret"`
	CredsPath         string            `mapstructure:"creds_path"` // file-backed API key credential
	ExtraHeaders      map[string]string `mapstructure:"extra_headers"`
}

// FailoverRouteConfig declares a boot-time failover route.
type FailoverRouteConfig struct {
	Policy   string   `mapstructure:"policy"`
	Elements []string `mapstructure:"elements"` // "backend:model" strings
}

// SessionConfig controls the in-memory session store.
type SessionConfig struct {
	TTLSeconds   int    `mapstructure:"ttl_seconds"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// CaptureConfig controls the wire-capture JSONL log.
type CaptureConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ProxyTimeout returns the overall dispatch timeout.
func (c *Config) ProxyTimeout() time.Duration {
	if c.ProxyTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ProxyTimeoutSeconds) * time.Second
}

// Load reads configuration from an optional file plus the environment.
// path of "" searches ./config.{yaml,json} and ~/.modelgate/config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		home, _ := os.UserHomeDir()
		if home != "" {
			v.AddConfigPath(home + "/.modelgate")
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Env overrides file: MODELGATE_RATE_LIMIT_LIMIT etc.
	v.SetEnvPrefix("MODELGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, b := range c.Backends {
		if b.Type == "" {
			return fmt.Errorf("backend %q: type is required", name)
		}
		if len(b.APIKeys) == 0 && b.OAuthCredsPath == "" && b.CredsPath == "" {
			return fmt.Errorf("backend %q: needs api_keys or a creds path", name)
		}
	}
	for name, r := range c.FailoverRoutes {
		switch r.Policy {
		case "k", "m", "km", "mk":
		default:
			return fmt.Errorf("failover route %q: unknown policy %q", name, r.Policy)
		}
		if len(r.Elements) == 0 {
			return fmt.Errorf("failover route %q: needs at least one element", name)
		}
	}
	switch c.RateLimit.Scope {
	case "", "backend_key", "client_key":
	default:
		return fmt.Errorf("rate_limit.scope must be backend_key or client_key, got %q", c.RateLimit.Scope)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8089)
	v.SetDefault("command_prefix", "!/")
	v.SetDefault("proxy_timeout_seconds", 300)

	v.SetDefault("timeouts.connect_seconds", 30)
	v.SetDefault("timeouts.request_seconds", 300)
	v.SetDefault("timeouts.idle_stream_seconds", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.scope", "backend_key")

	v.SetDefault("loop_detection.enabled", true)
	v.SetDefault("loop_detection.min_pattern_length", 3)
	v.SetDefault("loop_detection.max_pattern_length", 64)
	v.SetDefault("loop_detection.min_repetitions", 4)

	v.SetDefault("tool_call_loop.enabled", true)
	v.SetDefault("tool_call_loop.max_repeats", 3)
	v.SetDefault("tool_call_loop.ttl_seconds", 120)
	v.SetDefault("tool_call_loop.mode", "block")
	v.SetDefault("tool_call_loop.similarity_threshold", 0.9)

	v.SetDefault("json_repair.enabled", false)
	v.SetDefault("json_repair.strict_mode", false)
	v.SetDefault("json_repair.buffer_cap_bytes", 1<<20)
	v.SetDefault("json_repair.coercion_enabled", true)

	v.SetDefault("session.ttl_seconds", 3600)

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.path", "wire_capture.jsonl")
}
