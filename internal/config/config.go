// Package config provides configuration for the gateway, the development
// backend and the terminal client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Reasoning backend
	UpstreamURL           string
	UpstreamSigningSecret string
	UpstreamPort          string
	UpstreamPhaseDelay    time.Duration

	// Conversation handling
	PersistTimeout time.Duration
	ActionDelay    time.Duration
	ExpectedPhases []string

	// Session store
	StoreDriver string
	SQLiteDSN   string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("port", "8080")
	v.SetDefault("server_read_timeout", 30*time.Second)
	v.SetDefault("server_write_timeout", 0)
	v.SetDefault("allowed_origins", "")

	// Reasoning backend
	v.SetDefault("upstream_url", "http://localhost:8090")
	v.SetDefault("upstream_signing_secret", "")
	v.SetDefault("upstream_port", "8090")
	v.SetDefault("upstream_phase_delay", 300*time.Millisecond)

	// Conversation handling
	v.SetDefault("persist_timeout", 10*time.Second)
	v.SetDefault("action_delay", 500*time.Millisecond)
	v.SetDefault("expected_phases", "")

	// Session store
	v.SetDefault("store_driver", StoreMemory)
	v.SetDefault("sqlite_dsn", "file:querystream.db")

	// NATS
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("nats_ca_file", "")
	v.SetDefault("nats_cert_file", "")
	v.SetDefault("nats_key_file", "")
	v.SetDefault("nats_token", "")

	// JWT
	v.SetDefault("jwt_secret", "development-secret-change-in-production")
	v.SetDefault("jwt_expiration", 15*time.Minute)

	// LLM
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("default_llm", "anthropic")
	v.SetDefault("llm_model", "")

	// Rate limiting
	v.SetDefault("rate_limit_requests", 60)
	v.SetDefault("rate_limit_window", time.Minute)

	// Logging
	v.SetDefault("log_level", "info")

	// Tracing
	v.SetDefault("tracing_endpoint", "localhost:4318")
	v.SetDefault("tracing_enabled", false)
}

// Load reads configuration from environment variables and, when file is
// not empty, from a config file. Environment variables win.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		// Server
		ServerPort:         v.GetString("port"),
		ServerReadTimeout:  v.GetDuration("server_read_timeout"),
		ServerWriteTimeout: v.GetDuration("server_write_timeout"),
		AllowedOrigins:     splitList(v.GetString("allowed_origins")),

		// Reasoning backend
		UpstreamURL:           v.GetString("upstream_url"),
		UpstreamSigningSecret: v.GetString("upstream_signing_secret"),
		UpstreamPort:          v.GetString("upstream_port"),
		UpstreamPhaseDelay:    v.GetDuration("upstream_phase_delay"),

		// Conversation handling
		PersistTimeout: v.GetDuration("persist_timeout"),
		ActionDelay:    v.GetDuration("action_delay"),
		ExpectedPhases: splitList(v.GetString("expected_phases")),

		// Session store
		StoreDriver: strings.ToLower(v.GetString("store_driver")),
		SQLiteDSN:   v.GetString("sqlite_dsn"),

		// NATS
		NATSURL:      v.GetString("nats_url"),
		NATSCAFile:   v.GetString("nats_ca_file"),
		NATSCertFile: v.GetString("nats_cert_file"),
		NATSKeyFile:  v.GetString("nats_key_file"),
		NATSToken:    v.GetString("nats_token"),

		// JWT
		JWTSecret:     v.GetString("jwt_secret"),
		JWTExpiration: v.GetDuration("jwt_expiration"),

		// LLM
		AnthropicAPIKey: v.GetString("anthropic_api_key"),
		OpenAIAPIKey:    v.GetString("openai_api_key"),
		DefaultLLM:      v.GetString("default_llm"),
		LLMModel:        v.GetString("llm_model"),

		// Rate limiting
		RateLimitRequests: v.GetInt("rate_limit_requests"),
		RateLimitWindow:   v.GetDuration("rate_limit_window"),

		// Logging
		LogLevel: v.GetString("log_level"),

		// Tracing
		TracingEndpoint: v.GetString("tracing_endpoint"),
		TracingEnabled:  v.GetBool("tracing_enabled"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StoreNATS:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream URL is required")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// splitList parses a comma-separated setting.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
