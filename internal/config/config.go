// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Agora      AgoraConfig
	Agent      AgentConfig
	Session    SessionConfig
	Transcript TranscriptConfig

	DBPath    string `env:"DB_PATH,default=./data/convo.db"`
	RedisAddr string `env:"REDIS_ADDR"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	Port           string `env:"PORT,default=3013"`
	Env            string `env:"APP_ENV,default=development"`
	TLSCertFile    string `env:"TLS_CERT_FILE"`
	TLSKeyFile     string `env:"TLS_KEY_FILE"`
	AllowedOrigins string `env:"CORS_ORIGINS,default=*"`
	GRPCHealthPort string `env:"GRPC_HEALTH_PORT"`
}

// AuthConfig controls user authentication.
type AuthConfig struct {
	JWTSecret      string        `env:"JWT_SECRET"`
	MasterPassword string        `env:"MASTER_PASSWORD"`
	TokenTTL       time.Duration `env:"JWT_TTL,default=24h"`
}

// AgoraConfig holds the realtime platform credentials.
type AgoraConfig struct {
	AppID          string        `env:"AGORA_APP_ID"`
	AppCertificate string        `env:"AGORA_APP_CERTIFICATE"`
	CustomerID     string        `env:"AGORA_CUSTOMER_ID"`
	CustomerSecret string        `env:"AGORA_CUSTOMER_SECRET"`
	BaseURL        string        `env:"AGORA_BASE_URL,default=https://api.agora.io/api/conversational-ai-agent/v2/projects"`
	TokenValidity  time.Duration `env:"AGORA_TOKEN_VALIDITY,default=24h"`
}

// AgentConfig shapes every provisioned agent.
type AgentConfig struct {
	LLMURL         string        `env:"LLM_URL"`
	LLMModel       string        `env:"LLM_MODEL,default=gpt-4o-mini"`
	LLMGRPCAddr    string        `env:"LLM_GRPC_ADDR"`
	GraphID        string        `env:"AGENT_GRAPH_ID"`
	FailureMessage string        `env:"AGENT_FAILURE_MESSAGE"`
	IdleTimeout    int           `env:"AGENT_IDLE_TIMEOUT,default=120"`
	MaxHistory     int           `env:"AGENT_MAX_HISTORY,default=10"`
	VADSilenceMs   int           `env:"AGENT_VAD_SILENCE_MS,default=480"`
	TTSModel       string        `env:"AGENT_TTS_MODEL,default=eleven_turbo_v2_5"`
	HTTPTimeout    time.Duration `env:"AGENT_HTTP_TIMEOUT,default=20s"`
}

// SessionConfig controls session lifecycle timing.
type SessionConfig struct {
	LivenessTimeout  time.Duration `env:"SESSION_LIVENESS_TIMEOUT,default=15s"`
	SweepInterval    time.Duration `env:"SESSION_SWEEP_INTERVAL,default=5s"`
	ProvisionTimeout time.Duration `env:"SESSION_PROVISION_TIMEOUT,default=30s"`
	TerminateTimeout time.Duration `env:"SESSION_TERMINATE_TIMEOUT,default=10s"`
	HistoryLimit     int           `env:"SESSION_HISTORY_LIMIT,default=50"`
}

// TranscriptConfig controls NDJSON session transcripts.
type TranscriptConfig struct {
	Enabled   bool   `env:"TRANSCRIPT_ENABLED,default=false"`
	Dir       string `env:"TRANSCRIPT_DIR,default=./data/transcripts"`
	QueueSize int    `env:"TRANSCRIPT_QUEUE_SIZE,default=1000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.Session.LivenessTimeout <= 0 {
		return fmt.Errorf("SESSION_LIVENESS_TIMEOUT must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.Session.ProvisionTimeout <= 0 || c.Session.TerminateTimeout <= 0 {
		return fmt.Errorf("SESSION_PROVISION_TIMEOUT and SESSION_TERMINATE_TIMEOUT must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	if c.Agora.AppID == "" || c.Agora.AppCertificate == "" {
		slog.Warn("Agora credentials missing; token issuance will fail")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// TLSEnabled reports whether the HTTP server should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCertFile != "" && c.Server.TLSKeyFile != ""
}

// Origins returns the comma separated CORS origins as a list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
