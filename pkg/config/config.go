// Package config loads mcpld.yaml, merges it over built-in defaults and
// exposes typed sub-configs to the wiring in cmd. Environment references
// like ${VAR} are expanded before parsing; durations are strings in the
// file ("30s", "5m") and parsed on access.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mcpl-dev/mcpld/pkg/broker"
	"github.com/mcpl-dev/mcpld/pkg/hooks"
	"github.com/mcpl-dev/mcpld/pkg/pushqueue"
	"github.com/mcpl-dev/mcpld/pkg/scope"
	"github.com/mcpl-dev/mcpld/pkg/webhook"
)

// Config is the complete runtime configuration.
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Auth     AuthConfig         `yaml:"auth"`
	Journal  JournalConfig      `yaml:"journal"`
	Tools    ToolsConfig        `yaml:"tools"`
	Queue    QueueConfig        `yaml:"queue"`
	Hooks    HookConfig         `yaml:"hooks"`
	Broker   BrokerConfig       `yaml:"broker"`
	Scope    ScopeConfig        `yaml:"scope"`
	Routing  RoutingConfig      `yaml:"routing"`
	Webhooks []webhook.Endpoint `yaml:"webhooks"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	UIWriteTimeout  string `yaml:"ui_write_timeout"`
}

// AuthConfig names the JWT secret's environment variable and maps API
// keys to user ids. Keys live in the file only via ${ENV} references.
type AuthConfig struct {
	JWTSecretEnv string            `yaml:"jwt_secret_env"`
	APIKeys      map[string]string `yaml:"api_keys"`
}

// JWTSecret reads the signing secret from the configured variable.
func (a AuthConfig) JWTSecret() []byte {
	if a.JWTSecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(a.JWTSecretEnv))
}

// JournalConfig locates the on-disk logs.
type JournalConfig struct {
	Dir      string `yaml:"dir"`
	UILogDir string `yaml:"ui_log_dir"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration parses the tool timeout.
func (t ToolsConfig) TimeoutDuration() time.Duration {
	return duration(t.Timeout, 30*time.Second, "tools.timeout")
}

// QueueConfig tunes the push-event queue.
type QueueConfig struct {
	MaxPushesPerHour  int    `yaml:"max_pushes_per_hour"`
	IdempotencyWindow string `yaml:"idempotency_window"`
	MaxQueueSize      int    `yaml:"max_queue_size"`
}

// PushQueueConfig converts to the queue's own config type.
func (q QueueConfig) PushQueueConfig() pushqueue.Config {
	return pushqueue.Config{
		MaxPushesPerHour:  q.MaxPushesPerHour,
		IdempotencyWindow: duration(q.IdempotencyWindow, pushqueue.DefaultIdempotencyWindow, "queue.idempotency_window"),
		MaxQueueSize:      q.MaxQueueSize,
	}
}

// HookConfig tunes context-hook fan-out.
type HookConfig struct {
	BeforeInferenceTimeout string `yaml:"before_inference_timeout"`
	RateLimitPerMinute     int    `yaml:"rate_limit_per_minute"`
}

// HooksConfig converts to the hook manager's config type.
func (h HookConfig) HooksConfig() hooks.Config {
	return hooks.Config{
		BeforeInferenceTimeout: duration(h.BeforeInferenceTimeout, hooks.DefaultBeforeInferenceTimeout, "hooks.before_inference_timeout"),
		RateLimitPerMinute:     h.RateLimitPerMinute,
	}
}

// BrokerConfig tunes the inference broker and names the engine endpoint.
type BrokerConfig struct {
	EngineURL            string `yaml:"engine_url"`
	MaxInferencesPerHour int    `yaml:"max_inferences_per_hour"`
}

// InferenceConfig converts to the broker's config type.
func (b BrokerConfig) InferenceConfig() broker.Config {
	return broker.Config{MaxInferencesPerHour: b.MaxInferencesPerHour}
}

// ScopeConfig tunes approval timeouts.
type ScopeConfig struct {
	ChangeTimeout  string `yaml:"change_timeout"`
	ElevateTimeout string `yaml:"elevate_timeout"`
}

// ApprovalConfig converts to the scope subsystem's config type.
func (s ScopeConfig) ApprovalConfig() scope.Config {
	return scope.Config{
		ChangeTimeout:  duration(s.ChangeTimeout, scope.DefaultChangeTimeout, "scope.change_timeout"),
		ElevateTimeout: duration(s.ElevateTimeout, scope.DefaultElevateTimeout, "scope.elevate_timeout"),
	}
}

// RoutingConfig locates the inference-routing file.
type RoutingConfig struct {
	File string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8090",
			ShutdownTimeout: "10s",
			UIWriteTimeout:  "5s",
		},
		Journal: JournalConfig{
			Dir:      "data/journal",
			UILogDir: "data/uilog",
		},
		Broker: BrokerConfig{
			EngineURL: "http://localhost:8091/v1/inference",
		},
		Routing: RoutingConfig{
			File: "inference-routing.json",
		},
	}
}

// Load reads the YAML file at path and merges it over the defaults. A
// missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No config file, using built-in defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var user Config
	if err := yaml.Unmarshal(expandEnv(data), &user); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	seen := make(map[string]bool, len(c.Webhooks))
	for _, ep := range c.Webhooks {
		if ep.Path == "" || ep.Source == "" {
			return fmt.Errorf("webhook endpoints need both source and path")
		}
		if seen[ep.Path] {
			return fmt.Errorf("duplicate webhook path %q", ep.Path)
		}
		seen[ep.Path] = true
		if ep.ConversationID == "" || ep.ParticipantID == "" {
			return fmt.Errorf("webhook %q needs conversation_id and participant_id", ep.Path)
		}
	}
	return nil
}

// ShutdownTimeoutDuration parses the server shutdown grace period.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return duration(s.ShutdownTimeout, 10*time.Second, "server.shutdown_timeout")
}

// UIWriteTimeoutDuration parses the UI fabric write timeout.
func (s ServerConfig) UIWriteTimeoutDuration() time.Duration {
	return duration(s.UIWriteTimeout, 5*time.Second, "server.ui_write_timeout")
}

// expandEnv substitutes ${VAR} references before YAML parsing. Unknown
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), os.Getenv))
}

func duration(s string, fallback time.Duration, field string) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field, "value", s, "default", fallback)
		return fallback
	}
	return d
}
