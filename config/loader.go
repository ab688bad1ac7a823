package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a loader with the env and file secret providers.
func NewLoader() *Loader {
	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})
	reg.Register(&FileProvider{})
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`),
		secrets:    reg,
	}
}

// Secrets exposes the registry so callers can add providers.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve ${env:NAME} / ${file:path} references in string fields
	if err := resolveSecretRefs(cfg, l.secrets, context.Background()); err != nil {
		return nil, err
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		name, def, hasDef := strings.Cut(inner, ":-")
		if value, exists := os.LookupEnv(name); exists {
			return value
		}
		if hasDef {
			return def
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.MainApp != "" {
		if _, ok := cfg.Apps[cfg.Server.MainApp]; !ok {
			return fmt.Errorf("server.main_app %q not declared under apps", cfg.Server.MainApp)
		}
	}

	for name, app := range cfg.Apps {
		if app.Module == "" {
			return fmt.Errorf("apps.%s: module is required", name)
		}
	}
	for name, app := range cfg.SysApps {
		if app.Module == "" {
			return fmt.Errorf("sys_apps.%s: module is required", name)
		}
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	if cfg.Execution.Threads < 0 {
		return fmt.Errorf("execution.threads must be >= 0")
	}
	if cfg.Execution.Processes < 0 {
		return fmt.Errorf("execution.processes must be >= 0")
	}
	if cfg.Execution.QueueDepth < 1 {
		return fmt.Errorf("execution.queue_depth must be >= 1")
	}
	if cfg.Tasks.MaxWorkers < 1 {
		return fmt.Errorf("tasks.max_workers must be >= 1")
	}

	switch cfg.WS.OverflowPolicy {
	case "drop_oldest", "close":
	default:
		return fmt.Errorf("ws.overflow_policy must be drop_oldest or close, got %q", cfg.WS.OverflowPolicy)
	}
	if cfg.WS.PingInterval > 0 && cfg.WS.IdleTimeout > 0 && cfg.WS.PingInterval >= cfg.WS.IdleTimeout {
		return fmt.Errorf("ws.ping_interval must be shorter than ws.idle_timeout")
	}
	if !strings.HasPrefix(cfg.WS.Path, "/") {
		return fmt.Errorf("ws.path must start with /")
	}

	if cfg.Pages.Workers < 1 {
		return fmt.Errorf("pages.workers must be >= 1")
	}
	if cfg.Pages.WorkerIndex < 0 || cfg.Pages.WorkerIndex >= cfg.Pages.Workers {
		return fmt.Errorf("pages.worker_index must be in [0, %d)", cfg.Pages.Workers)
	}

	switch cfg.Bus.Driver {
	case "", "mem":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("bus.driver redis requires redis.addr")
		}
	default:
		return fmt.Errorf("bus.driver must be mem or redis, got %q", cfg.Bus.Driver)
	}

	switch cfg.Session.Store {
	case "", "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("session.store redis requires redis.addr")
		}
	default:
		return fmt.Errorf("session.store must be memory or redis, got %q", cfg.Session.Store)
	}

	switch cfg.Auth.JWT.Algorithm {
	case "", "HS256", "HS384", "HS512":
	case "RS256", "RS384", "RS512":
		if cfg.Auth.JWT.PublicKeyFile == "" {
			return fmt.Errorf("auth.jwt: RS algorithms require public_key_file")
		}
	default:
		return fmt.Errorf("auth.jwt.algorithm %q is not supported", cfg.Auth.JWT.Algorithm)
	}

	if cfg.Limits.MaxBodyBytes < 0 {
		return fmt.Errorf("limits.max_body_bytes must be >= 0")
	}
	for scope, rule := range cfg.Limits.RateLimit {
		switch scope {
		case "global", "ip", "route":
		default:
			return fmt.Errorf("limits.rate_limit: unknown scope %q (must be global, ip, or route)", scope)
		}
		if rule.RPS <= 0 {
			return fmt.Errorf("limits.rate_limit.%s: rps must be > 0", scope)
		}
		if rule.Burst < 0 {
			return fmt.Errorf("limits.rate_limit.%s: burst must be >= 0", scope)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}
