package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Logging    LoggingConfig               `yaml:"logging"`
	Apps       map[string]AppConfig        `yaml:"apps"`
	SysApps    map[string]AppConfig        `yaml:"sys_apps"`
	Middleware map[string]MiddlewareConfig `yaml:"middleware"`
	Plugins    map[string]Params           `yaml:"plugins"`
	OpenAPI    OpenAPIConfig               `yaml:"openapi"`
	Execution  ExecutionConfig             `yaml:"execution"`
	Tasks      TasksConfig                 `yaml:"tasks"`
	WS         WSConfig                    `yaml:"ws"`
	Pages      PagesConfig                 `yaml:"pages"`
	Bus        BusConfig                   `yaml:"bus"`
	Session    SessionConfig               `yaml:"session"`
	Redis      RedisConfig                 `yaml:"redis"`
	Auth       AuthConfig                  `yaml:"auth"`
	Limits     LimitsConfig                `yaml:"limits"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Resources  ResourcesConfig             `yaml:"resources"`
}

// ServerConfig controls the listener and top-level behavior.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Reload          bool          `yaml:"reload"`
	MainApp         string        `yaml:"main_app"`
	Debug           bool          `yaml:"debug"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Params is a free-form parameter map for plugins and middlewares.
type Params map[string]any

// AppConfig declares one mounted application: the registered module
// name plus arbitrary constructor kwargs.
type AppConfig struct {
	Module string
	Kwargs map[string]any
}

// UnmarshalYAML splits the module key from the remaining kwargs.
func (a *AppConfig) UnmarshalYAML(b []byte) error {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}
	if mod, ok := m["module"].(string); ok {
		a.Module = mod
	}
	delete(m, "module")
	a.Kwargs = m
	return nil
}

// MarshalYAML restores the flattened form.
func (a AppConfig) MarshalYAML() ([]byte, error) {
	m := make(map[string]any, len(a.Kwargs)+1)
	for k, v := range a.Kwargs {
		m[k] = v
	}
	if a.Module != "" {
		m["module"] = a.Module
	}
	return yaml.Marshal(m)
}

// MiddlewareConfig is either a bare on/off switch or a parameter map.
// A nil Enabled defers to the middleware's default.
type MiddlewareConfig struct {
	Enabled *bool
	Params  map[string]any
}

// UnmarshalYAML accepts true/false, "on"/"off", or a params map.
func (m *MiddlewareConfig) UnmarshalYAML(b []byte) error {
	var flag bool
	if err := yaml.Unmarshal(b, &flag); err == nil {
		m.Enabled = &flag
		return nil
	}
	var s string
	if err := yaml.Unmarshal(b, &s); err == nil {
		switch s {
		case "on":
			t := true
			m.Enabled = &t
		case "off":
			f := false
			m.Enabled = &f
		default:
			return fmt.Errorf("middleware value must be on, off, or a params map, got %q", s)
		}
		return nil
	}
	var params map[string]any
	if err := yaml.Unmarshal(b, &params); err != nil {
		return err
	}
	if en, ok := params["enabled"].(bool); ok {
		m.Enabled = &en
		delete(params, "enabled")
	} else {
		t := true
		m.Enabled = &t
	}
	m.Params = params
	return nil
}

// On reports the effective switch given the middleware's default.
func (m MiddlewareConfig) On(defaultEnabled bool) bool {
	if m.Enabled == nil {
		return defaultEnabled
	}
	return *m.Enabled
}

// OpenAPIConfig feeds the generated document served at _server/_openapi.
type OpenAPIConfig struct {
	Title       string        `yaml:"title"`
	Version     string        `yaml:"version"`
	Description string        `yaml:"description"`
	Contact     ContactConfig `yaml:"contact"`
	License     LicenseConfig `yaml:"license"`
	Servers     []string      `yaml:"servers"`
}

// ContactConfig is the OpenAPI contact block.
type ContactConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	URL   string `yaml:"url"`
}

// LicenseConfig is the OpenAPI license block.
type LicenseConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// ExecutionConfig sizes the blocking and CPU pools.
type ExecutionConfig struct {
	Threads     int           `yaml:"threads"`
	Processes   int           `yaml:"processes"`
	QueueDepth  int           `yaml:"queue_depth"`
	BlockOnFull bool          `yaml:"block_on_full"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// TasksConfig sizes the background task manager.
type TasksConfig struct {
	MaxWorkers   int `yaml:"max_workers"`
	QueueDepth   int `yaml:"queue_depth"`
	KeepFinished int `yaml:"keep_finished"`
}

// WSConfig controls WebSocket sessions and the push protocol.
type WSConfig struct {
	Path           string        `yaml:"path"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	SendQueueDepth int           `yaml:"send_queue_depth"`
	OverflowPolicy string        `yaml:"overflow_policy"`
	ReadLimit      int64         `yaml:"read_limit"`
}

// PagesConfig controls the page registry and sticky routing.
type PagesConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Workers       int           `yaml:"workers"`
	WorkerIndex   int           `yaml:"worker_index"`
}

// BusConfig selects the fan-out bus driver.
type BusConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// SessionConfig selects the optional session store.
type SessionConfig struct {
	Store      string        `yaml:"store"`
	TTL        time.Duration `yaml:"ttl"`
	CookieName string        `yaml:"cookie_name"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" redact:"true"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures request authentication and token minting.
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds signing material for the auth middleware and the
// token mint endpoint.
type JWTConfig struct {
	Secret         string        `yaml:"secret" redact:"true"`
	Algorithm      string        `yaml:"algorithm"`
	PublicKeyFile  string        `yaml:"public_key_file"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	Issuer         string        `yaml:"issuer"`
	TTL            time.Duration `yaml:"ttl"`
	TagsClaim      string        `yaml:"tags_claim"`
}

// LimitsConfig bounds request intake.
type LimitsConfig struct {
	MaxBodyBytes        int64                    `yaml:"max_body_bytes"`
	MaxConnectionsPerIP int                      `yaml:"max_connections_per_ip"`
	BodyReadTimeout     time.Duration            `yaml:"body_read_timeout"`
	RequestTimeout      time.Duration            `yaml:"request_timeout"`
	RateLimit           map[string]RateLimitRule `yaml:"rate_limit"`
}

// RateLimitRule is a token-bucket rate for one scope (global, ip, route).
type RateLimitRule struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ResourcesConfig controls _server/_resource streaming.
type ResourcesConfig struct {
	Dir   string   `yaml:"dir"`
	Allow []string `yaml:"allow"`
}

// DefaultConfig returns the configuration baseline that YAML overlays.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Execution: ExecutionConfig{
			Threads:     runtime.GOMAXPROCS(0) * 4,
			Processes:   runtime.NumCPU(),
			QueueDepth:  256,
			BlockOnFull: true,
		},
		Tasks: TasksConfig{
			MaxWorkers:   4,
			QueueDepth:   64,
			KeepFinished: 256,
		},
		WS: WSConfig{
			Path:           "/_ws",
			IdleTimeout:    60 * time.Second,
			PingInterval:   20 * time.Second,
			SendQueueDepth: 32,
			OverflowPolicy: "drop_oldest",
			ReadLimit:      1 << 20,
		},
		Pages: PagesConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
			Workers:       1,
			WorkerIndex:   0,
		},
		Bus: BusConfig{
			Driver: "mem",
		},
		Session: SessionConfig{
			Store:      "memory",
			TTL:        24 * time.Hour,
			CookieName: "gantry_session",
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Algorithm: "HS256",
				TTL:       time.Hour,
				TagsClaim: "tags",
			},
		},
		Limits: LimitsConfig{
			MaxBodyBytes:    10 << 20,
			BodyReadTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
