package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sepflow/internal/domain"
	"sepflow/internal/engine/auth"
	"sepflow/internal/engine/lifecycle"
)

const fileName = "sepflow.yml"

// Config models sepflow.yml.
type Config struct {
	Identities []auth.Identity `yaml:"identities"`

	// APIKeys maps the sha256 hex of a key to an identity id.
	APIKeys map[string]string `yaml:"api_keys,omitempty"`

	Store    StoreConfig     `yaml:"store"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`

	// Policy is an optional transition table file, relative to the workspace.
	Policy string `yaml:"policy,omitempty"`

	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis,omitempty"`

	// BusyTimeoutMS applies to the sqlite backend.
	BusyTimeoutMS int `yaml:"busy_timeout_ms,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type ServerConfig struct {
	Addr             string          `yaml:"addr,omitempty"`
	BasePath         string          `yaml:"base_path,omitempty"`
	JWTSecret        string          `yaml:"jwt_secret,omitempty"`
	AllowActorHeader bool            `yaml:"allow_actor_header,omitempty"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`

	// DevLogin enables the unauthenticated token mint. Never enable in production.
	DevLogin bool `yaml:"dev_login,omitempty"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int      `yaml:"max_retries,omitempty"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sep init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Identities) == 0 {
		return fmt.Errorf("config.identities is required")
	}
	if _, err := auth.NewRegistry(c.Identities); err != nil {
		return fmt.Errorf("config.identities: %w", err)
	}
	known := map[string]bool{}
	for _, id := range c.Identities {
		known[id.ID] = true
		if id.Role == domain.RoleSub && id.EmployeeID == "" {
			return fmt.Errorf("identity %s has role Sub but no employee_id", id.ID)
		}
	}
	for hash, actor := range c.APIKeys {
		if len(hash) != sha256.Size*2 {
			return fmt.Errorf("config.api_keys: %q is not a sha256 hex digest", hash)
		}
		if !known[actor] {
			return fmt.Errorf("config.api_keys references unknown identity %s", actor)
		}
	}
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return fmt.Errorf("config.store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.store.backend must be sqlite, redis or memory, got %q", c.Store.Backend)
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Table loads the transition table: the policy override when set, else the embedded default.
func (c *Config) Table(workspace string) (*lifecycle.Table, error) {
	if c.Policy == "" {
		return lifecycle.Default(), nil
	}
	path := c.Policy
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	t, err := lifecycle.Load(path)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return t, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// HashAPIKey returns the hex sha256 used as the api_keys map key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Default returns the demo configuration written by sep init.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# Identities and their role codes. Role classes are data: edit freely.
identities:
  - {id: alice, role: CS}
  - {id: sam, role: SCS}
  - {id: amy, role: AM}
  - {id: fred, role: FM}
  - {id: hana, role: HR}
  - {id: paul, role: PM}
  - {id: sara, role: SM}
  - {id: sub1, role: Sub, employee_id: emp-sub1}

store:
  backend: sqlite
  # backend: redis
  # redis:
  #   addr: 127.0.0.1:6379
  #   prefix: "sepflow:"

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_actor_header: true
  rate_limit:
    rps: 20
    burst: 40

log:
  level: info

tracing:
  enabled: false
`
