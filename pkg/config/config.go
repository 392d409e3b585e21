package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	RoleClient = "client"
	RoleHost   = "host"

	ModeHost = "host"
	ModeFull = "full"
)

// Unbounded is the retry limit that never runs out. It is distinct from 0,
// which allows no retries at all.
const Unbounded RetryLimit = -1

// RetryLimit is a maximum number of reconnect attempts. YAML accepts an
// integer or one of "unbounded", "infinity", "inf".
type RetryLimit int

// Allows reports whether an attempt numbered n (1-based) is within the limit.
func (r RetryLimit) Allows(n int) bool {
	return r == Unbounded || n <= int(r)
}

func (r RetryLimit) String() string {
	if r == Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(int(r))
}

func (r *RetryLimit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseRetryLimit(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRetryLimit parses an integer or an unbounded keyword.
func ParseRetryLimit(raw string) (RetryLimit, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unbounded", "infinity", "inf", "-1":
		return Unbounded, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid retry limit %q", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("retry limit must be >= 0 or unbounded, got %d", n)
	}
	return RetryLimit(n), nil
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ConnectionConfig carries transport-specific settings.
type ConnectionConfig struct {
	SignalURL         string        `yaml:"signal_url"`
	TokenSecret       string        `yaml:"token_secret"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	DialAttempts      int           `yaml:"dial_attempts"`
	SignalKeepalive   time.Duration `yaml:"signal_keepalive"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	ICEServers        []ICEServer   `yaml:"ice_servers"`
	PortRange         struct {
		Min uint16 `yaml:"min"`
		Max uint16 `yaml:"max"`
	} `yaml:"port_range"`
}

// MeshConfig holds the options of one mesh session.
type MeshConfig struct {
	Role                string           `yaml:"role"`
	Retry               RetryLimit       `yaml:"retry"`
	RetryInterval       time.Duration    `yaml:"retry_interval"`
	MaxMeshPeers        int              `yaml:"max_mesh_peers"`
	Mode                string           `yaml:"mesh_mode"`
	AutoCallPeer        int              `yaml:"auto_call_peer"`
	HealthCheckInterval time.Duration    `yaml:"do_health_check_interval"`
	InsertDummyTrack    bool             `yaml:"insert_dummy_track"`
	Codec               string           `yaml:"codec"`
	RelayPerSecond      float64          `yaml:"relay_per_second"`
	Connection          ConnectionConfig `yaml:"connection"`
}

// Validate checks mesh options.
func (m *MeshConfig) Validate() error {
	if m.Role != RoleClient && m.Role != RoleHost {
		return fmt.Errorf("mesh.role must be %q or %q", RoleClient, RoleHost)
	}
	if m.Mode != ModeHost && m.Mode != ModeFull {
		return fmt.Errorf("mesh.mesh_mode must be %q or %q", ModeHost, ModeFull)
	}
	if m.Retry < Unbounded {
		return fmt.Errorf("mesh.retry must be >= 0 or unbounded")
	}
	if m.RetryInterval <= 0 {
		return fmt.Errorf("mesh.retry_interval must be > 0")
	}
	if m.MaxMeshPeers < 0 {
		return fmt.Errorf("mesh.max_mesh_peers must be >= 0")
	}
	if m.AutoCallPeer < 0 {
		return fmt.Errorf("mesh.auto_call_peer must be >= 0")
	}
	if m.HealthCheckInterval <= 0 {
		return fmt.Errorf("mesh.do_health_check_interval must be > 0")
	}
	if m.RelayPerSecond < 0 {
		return fmt.Errorf("mesh.relay_per_second must be >= 0")
	}

	c := m.Connection
	if c.PortRange.Min > 0 || c.PortRange.Max > 0 {
		if c.PortRange.Min == 0 || c.PortRange.Max == 0 {
			return fmt.Errorf("mesh.connection.port_range.min and max must both be set when one is set")
		}
		if c.PortRange.Min >= c.PortRange.Max {
			return fmt.Errorf("mesh.connection.port_range.min must be < max")
		}
	}
	if c.TokenSecret != "" && c.TokenTTL <= 0 {
		return fmt.Errorf("mesh.connection.token_ttl must be > 0 when token_secret is set")
	}
	if c.DialAttempts < 0 {
		return fmt.Errorf("mesh.connection.dial_attempts must be >= 0")
	}
	if c.MessagesPerSecond < 0 || c.Burst < 0 {
		return fmt.Errorf("mesh.connection rate limits must be >= 0")
	}
	return nil
}

// DefaultMeshConfig returns mesh defaults.
func DefaultMeshConfig() MeshConfig {
	m := MeshConfig{
		Role:                RoleClient,
		Retry:               3,
		RetryInterval:       5 * time.Second,
		MaxMeshPeers:        10,
		Mode:                ModeHost,
		AutoCallPeer:        3,
		HealthCheckInterval: 2 * time.Second,
		Codec:               "json",
		RelayPerSecond:      50,
	}
	m.Connection.SignalURL = "ws://localhost:9000/rendezvous"
	m.Connection.TokenTTL = 5 * time.Minute
	m.Connection.DialAttempts = 3
	m.Connection.SignalKeepalive = 5 * time.Second
	m.Connection.MessagesPerSecond = 50
	m.Connection.Burst = 100
	m.Connection.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	return m
}

type Config struct {
	Node struct {
		Room          string `yaml:"room"`
		StatusAddress string `yaml:"status_address"`
	} `yaml:"node"`

	Mesh MeshConfig `yaml:"mesh"`

	Rendezvous struct {
		Address           string        `yaml:"address"`
		Path              string        `yaml:"path"`
		TokenSecret       string        `yaml:"token_secret"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"rendezvous"`

	Status struct {
		// TokenSecret protects the /api routes with bearer tokens when set.
		TokenSecret string `yaml:"token_secret"`
	} `yaml:"status"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		RoomTTL  time.Duration `yaml:"room_ttl"`
	} `yaml:"redis"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Node.Room == "" {
		return fmt.Errorf("node.room must not be empty")
	}

	if err := c.Mesh.Validate(); err != nil {
		return err
	}

	if c.Rendezvous.PingInterval <= 0 || c.Rendezvous.ReadTimeout <= c.Rendezvous.PingInterval {
		return fmt.Errorf("rendezvous.read_timeout must exceed rendezvous.ping_interval > 0")
	}
	if c.Rendezvous.MessagesPerSecond < 0 || c.Rendezvous.Burst < 0 {
		return fmt.Errorf("rendezvous rate limits must be >= 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requests_per_second and burst must be > 0 when enabled")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.RoomTTL < 0 {
			return fmt.Errorf("redis.room_ttl must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.Room = "peermesh-lobby"
	cfg.Node.StatusAddress = ":8090"

	cfg.Mesh = DefaultMeshConfig()

	cfg.Rendezvous.Address = ":9000"
	cfg.Rendezvous.Path = "/rendezvous"
	cfg.Rendezvous.PingInterval = 30 * time.Second
	cfg.Rendezvous.ReadTimeout = 60 * time.Second
	cfg.Rendezvous.MessagesPerSecond = 100
	cfg.Rendezvous.Burst = 200

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 64

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.RoomTTL = 24 * time.Hour

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if room := os.Getenv("PEERMESH_ROOM"); room != "" {
		c.Node.Room = room
	}
	if role := os.Getenv("PEERMESH_ROLE"); role != "" {
		c.Mesh.Role = role
	}
	if mode := os.Getenv("PEERMESH_MESH_MODE"); mode != "" {
		c.Mesh.Mode = mode
	}
	if url := os.Getenv("PEERMESH_SIGNAL_URL"); url != "" {
		c.Mesh.Connection.SignalURL = url
	}
	if secret := os.Getenv("PEERMESH_TOKEN_SECRET"); secret != "" {
		c.Mesh.Connection.TokenSecret = secret
		c.Rendezvous.TokenSecret = secret
	}
	if secret := os.Getenv("PEERMESH_STATUS_TOKEN_SECRET"); secret != "" {
		c.Status.TokenSecret = secret
	}
	if level := os.Getenv("PEERMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if retry := os.Getenv("PEERMESH_RETRY"); retry != "" {
		limit, err := ParseRetryLimit(retry)
		if err != nil {
			return fmt.Errorf("PEERMESH_RETRY: %w", err)
		}
		c.Mesh.Retry = limit
	}
	return nil
}
