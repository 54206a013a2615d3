package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"callmesh/pkg/validation"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v2"
)

const envPrefix = "CALLMESH_"

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type StaticUser struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendBuffer      int           `yaml:"send_buffer"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Transport struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"transport"`

	Store struct {
		Backend  string        `yaml:"backend"` // memory, redis or postgres
		LockTTL  time.Duration `yaml:"lock_ttl"`
		EndedTTL time.Duration `yaml:"ended_ttl"`
	} `yaml:"store"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Postgres struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		ConnectAttempts int           `yaml:"connect_attempts"`
	} `yaml:"postgres"`

	Presence struct {
		Mode       string `yaml:"mode"` // local or redis
		InstanceID string `yaml:"instance_id"`
	} `yaml:"presence"`

	Directory struct {
		Mode     string              `yaml:"mode"` // static or http
		BaseURL  string              `yaml:"base_url"`
		APIKey   string              `yaml:"api_key"`
		Timeout  time.Duration       `yaml:"timeout"`
		CacheTTL time.Duration       `yaml:"cache_ttl"`
		Users    []StaticUser        `yaml:"users"`
		Rooms    map[string][]string `yaml:"rooms"`
		Breaker  BreakerConfig       `yaml:"breaker"`
	} `yaml:"directory"`

	Admission struct {
		MaxParticipants int           `yaml:"max_participants"`
		RefetchAttempts int           `yaml:"refetch_attempts"`
		RefetchDelay    time.Duration `yaml:"refetch_delay"`
	} `yaml:"admission"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
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

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		Issuer         string        `yaml:"issuer"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`

		// DevTokenEndpoint mounts POST /api/v1/auth/token for local testing.
		DevTokenEndpoint bool `yaml:"dev_token_endpoint"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// ICEServers converts the configured servers to the wire type carried in
// transport info.
func (c *Config) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.Transport.ICEServers))
	for _, s := range c.Transport.ICEServers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.read_timeout and server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	for i, s := range c.Transport.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("transport.ice_servers[%d] has no urls", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("transport.ice_servers[%d]: %w", i, err)
			}
		}
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.backend=redis")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must not be empty when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory, redis or postgres, got %q", c.Store.Backend)
	}
	if c.Store.LockTTL <= 0 {
		return fmt.Errorf("store.lock_ttl must be > 0")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be > 0")
	}

	switch c.Presence.Mode {
	case "local":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when presence.mode=redis")
		}
	default:
		return fmt.Errorf("presence.mode must be local or redis, got %q", c.Presence.Mode)
	}

	switch c.Directory.Mode {
	case "static":
	case "http":
		if c.Directory.BaseURL == "" {
			return fmt.Errorf("directory.base_url must not be empty when directory.mode=http")
		}
		if err := validation.ValidateURL(c.Directory.BaseURL); err != nil {
			return fmt.Errorf("directory.base_url: %w", err)
		}
	default:
		return fmt.Errorf("directory.mode must be static or http, got %q", c.Directory.Mode)
	}

	if c.Admission.MaxParticipants < 0 {
		return fmt.Errorf("admission.max_participants must be >= 0")
	}
	if c.Admission.RefetchAttempts < 0 {
		return fmt.Errorf("admission.refetch_attempts must be >= 0")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requests_per_second and burst must be > 0")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket messages_per_second and burst must be > 0")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads the YAML file at configPath on top of DefaultConfig, then
// applies CALLMESH_* environment overrides. Variables from a .env file in the
// working directory are loaded first and never replace ones already set. A
// missing config file is not an error.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 20 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.ShutdownTimeout = 10 * time.Second

	cfg.Transport.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Store.Backend = "memory"
	cfg.Store.LockTTL = 5 * time.Second
	cfg.Store.EndedTTL = 7 * 24 * time.Hour

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Postgres.MaxOpenConns = 20
	cfg.Postgres.MaxIdleConns = 5
	cfg.Postgres.ConnMaxLifetime = 30 * time.Minute
	cfg.Postgres.ConnectAttempts = 3

	cfg.Presence.Mode = "local"

	cfg.Directory.Mode = "static"
	cfg.Directory.Timeout = 3 * time.Second
	cfg.Directory.CacheTTL = 30 * time.Second
	cfg.Directory.Breaker.FailureThreshold = 5
	cfg.Directory.Breaker.OpenTimeout = 30 * time.Second

	cfg.Admission.MaxParticipants = 16
	cfg.Admission.RefetchAttempts = 3
	cfg.Admission.RefetchDelay = 10 * time.Millisecond

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	str("SERVER_ADDRESS", &c.Server.Address)
	str("STORE_BACKEND", &c.Store.Backend)
	str("REDIS_ADDRESS", &c.Redis.Address)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("PRESENCE_MODE", &c.Presence.Mode)
	str("INSTANCE_ID", &c.Presence.InstanceID)
	str("DIRECTORY_MODE", &c.Directory.Mode)
	str("DIRECTORY_URL", &c.Directory.BaseURL)
	str("DIRECTORY_API_KEY", &c.Directory.APIKey)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_ISSUER", &c.Auth.Issuer)
	str("JAEGER_URL", &c.Tracing.JaegerURL)

	if v := os.Getenv(envPrefix + "MAX_PARTICIPANTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_PARTICIPANTS: %w", envPrefix, err)
		}
		c.Admission.MaxParticipants = n
	}
	if v := os.Getenv(envPrefix + "TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRACING_ENABLED: %w", envPrefix, err)
		}
		c.Tracing.Enabled = enabled
	}
	if v := os.Getenv(envPrefix + "DEV_TOKEN_ENDPOINT"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEV_TOKEN_ENDPOINT: %w", envPrefix, err)
		}
		c.Auth.DevTokenEndpoint = enabled
	}
	return nil
}
