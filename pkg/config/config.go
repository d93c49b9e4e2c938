package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codecast/pkg/tracing"

	"gopkg.in/yaml.v2"
)

const (
	SignalingDriverMemory    = "memory"
	SignalingDriverRedis     = "redis"
	SignalingDriverWebSocket = "websocket"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Session struct {
		RoomID      string `yaml:"room_id"`
		ProblemID   string `yaml:"problem_id"`
		UserID      string `yaml:"user_id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"session"`

	// Capture lists the local UDP addresses RTP is ingested from, one per track.
	Capture struct {
		AudioAddress string `yaml:"audio_address"`
		VideoAddress string `yaml:"video_address"`
	} `yaml:"capture"`

	// Render lists where received RTP is forwarded to.
	Render struct {
		AudioAddress string `yaml:"audio_address"`
		VideoAddress string `yaml:"video_address"`
	} `yaml:"render"`

	Liveness struct {
		ViewerCountInterval time.Duration `yaml:"viewer_count_interval"`
		DiscoveryInterval   time.Duration `yaml:"discovery_interval"`
		HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
		NegotiationTimeout  time.Duration `yaml:"negotiation_timeout"`
		FallbackPoll        bool          `yaml:"fallback_poll"`
	} `yaml:"liveness"`

	Signaling struct {
		Driver           string        `yaml:"driver"`
		URL              string        `yaml:"url"`
		Token            string        `yaml:"token"`
		ReconnectInitial time.Duration `yaml:"reconnect_initial"`
		ReconnectWindow  time.Duration `yaml:"reconnect_window"`
	} `yaml:"signaling"`

	Registry struct {
		BaseURL    string        `yaml:"base_url"`
		Token      string        `yaml:"token"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`

		// BreakerThreshold consecutive failures stop registry calls for BreakerCooldown.
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"registry"`

	Redis struct {
		Address         string        `yaml:"address"`
		Password        string        `yaml:"password"`
		DB              int           `yaml:"db"`
		PoolSize        int           `yaml:"pool_size"`
		PresenceRefresh time.Duration `yaml:"presence_refresh"`
		PresenceTTL     time.Duration `yaml:"presence_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
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
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Liveness.ViewerCountInterval < 0 || c.Liveness.DiscoveryInterval < 0 ||
		c.Liveness.HeartbeatInterval < 0 || c.Liveness.NegotiationTimeout < 0 {
		return fmt.Errorf("liveness intervals must be >= 0")
	}

	switch c.Signaling.Driver {
	case SignalingDriverMemory:
	case SignalingDriverRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when signaling.driver=redis")
		}
		if c.Redis.PresenceTTL <= c.Redis.PresenceRefresh {
			return fmt.Errorf("redis.presence_ttl must be > redis.presence_refresh")
		}
	case SignalingDriverWebSocket:
		if c.Signaling.URL == "" {
			return fmt.Errorf("signaling.url must not be empty when signaling.driver=websocket")
		}
		if c.Signaling.ReconnectInitial <= 0 {
			return fmt.Errorf("signaling.reconnect_initial must be > 0")
		}
		if c.Signaling.ReconnectWindow < 0 {
			return fmt.Errorf("signaling.reconnect_window must be >= 0")
		}
	default:
		return fmt.Errorf("signaling.driver must be one of memory, redis, websocket")
	}

	if c.Registry.BaseURL != "" {
		if c.Registry.Timeout <= 0 {
			return fmt.Errorf("registry.timeout must be > 0")
		}
		if c.Registry.MaxRetries < 0 {
			return fmt.Errorf("registry.max_retries must be >= 0")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyLivenessPolicy()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Session.DisplayName = "anonymous"

	cfg.Liveness.ViewerCountInterval = 5 * time.Second
	cfg.Liveness.DiscoveryInterval = time.Second
	cfg.Liveness.HeartbeatInterval = 20 * time.Second
	cfg.Liveness.NegotiationTimeout = 15 * time.Second
	cfg.Liveness.FallbackPoll = true

	cfg.Signaling.Driver = SignalingDriverWebSocket
	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.ReconnectInitial = 500 * time.Millisecond
	cfg.Signaling.ReconnectWindow = 30 * time.Second

	cfg.Registry.Timeout = 5 * time.Second
	cfg.Registry.MaxRetries = 3
	cfg.Registry.BreakerThreshold = 5
	cfg.Registry.BreakerCooldown = 30 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.PresenceRefresh = 5 * time.Second
	cfg.Redis.PresenceTTL = 15 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// applyLivenessPolicy turns the periodic fallbacks off when fallback_poll is false.
// The negotiation timeout and heartbeat are not fallbacks and stay on.
func (c *Config) applyLivenessPolicy() {
	if !c.Liveness.FallbackPoll {
		c.Liveness.ViewerCountInterval = 0
		c.Liveness.DiscoveryInterval = 0
	}
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CODECAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("CODECAST_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("CODECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CODECAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if driver := os.Getenv("CODECAST_SIGNALING_DRIVER"); driver != "" {
		c.Signaling.Driver = strings.ToLower(driver)
	}
	if url := os.Getenv("CODECAST_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if token := os.Getenv("CODECAST_SIGNALING_TOKEN"); token != "" {
		c.Signaling.Token = token
	}
	if url := os.Getenv("CODECAST_REGISTRY_URL"); url != "" {
		c.Registry.BaseURL = url
	}
	if token := os.Getenv("CODECAST_REGISTRY_TOKEN"); token != "" {
		c.Registry.Token = token
	}
	if addr := os.Getenv("CODECAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if room := os.Getenv("CODECAST_ROOM_ID"); room != "" {
		c.Session.RoomID = room
	}
	if user := os.Getenv("CODECAST_USER_ID"); user != "" {
		c.Session.UserID = user
	}
}

// DefaultPaths are searched in order by LoadFirst.
var DefaultPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/codecast/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first existing file among paths. CODECAST_CONFIG, when
// set, is tried before them. With no file found the defaults are used.
func LoadFirst(paths ...string) (*Config, string, error) {
	if env := os.Getenv("CODECAST_CONFIG"); env != "" {
		paths = append([]string{env}, paths...)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg, err := Load("")
	return cfg, "", err
}
