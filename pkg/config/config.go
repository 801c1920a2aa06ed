package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signaling struct {
		URL               string        `yaml:"url"`
		Token             string        `yaml:"token"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectBaseWait time.Duration `yaml:"reconnect_base_wait"`
		ReconnectMaxWait  time.Duration `yaml:"reconnect_max_wait"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"signaling"`

	Turn struct {
		APIURL         string        `yaml:"api_url"`
		SharedSecret   string        `yaml:"shared_secret"`
		TTL            time.Duration `yaml:"ttl"`
		RefreshBuffer  time.Duration `yaml:"refresh_buffer"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"turn"`

	WebRTC struct {
		FallbackSTUN       []string      `yaml:"fallback_stun"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		SoftRecoveryWindow time.Duration `yaml:"soft_recovery_window"`
		RebuildBudget      int           `yaml:"rebuild_budget"`
		InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`
		PortRange          struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	AudioPool struct {
		Capacity    int           `yaml:"capacity"`
		GracePeriod time.Duration `yaml:"grace_period"`
		MaxAge      time.Duration `yaml:"max_age"`
		SweepEvery  time.Duration `yaml:"sweep_every"`
	} `yaml:"audio_pool"`

	Quality struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		WindowSize     int           `yaml:"window_size"`
	} `yaml:"quality"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
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
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= 0 {
		return fmt.Errorf("signaling.pong_timeout must be > 0")
	}
	if c.Signaling.ReconnectAttempts < 0 {
		return fmt.Errorf("signaling.reconnect_attempts must be >= 0")
	}
	if c.Signaling.MessagesPerSecond <= 0 {
		return fmt.Errorf("signaling.messages_per_second must be > 0")
	}
	if c.Signaling.Burst <= 0 {
		return fmt.Errorf("signaling.burst must be > 0")
	}

	if c.Turn.TTL <= 0 {
		return fmt.Errorf("turn.ttl must be > 0")
	}
	if c.Turn.RefreshBuffer <= 0 || c.Turn.RefreshBuffer >= c.Turn.TTL {
		return fmt.Errorf("turn.refresh_buffer must be > 0 and < turn.ttl")
	}
	if c.Turn.RequestTimeout <= 0 {
		return fmt.Errorf("turn.request_timeout must be > 0")
	}

	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be > 0")
	}
	if c.WebRTC.SoftRecoveryWindow <= 0 {
		return fmt.Errorf("webrtc.soft_recovery_window must be > 0")
	}
	if c.WebRTC.RebuildBudget < 1 {
		return fmt.Errorf("webrtc.rebuild_budget must be >= 1")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.AudioPool.Capacity <= 0 {
		return fmt.Errorf("audio_pool.capacity must be > 0")
	}
	if c.AudioPool.GracePeriod <= 0 {
		return fmt.Errorf("audio_pool.grace_period must be > 0")
	}
	if c.AudioPool.MaxAge <= c.AudioPool.GracePeriod {
		return fmt.Errorf("audio_pool.max_age must be > audio_pool.grace_period")
	}

	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("quality.sample_interval must be > 0")
	}
	if c.Quality.WindowSize <= 0 {
		return fmt.Errorf("quality.window_size must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signaling.URL = "ws://localhost:8080/ws"
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.ReconnectAttempts = 5
	cfg.Signaling.ReconnectBaseWait = 500 * time.Millisecond
	cfg.Signaling.ReconnectMaxWait = 30 * time.Second
	cfg.Signaling.MessagesPerSecond = 50
	cfg.Signaling.Burst = 100

	cfg.Turn.APIURL = "http://localhost:8080"
	cfg.Turn.TTL = 24 * time.Hour
	cfg.Turn.RefreshBuffer = 5 * time.Minute
	cfg.Turn.RequestTimeout = 10 * time.Second

	cfg.WebRTC.FallbackSTUN = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
		"stun:stun.microsoft.com:3478",
	}
	cfg.WebRTC.NegotiationTimeout = 15 * time.Second
	cfg.WebRTC.SoftRecoveryWindow = 2 * time.Second
	cfg.WebRTC.RebuildBudget = 3
	cfg.WebRTC.InactivityTimeout = 10 * time.Minute

	cfg.AudioPool.Capacity = 8
	cfg.AudioPool.GracePeriod = 30 * time.Second
	cfg.AudioPool.MaxAge = 30 * time.Minute
	cfg.AudioPool.SweepEvery = 10 * time.Second

	cfg.Quality.SampleInterval = 5 * time.Second
	cfg.Quality.WindowSize = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("MEETMESH_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if token := os.Getenv("MEETMESH_SIGNALING_TOKEN"); token != "" {
		c.Signaling.Token = token
	}
	if url := os.Getenv("MEETMESH_TURN_API_URL"); url != "" {
		c.Turn.APIURL = url
	}
	if secret := os.Getenv("MEETMESH_TURN_SECRET"); secret != "" {
		c.Turn.SharedSecret = secret
	}
	if level := os.Getenv("MEETMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
