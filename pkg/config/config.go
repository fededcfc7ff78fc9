package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Threshold struct {
	MaxRTT    time.Duration `yaml:"max_rtt"`
	MaxLoss   float64       `yaml:"max_loss"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

type Profile struct {
	MaxBitrate      int     `yaml:"max_bitrate"`
	ResolutionScale float64 `yaml:"resolution_scale"`
	MaxFramerate    float64 `yaml:"max_framerate"`
	VideoDisabled   bool    `yaml:"video_disabled"`
}

// Archive configures periodic call-history snapshots. S3 is used when a
// bucket is set, the local directory otherwise.
type Archive struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"`
	Dir      string        `yaml:"dir"`
	S3       struct {
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Prefix    string `yaml:"prefix"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"s3"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Identity struct {
		PeerID string `yaml:"peer_id"`
		Token  string `yaml:"token"`
	} `yaml:"identity"`

	Signaling struct {
		URL               string        `yaml:"url"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		AckTimeout        time.Duration `yaml:"ack_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		DialAttempts      int           `yaml:"dial_attempts"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		FailedTimeout       time.Duration `yaml:"failed_timeout"`
		KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
	} `yaml:"webrtc"`

	// Media describes the local sources. Encoded RTP is fed to the listen
	// addresses by an external encoder.
	Media struct {
		Audio           bool    `yaml:"audio"`
		Video           bool    `yaml:"video"`
		MaxWidth        int     `yaml:"max_width"`
		MaxHeight       int     `yaml:"max_height"`
		MaxFrameRate    float64 `yaml:"max_frame_rate"`
		AudioRTPAddress string  `yaml:"audio_rtp_address"`
		VideoRTPAddress string  `yaml:"video_rtp_address"`
	} `yaml:"media"`

	Quality struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		StaleAfter   time.Duration `yaml:"stale_after"`
		Good         Threshold     `yaml:"good"`
		Medium       Threshold     `yaml:"medium"`
	} `yaml:"quality"`

	Bitrate struct {
		StabilizationWindow time.Duration `yaml:"stabilization_window"`
		AudioFloorBitrate   int           `yaml:"audio_floor_bitrate"`
		Good                Profile       `yaml:"good"`
		Medium              Profile       `yaml:"medium"`
		Poor                Profile       `yaml:"poor"`
		Disconnected        Profile       `yaml:"disconnected"`
	} `yaml:"bitrate"`

	Reconnect struct {
		GracePeriod time.Duration `yaml:"grace_period"`
		RetryOffset time.Duration `yaml:"retry_offset"`
		Ceiling     time.Duration `yaml:"ceiling"`
	} `yaml:"reconnect"`

	Call struct {
		RingingTimeout time.Duration `yaml:"ringing_timeout"`
		DurationTick   time.Duration `yaml:"duration_tick"`
	} `yaml:"call"`

	Relay struct {
		Enabled          bool          `yaml:"enabled"`
		JoinTimeout      time.Duration `yaml:"join_timeout"`
		FailureThreshold int           `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"relay"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	// Postgres takes precedence over Redis as the history store.
	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	History struct {
		MaxRecords int     `yaml:"max_records"`
		Workers    int     `yaml:"workers"`
		Archive    Archive `yaml:"archive"`
	} `yaml:"history"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Control struct {
		Address           string        `yaml:"address"`
		JWTSecret         string        `yaml:"jwt_secret"`
		TokenTTL          time.Duration `yaml:"token_ttl"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"control"`

	Hub struct {
		Address           string        `yaml:"address"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
		TURNURLs          []string      `yaml:"turn_urls"`
		TURNSecret        string        `yaml:"turn_secret"`
		CredentialTTL     time.Duration `yaml:"credential_ttl"`
		RelayURL          string        `yaml:"relay_url"`
	} `yaml:"hub"`
}

func (t Threshold) validate(name string) error {
	if t.MaxRTT <= 0 {
		return fmt.Errorf("%s.max_rtt must be > 0", name)
	}
	if t.MaxLoss < 0 || t.MaxLoss > 1 {
		return fmt.Errorf("%s.max_loss must be within [0, 1]", name)
	}
	if t.MaxJitter <= 0 {
		return fmt.Errorf("%s.max_jitter must be > 0", name)
	}
	return nil
}

func (p Profile) validate(name string) error {
	if p.VideoDisabled {
		return nil
	}
	if p.MaxBitrate <= 0 {
		return fmt.Errorf("%s.max_bitrate must be > 0", name)
	}
	if p.ResolutionScale < 1 {
		return fmt.Errorf("%s.resolution_scale must be >= 1", name)
	}
	if p.MaxFramerate <= 0 {
		return fmt.Errorf("%s.max_framerate must be > 0", name)
	}
	return nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signaling
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.pong_timeout must be > signaling.ping_interval")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}
	if c.Signaling.AckTimeout <= 0 {
		return fmt.Errorf("signaling.ack_timeout must be > 0")
	}
	if c.Signaling.MessagesPerSecond <= 0 {
		return fmt.Errorf("signaling.messages_per_second must be > 0")
	}
	if c.Signaling.Burst <= 0 {
		return fmt.Errorf("signaling.burst must be > 0")
	}
	if c.Signaling.DialAttempts < 0 {
		return fmt.Errorf("signaling.dial_attempts must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Media
	if !c.Media.Audio && !c.Media.Video {
		return fmt.Errorf("media.audio or media.video must be enabled")
	}
	if c.Media.Audio && c.Media.AudioRTPAddress == "" {
		return fmt.Errorf("media.audio_rtp_address must not be empty when media.audio is set")
	}
	if c.Media.Video {
		if c.Media.VideoRTPAddress == "" {
			return fmt.Errorf("media.video_rtp_address must not be empty when media.video is set")
		}
		if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.MaxFrameRate < 0 {
			return fmt.Errorf("media maxima must be >= 0")
		}
	}

	// Quality
	if c.Quality.PollInterval <= 0 {
		return fmt.Errorf("quality.poll_interval must be > 0")
	}
	if c.Quality.StaleAfter <= 0 {
		return fmt.Errorf("quality.stale_after must be > 0")
	}
	if err := c.Quality.Good.validate("quality.good"); err != nil {
		return err
	}
	if err := c.Quality.Medium.validate("quality.medium"); err != nil {
		return err
	}
	if c.Quality.Good.MaxRTT > c.Quality.Medium.MaxRTT ||
		c.Quality.Good.MaxLoss > c.Quality.Medium.MaxLoss ||
		c.Quality.Good.MaxJitter > c.Quality.Medium.MaxJitter {
		return fmt.Errorf("quality.good thresholds must not be looser than quality.medium")
	}

	// Bitrate
	if c.Bitrate.StabilizationWindow <= 0 {
		return fmt.Errorf("bitrate.stabilization_window must be > 0")
	}
	if c.Bitrate.AudioFloorBitrate <= 0 {
		return fmt.Errorf("bitrate.audio_floor_bitrate must be > 0")
	}
	for name, p := range map[string]Profile{
		"bitrate.good":   c.Bitrate.Good,
		"bitrate.medium": c.Bitrate.Medium,
		"bitrate.poor":   c.Bitrate.Poor,
	} {
		if err := p.validate(name); err != nil {
			return err
		}
	}

	// Reconnect
	if c.Reconnect.GracePeriod <= 0 {
		return fmt.Errorf("reconnect.grace_period must be > 0")
	}
	if c.Reconnect.RetryOffset <= 0 {
		return fmt.Errorf("reconnect.retry_offset must be > 0")
	}
	if c.Reconnect.Ceiling <= c.Reconnect.GracePeriod+c.Reconnect.RetryOffset {
		return fmt.Errorf("reconnect.ceiling must be > grace_period + retry_offset")
	}

	// Call
	if c.Call.RingingTimeout <= 0 {
		return fmt.Errorf("call.ringing_timeout must be > 0")
	}
	if c.Call.DurationTick <= 0 {
		return fmt.Errorf("call.duration_tick must be > 0")
	}

	// Relay
	if c.Relay.Enabled {
		if c.Relay.JoinTimeout <= 0 {
			return fmt.Errorf("relay.join_timeout must be > 0 when relay.enabled=true")
		}
		if c.Relay.FailureThreshold <= 0 {
			return fmt.Errorf("relay.failure_threshold must be > 0 when relay.enabled=true")
		}
		if c.Relay.OpenTimeout <= 0 {
			return fmt.Errorf("relay.open_timeout must be > 0 when relay.enabled=true")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must not be empty when postgres.enabled=true")
	}

	// History
	if c.History.MaxRecords <= 0 {
		return fmt.Errorf("history.max_records must be > 0")
	}
	if c.History.Workers <= 0 {
		return fmt.Errorf("history.workers must be > 0")
	}
	if a := c.History.Archive; a.Enabled {
		if a.Interval <= 0 {
			return fmt.Errorf("history.archive.interval must be > 0")
		}
		if a.Keep <= 0 {
			return fmt.Errorf("history.archive.keep must be > 0")
		}
		if a.S3.Bucket == "" && a.Dir == "" {
			return fmt.Errorf("history.archive needs a dir or an s3.bucket")
		}
		if a.S3.Bucket != "" && a.S3.Region == "" {
			return fmt.Errorf("history.archive.s3.region must not be empty when a bucket is set")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Control
	if c.Control.Address != "" {
		if c.Control.JWTSecret == "" {
			return fmt.Errorf("control.jwt_secret must not be empty when control.address is set")
		}
		if c.Control.RequestsPerSecond <= 0 {
			return fmt.Errorf("control.requests_per_second must be > 0")
		}
		if c.Control.Burst <= 0 {
			return fmt.Errorf("control.burst must be > 0")
		}
	}

	return nil
}

// ValidateHub checks the settings used by the signaling hub binary.
func (c *Config) ValidateHub() error {
	if c.Hub.Address == "" {
		return fmt.Errorf("hub.address must not be empty")
	}
	if c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval must be > 0")
	}
	if c.Hub.PongTimeout <= c.Hub.PingInterval {
		return fmt.Errorf("hub.pong_timeout must be > hub.ping_interval")
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be > 0")
	}
	if c.Hub.MessagesPerSecond <= 0 {
		return fmt.Errorf("hub.messages_per_second must be > 0")
	}
	if c.Hub.Burst <= 0 {
		return fmt.Errorf("hub.burst must be > 0")
	}
	if c.Hub.MaxMessageBytes <= 0 {
		return fmt.Errorf("hub.max_message_bytes must be > 0")
	}
	if len(c.Hub.TURNURLs) > 0 && c.Hub.TURNSecret == "" {
		return fmt.Errorf("hub.turn_secret must not be empty when hub.turn_urls is set")
	}
	if c.Hub.CredentialTTL <= 0 {
		return fmt.Errorf("hub.credential_ttl must be > 0")
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
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

// DefaultConfig returns configuration with the reference tuning values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.PingInterval = 25 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.AckTimeout = 10 * time.Second
	cfg.Signaling.MessagesPerSecond = 50
	cfg.Signaling.Burst = 100
	cfg.Signaling.DialAttempts = 5

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.DisconnectedTimeout = 5 * time.Second
	cfg.WebRTC.FailedTimeout = 25 * time.Second
	cfg.WebRTC.KeepAliveInterval = 2 * time.Second

	cfg.Media.Audio = true
	cfg.Media.Video = true
	cfg.Media.MaxWidth = 1280
	cfg.Media.MaxHeight = 720
	cfg.Media.MaxFrameRate = 30
	cfg.Media.AudioRTPAddress = "127.0.0.1:5004"
	cfg.Media.VideoRTPAddress = "127.0.0.1:5006"

	cfg.Quality.PollInterval = 2 * time.Second
	cfg.Quality.StaleAfter = 3 * time.Second
	cfg.Quality.Good = Threshold{MaxRTT: 150 * time.Millisecond, MaxLoss: 0.02, MaxJitter: 30 * time.Millisecond}
	cfg.Quality.Medium = Threshold{MaxRTT: 300 * time.Millisecond, MaxLoss: 0.05, MaxJitter: 50 * time.Millisecond}

	cfg.Bitrate.StabilizationWindow = 5 * time.Second
	cfg.Bitrate.AudioFloorBitrate = 16_000
	cfg.Bitrate.Good = Profile{MaxBitrate: 1_500_000, ResolutionScale: 1, MaxFramerate: 30}
	cfg.Bitrate.Medium = Profile{MaxBitrate: 600_000, ResolutionScale: 1.5, MaxFramerate: 24}
	cfg.Bitrate.Poor = Profile{MaxBitrate: 250_000, ResolutionScale: 2, MaxFramerate: 15}
	cfg.Bitrate.Disconnected = Profile{VideoDisabled: true}

	cfg.Reconnect.GracePeriod = 3 * time.Second
	cfg.Reconnect.RetryOffset = 3 * time.Second
	cfg.Reconnect.Ceiling = 30 * time.Second

	cfg.Call.RingingTimeout = 30 * time.Second
	cfg.Call.DurationTick = time.Second

	cfg.Relay.Enabled = true
	cfg.Relay.JoinTimeout = 15 * time.Second
	cfg.Relay.FailureThreshold = 3
	cfg.Relay.OpenTimeout = time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Postgres.MaxConns = 4

	cfg.History.MaxRecords = 500
	cfg.History.Workers = 2
	cfg.History.Archive.Interval = time.Hour
	cfg.History.Archive.Keep = 24
	cfg.History.Archive.Dir = "data/archive"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Control.Address = "127.0.0.1:8090"
	cfg.Control.JWTSecret = "change-me-in-production"
	cfg.Control.TokenTTL = 12 * time.Hour
	cfg.Control.RequestsPerSecond = 20
	cfg.Control.Burst = 40
	cfg.Control.ShutdownTimeout = 10 * time.Second

	cfg.Hub.Address = ":8081"
	cfg.Hub.PingInterval = 25 * time.Second
	cfg.Hub.PongTimeout = 60 * time.Second
	cfg.Hub.WriteTimeout = 10 * time.Second
	cfg.Hub.MessagesPerSecond = 100
	cfg.Hub.Burst = 200
	cfg.Hub.MaxMessageBytes = 64 * 1024
	cfg.Hub.CredentialTTL = 10 * time.Minute
	cfg.Hub.RelayURL = "ws://localhost:7880/rtc"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("CALLCORE_PEER_ID"); id != "" {
		c.Identity.PeerID = id
	}
	if token := os.Getenv("CALLCORE_TOKEN"); token != "" {
		c.Identity.Token = token
	}
	if url := os.Getenv("CALLCORE_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if level := os.Getenv("CALLCORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLCORE_CONTROL_ADDRESS"); addr != "" {
		c.Control.Address = addr
	}
	if secret := os.Getenv("CALLCORE_JWT_SECRET"); secret != "" {
		c.Control.JWTSecret = secret
	}
	if addr := os.Getenv("CALLCORE_HUB_ADDRESS"); addr != "" {
		c.Hub.Address = addr
	}
	if secret := os.Getenv("CALLCORE_TURN_SECRET"); secret != "" {
		c.Hub.TURNSecret = secret
	}
	if dsn := os.Getenv("CALLCORE_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
		c.Postgres.Enabled = true
	}
	if addr := os.Getenv("CALLCORE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CALLCORE_RELAY_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Relay.Enabled = enabled
		}
	}
}
