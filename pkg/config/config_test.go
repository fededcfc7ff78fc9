package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := cfg.ValidateHub(); err != nil {
		t.Fatalf("default hub config invalid: %v", err)
	}
}

func TestDefaultConfig_ReferenceTuning(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Quality.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Quality.PollInterval)
	}
	if cfg.Quality.Good.MaxRTT != 150*time.Millisecond || cfg.Quality.Good.MaxLoss != 0.02 || cfg.Quality.Good.MaxJitter != 30*time.Millisecond {
		t.Errorf("unexpected good threshold: %+v", cfg.Quality.Good)
	}
	if cfg.Quality.Medium.MaxRTT != 300*time.Millisecond || cfg.Quality.Medium.MaxLoss != 0.05 || cfg.Quality.Medium.MaxJitter != 50*time.Millisecond {
		t.Errorf("unexpected medium threshold: %+v", cfg.Quality.Medium)
	}
	if cfg.Bitrate.StabilizationWindow != 5*time.Second {
		t.Errorf("stabilization window = %v", cfg.Bitrate.StabilizationWindow)
	}
	if cfg.Reconnect.GracePeriod != 3*time.Second || cfg.Reconnect.RetryOffset != 3*time.Second || cfg.Reconnect.Ceiling != 30*time.Second {
		t.Errorf("unexpected reconnect timings: %+v", cfg.Reconnect)
	}
	if cfg.Call.RingingTimeout != 30*time.Second || cfg.Call.DurationTick != time.Second {
		t.Errorf("unexpected call timings: %+v", cfg.Call)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"signaling url required", func(c *Config) { c.Signaling.URL = "" }},
		{"pong must exceed ping", func(c *Config) { c.Signaling.PongTimeout = c.Signaling.PingInterval }},
		{"poll interval must be > 0", func(c *Config) { c.Quality.PollInterval = 0 }},
		{"loss within [0,1]", func(c *Config) { c.Quality.Good.MaxLoss = 1.5 }},
		{"good looser than medium", func(c *Config) { c.Quality.Good.MaxRTT = time.Second }},
		{"profile bitrate > 0", func(c *Config) { c.Bitrate.Medium.MaxBitrate = 0 }},
		{"resolution scale >= 1", func(c *Config) { c.Bitrate.Poor.ResolutionScale = 0.5 }},
		{"audio floor > 0", func(c *Config) { c.Bitrate.AudioFloorBitrate = 0 }},
		{"ceiling after retry", func(c *Config) { c.Reconnect.Ceiling = 6 * time.Second }},
		{"ringing timeout > 0", func(c *Config) { c.Call.RingingTimeout = 0 }},
		{"relay threshold", func(c *Config) { c.Relay.FailureThreshold = 0 }},
		{"postgres dsn", func(c *Config) { c.Postgres.Enabled = true }},
		{"archive destination", func(c *Config) {
			c.History.Archive.Enabled = true
			c.History.Archive.Dir = ""
		}},
		{"archive s3 region", func(c *Config) {
			c.History.Archive.Enabled = true
			c.History.Archive.S3.Bucket = "calls"
		}},
		{"port range order", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"redis address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"jwt secret with control api", func(c *Config) { c.Control.JWTSecret = "" }},
		{"some media source", func(c *Config) {
			c.Media.Audio = false
			c.Media.Video = false
		}},
		{"video rtp address", func(c *Config) { c.Media.VideoRTPAddress = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidate_DisabledSectionsIgnoreZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.Enabled = false
	cfg.Relay.FailureThreshold = 0
	cfg.Relay.JoinTimeout = 0
	cfg.Control.Address = ""
	cfg.Control.JWTSecret = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Quality.PollInterval != 2*time.Second {
		t.Errorf("expected defaults, got poll interval %v", cfg.Quality.PollInterval)
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
identity:
  peer_id: alice
signaling:
  url: ws://hub.internal:8081/ws
reconnect:
  grace_period: 2s
  retry_offset: 4s
  ceiling: 20s
quality:
  good:
    max_rtt: 100ms
    max_loss: 0.01
    max_jitter: 20ms
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLCORE_PEER_ID", "bob")
	t.Setenv("CALLCORE_RELAY_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Identity.PeerID != "bob" {
		t.Errorf("env override not applied, peer id %q", cfg.Identity.PeerID)
	}
	if cfg.Signaling.URL != "ws://hub.internal:8081/ws" {
		t.Errorf("signaling url = %q", cfg.Signaling.URL)
	}
	if cfg.Reconnect.Ceiling != 20*time.Second || cfg.Reconnect.GracePeriod != 2*time.Second {
		t.Errorf("reconnect not loaded: %+v", cfg.Reconnect)
	}
	if cfg.Quality.Good.MaxRTT != 100*time.Millisecond {
		t.Errorf("good rtt = %v", cfg.Quality.Good.MaxRTT)
	}
	if cfg.Quality.Medium.MaxRTT != 300*time.Millisecond {
		t.Errorf("medium defaults lost: %v", cfg.Quality.Medium.MaxRTT)
	}
	if cfg.Relay.Enabled {
		t.Error("relay should be disabled by env")
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("call:\n  ringing_timeout: 0s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
