package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full daemon configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	WebRTC  WebRTCConfig  `koanf:"webrtc"`
	Audio   AudioConfig   `koanf:"audio"`
	Speech  SpeechConfig  `koanf:"speech"`
	Cleanup CleanupConfig `koanf:"cleanup"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Path string `koanf:"path"` // sqlite database file, ":memory:" allowed
}

type WebRTCConfig struct {
	STUNServers []string `koanf:"stun_servers"`
}

type AudioConfig struct {
	SampleRate int `koanf:"sample_rate"` // Hz, mono PCM16 inside the mixer
	FrameMs    int `koanf:"frame_ms"`    // mixer tick; must stay well below VAD silence thresholds
}

type SpeechConfig struct {
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`
	Voice  string `koanf:"voice"`
}

type CleanupConfig struct {
	InactiveMinutes int `koanf:"inactive_minutes"`
}

// Load builds the configuration from defaults, an optional YAML file and
// VOICEBRIDGE_-prefixed environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":             8080,
		"storage.path":            "voicebridge.db",
		"webrtc.stun_servers":     []string{"stun:stun.l.google.com:19302"},
		"audio.sample_rate":       24000,
		"audio.frame_ms":          20,
		"speech.model":            "gpt-4o-realtime-preview",
		"speech.voice":            "alloy",
		"cleanup.inactive_minutes": 30,
	}
	for key, val := range defaults {
		k.Set(key, val)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("VOICEBRIDGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "VOICEBRIDGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.Audio.SampleRate)
	}
	// Frames much longer than double-digit milliseconds read as a pause to
	// the speech model's end-of-turn detector.
	if c.Audio.FrameMs < 10 || c.Audio.FrameMs > 60 {
		return fmt.Errorf("frame_ms must be between 10 and 60, got %d", c.Audio.FrameMs)
	}
	if c.Cleanup.InactiveMinutes < 1 || c.Cleanup.InactiveMinutes > 1440 {
		return fmt.Errorf("cleanup.inactive_minutes must be between 1 and 1440, got %d", c.Cleanup.InactiveMinutes)
	}
	return nil
}
