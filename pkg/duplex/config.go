package duplex

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is immutable controller configuration. Created once, never mutated.
type Config struct {
	// InterruptionThreshold is how fresh the last user speech must be for a
	// barge-in to cut off playback.
	InterruptionThreshold time.Duration
	// BackchannelInterval is the minimum spacing between acknowledgments.
	BackchannelInterval time.Duration
	// SilenceTimeout is reserved for turn-end detection. No loop consumes it.
	SilenceTimeout time.Duration

	AllowInterruptions bool
	EnableBackchannels bool

	SampleRate int
	Language   string

	LogLevel  string
	LogFormat string
	RedactPII bool

	// Vendors selects the STT/TTS/intent implementations by name; settings are
	// vendor-specific and decoded by the caller.
	Vendors   VendorsConfig
	Transport VendorConfig
}

// VendorConfig names a provider and carries its raw settings block.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT    VendorConfig `mapstructure:"stt"`
	TTS    VendorConfig `mapstructure:"tts"`
	Intent VendorConfig `mapstructure:"intent"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InterruptionThreshold: 300 * time.Millisecond,
		BackchannelInterval:   3 * time.Second,
		SilenceTimeout:        1500 * time.Millisecond,
		AllowInterruptions:    true,
		EnableBackchannels:    true,
		SampleRate:            16000,
		Language:              "en",
		LogLevel:              "info",
		LogFormat:             "text",
		RedactPII:             true,
		Vendors: VendorsConfig{
			STT:    VendorConfig{Provider: "mock"},
			TTS:    VendorConfig{Provider: "mock"},
			Intent: VendorConfig{Provider: "mock"},
		},
		Transport: VendorConfig{Provider: "mock"},
	}
}

// LoadConfig reads controller configuration from a YAML file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("duplex.interruption_threshold_ms", 300)
	v.SetDefault("duplex.backchannel_interval_ms", 3000)
	v.SetDefault("duplex.silence_timeout_ms", 1500)
	v.SetDefault("duplex.allow_interruptions", true)
	v.SetDefault("duplex.enable_backchannels", true)
	v.SetDefault("duplex.samplerate", 16000)
	v.SetDefault("duplex.language", "en")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("vendors.intent.provider", "mock")
	v.SetDefault("transport.provider", "mock")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Duplex struct {
			InterruptionThresholdMS int    `mapstructure:"interruption_threshold_ms"`
			BackchannelIntervalMS   int    `mapstructure:"backchannel_interval_ms"`
			SilenceTimeoutMS        int    `mapstructure:"silence_timeout_ms"`
			AllowInterruptions      bool   `mapstructure:"allow_interruptions"`
			EnableBackchannels      bool   `mapstructure:"enable_backchannels"`
			SampleRate              int    `mapstructure:"samplerate"`
			Language                string `mapstructure:"language"`
		} `mapstructure:"duplex"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
		Privacy   struct {
			RedactPII bool `mapstructure:"redact_pii"`
		} `mapstructure:"privacy"`
		Vendors   VendorsConfig `mapstructure:"vendors"`
		Transport VendorConfig  `mapstructure:"transport"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		InterruptionThreshold: time.Duration(raw.Duplex.InterruptionThresholdMS) * time.Millisecond,
		BackchannelInterval:   time.Duration(raw.Duplex.BackchannelIntervalMS) * time.Millisecond,
		SilenceTimeout:        time.Duration(raw.Duplex.SilenceTimeoutMS) * time.Millisecond,
		AllowInterruptions:    raw.Duplex.AllowInterruptions,
		EnableBackchannels:    raw.Duplex.EnableBackchannels,
		SampleRate:            raw.Duplex.SampleRate,
		Language:              raw.Duplex.Language,
		LogLevel:              raw.LogLevel,
		LogFormat:             raw.LogFormat,
		RedactPII:             raw.Privacy.RedactPII,
		Vendors:               raw.Vendors,
		Transport:             raw.Transport,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.InterruptionThreshold <= 0 {
		return fmt.Errorf("duplex.interruption_threshold_ms must be positive")
	}
	if c.BackchannelInterval <= 0 {
		return fmt.Errorf("duplex.backchannel_interval_ms must be positive")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("duplex.samplerate must be positive")
	}
	if strings.TrimSpace(c.Language) == "" {
		return fmt.Errorf("duplex.language is required")
	}
	return nil
}
