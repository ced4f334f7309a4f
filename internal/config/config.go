package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "LIVECAM"

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	StaticPath  string        `mapstructure:"static_path"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	Secret      string        `mapstructure:"secret"`
	CORSOrigins []string      `mapstructure:"cors_origins"`

	Log       LogConfig       `mapstructure:"log"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Media     MediaConfig     `mapstructure:"media"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SignalingConfig tunes session liveness and store write retries. A zero
// TTL means three heartbeats.
type SignalingConfig struct {
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	TTL          time.Duration `mapstructure:"ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	Retries      uint64        `mapstructure:"retries"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
}

type MonitorConfig struct {
	Grace          time.Duration `mapstructure:"grace"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartTimeout time.Duration `mapstructure:"restart_timeout"`
}

type WebRTCConfig struct {
	ICEServers        []string      `mapstructure:"ice_servers"`
	CandidatePoolSize uint8         `mapstructure:"candidate_pool_size"`
	PLIInterval       time.Duration `mapstructure:"pli_interval"`
}

// MediaConfig points the file capturer at looping sample media.
type MediaConfig struct {
	VideoFile string `mapstructure:"video_file"`
	AudioFile string `mapstructure:"audio_file"`
}

type RateLimitConfig struct {
	Connects int           `mapstructure:"connects"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("signaling.heartbeat", "5s")
	v.SetDefault("signaling.ttl", "0s")
	v.SetDefault("signaling.reap_interval", "10s")
	v.SetDefault("signaling.retries", 4)
	v.SetDefault("signaling.retry_initial", "100ms")
	v.SetDefault("signaling.retry_max", "2s")

	v.SetDefault("monitor.grace", "4s")
	v.SetDefault("monitor.max_restarts", 3)
	v.SetDefault("monitor.restart_timeout", "8s")

	v.SetDefault("webrtc.ice_servers", []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"})
	v.SetDefault("webrtc.candidate_pool_size", 10)
	v.SetDefault("webrtc.pli_interval", "3s")

	v.SetDefault("media.video_file", "./media/output.ivf")
	v.SetDefault("media.audio_file", "./media/output.ogg")

	v.SetDefault("rate_limit.connects", 5)
	v.SetDefault("rate_limit.interval", "10s")
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then LIVECAM_*
// environment overrides (LIVECAM_SIGNALING_HEARTBEAT for signaling.heartbeat).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg(".env not loaded")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Signaling.TTL == 0 {
		cfg.Signaling.TTL = 3 * cfg.Signaling.Heartbeat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Signaling.Heartbeat <= 0 {
		errs = append(errs, errors.New("signaling.heartbeat must be positive"))
	}
	if c.Signaling.TTL <= c.Signaling.Heartbeat {
		errs = append(errs, fmt.Errorf("signaling.ttl %s must exceed the heartbeat %s", c.Signaling.TTL, c.Signaling.Heartbeat))
	}
	if c.Monitor.MaxRestarts < 0 {
		errs = append(errs, errors.New("monitor.max_restarts must not be negative"))
	}
	if c.RateLimit.Connects <= 0 {
		errs = append(errs, errors.New("rate_limit.connects must be positive"))
	}
	return errors.Join(errs...)
}
