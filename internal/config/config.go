package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`

	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Media    MediaConfig    `mapstructure:"media"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Signal   SignalConfig   `mapstructure:"signal"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// DatabaseConfig selects the persistence backend; an empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type MediaConfig struct {
	// Workers is the media worker pool size; 0 means one per available core.
	Workers             int           `mapstructure:"workers"`
	MaxRoutersPerWorker int           `mapstructure:"max_routers_per_worker"`
	PortMin             int           `mapstructure:"port_min"`
	PortMax             int           `mapstructure:"port_max"`
	ListenIP            string        `mapstructure:"listen_ip"`
	AnnouncedIP         string        `mapstructure:"announced_ip"`
	Codecs              []string      `mapstructure:"codecs"`
	ICEServers          []string      `mapstructure:"ice_servers"`
	Bitrate             BitrateConfig `mapstructure:"bitrate"`
	ReprobeDelay        time.Duration `mapstructure:"reprobe_delay"`
	RenegotiateTimeout  time.Duration `mapstructure:"renegotiate_timeout"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
}

// BitrateConfig is the per-transport bitrate policy, in bits per second.
type BitrateConfig struct {
	MaxIncoming     int     `mapstructure:"max_incoming"`
	InitialOutgoing int     `mapstructure:"initial_outgoing"`
	MinOutgoing     int     `mapstructure:"min_outgoing"`
	MaxOutgoing     int     `mapstructure:"max_outgoing"`
	ScaleFactor     float64 `mapstructure:"scale_factor"`
}

type RoomsConfig struct {
	MinSize int `mapstructure:"min_size"`
	MaxSize int `mapstructure:"max_size"`
}

type SessionsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Threshold     time.Duration `mapstructure:"threshold"`
}

type ArchiveConfig struct {
	MessageInterval  time.Duration `mapstructure:"message_interval"`
	MessageOffset    time.Duration `mapstructure:"message_offset"`
	MessageRetention time.Duration `mapstructure:"message_retention"`
	DMInterval       time.Duration `mapstructure:"dm_interval"`
	DMOffset         time.Duration `mapstructure:"dm_offset"`
	DMRetention      time.Duration `mapstructure:"dm_retention"`
	FileInterval     time.Duration `mapstructure:"file_interval"`
	FileOffset       time.Duration `mapstructure:"file_offset"`
	FileGrace        time.Duration `mapstructure:"file_grace"`
	CacheInterval    time.Duration `mapstructure:"cache_interval"`
	CacheOffset      time.Duration `mapstructure:"cache_offset"`
	UsageInterval    time.Duration `mapstructure:"usage_interval"`
}

type SignalConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("auth.issuer", "hearth")

	v.SetDefault("media.workers", 0)
	v.SetDefault("media.max_routers_per_worker", 0)
	v.SetDefault("media.port_min", 40000)
	v.SetDefault("media.port_max", 49999)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.codecs", []string{"opus", "vp8", "vp9", "h264"})
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.bitrate.max_incoming", 1_500_000)
	v.SetDefault("media.bitrate.initial_outgoing", 1_000_000)
	v.SetDefault("media.bitrate.min_outgoing", 600_000)
	v.SetDefault("media.bitrate.max_outgoing", 3_000_000)
	v.SetDefault("media.bitrate.scale_factor", 0.75)
	v.SetDefault("media.reprobe_delay", "5s")
	v.SetDefault("media.renegotiate_timeout", "10s")
	v.SetDefault("media.max_recovery_attempts", 3)

	v.SetDefault("rooms.min_size", 2)
	v.SetDefault("rooms.max_size", 100)

	v.SetDefault("sessions.sweep_interval", "30m")
	v.SetDefault("sessions.threshold", "120m")

	v.SetDefault("archive.message_interval", "24h")
	v.SetDefault("archive.message_offset", "1h")
	v.SetDefault("archive.message_retention", "720h")
	v.SetDefault("archive.dm_interval", "24h")
	v.SetDefault("archive.dm_offset", "2h")
	v.SetDefault("archive.dm_retention", "720h")
	v.SetDefault("archive.file_interval", "168h")
	v.SetDefault("archive.file_offset", "3h")
	v.SetDefault("archive.file_grace", "168h")
	v.SetDefault("archive.cache_interval", "24h")
	v.SetDefault("archive.cache_offset", "4h")
	v.SetDefault("archive.usage_interval", "1h")

	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_interval", "1s")
	v.SetDefault("signal.send_buffer", 64)
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Str("module", "config").Msg("loaded .env")
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
	v.SetEnvPrefix("HEARTH")
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
	if cfg.Media.Workers <= 0 {
		cfg.Media.Workers = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("workers", cfg.Media.Workers).
		Msg("config ready")
	return &cfg, nil
}

// Default returns the configuration Load would produce with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Media.Workers = runtime.NumCPU()
	return &cfg
}

func (c *Config) Validate() error {
	var errs []error
	if c.Media.PortMin <= 0 || c.Media.PortMax > 65535 || c.Media.PortMin > c.Media.PortMax {
		errs = append(errs, fmt.Errorf("invalid media port range %d-%d", c.Media.PortMin, c.Media.PortMax))
	}
	b := c.Media.Bitrate
	if b.MinOutgoing <= 0 || b.MinOutgoing > b.InitialOutgoing || b.InitialOutgoing > b.MaxOutgoing {
		errs = append(errs, fmt.Errorf("bitrate policy must satisfy 0 < min <= initial <= max"))
	}
	if b.ScaleFactor <= 0 || b.ScaleFactor > 1 {
		errs = append(errs, fmt.Errorf("bitrate scale factor must be in (0, 1]"))
	}
	if c.Rooms.MinSize < 1 || c.Rooms.MinSize > c.Rooms.MaxSize {
		errs = append(errs, fmt.Errorf("invalid room size bounds %d-%d", c.Rooms.MinSize, c.Rooms.MaxSize))
	}
	if c.Sessions.SweepInterval <= 0 || c.Sessions.Threshold <= 0 {
		errs = append(errs, errors.New("session sweep interval and threshold must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured log verbosity, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
