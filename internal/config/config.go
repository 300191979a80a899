package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	RateLimit  RateLimit     `mapstructure:"rate_limit"`

	Media     Media     `mapstructure:"media"`
	Recording Recording `mapstructure:"recording"`
	Storage   Storage   `mapstructure:"storage"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// RateLimit bounds register and call attempts per connection.
type RateLimit struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

type Media struct {
	Engine     string   `mapstructure:"engine"`
	KurentoURL string   `mapstructure:"kurento_url"`
	ICEServers []string `mapstructure:"ice_servers"`
}

type Recording struct {
	Path         string        `mapstructure:"path"`
	URIBase      string        `mapstructure:"uri_base"`
	MinBytes     int64         `mapstructure:"min_bytes"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	MediaTimeout time.Duration `mapstructure:"media_timeout"`
}

type Storage struct {
	Driver        string `mapstructure:"driver"`
	LocalDir      string `mapstructure:"local_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	S3            S3     `mapstructure:"s3"`
}

type S3 struct {
	Bucket    string        `mapstructure:"bucket"`
	Region    string        `mapstructure:"region"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Endpoint  string        `mapstructure:"endpoint"`
	SignedTTL time.Duration `mapstructure:"signed_ttl"`
}

type Telemetry struct {
	SentryDSN string `mapstructure:"sentry_dsn"`
}

func (c *Config) Production() bool { return c.Mode == "release" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "recorder-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("rate_limit.attempts", 10)
	v.SetDefault("rate_limit.interval", "10s")

	v.SetDefault("media.engine", "pion")
	v.SetDefault("media.kurento_url", "ws://localhost:8888/kurento")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("recording.path", "/tmp/kurento")
	v.SetDefault("recording.uri_base", "file:///tmp/kurento")
	v.SetDefault("recording.min_bytes", 1024)
	v.SetDefault("recording.poll_interval", "200ms")
	v.SetDefault("recording.poll_timeout", "10s")
	v.SetDefault("recording.media_timeout", "30s")

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "./recordings")
	v.SetDefault("storage.public_base_url", "http://localhost:8080/recordings")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.signed_ttl", "600s")

	v.SetDefault("telemetry.sentry_dsn", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml, or path when it is not
// empty. RECORDER_* environment variables override file values, e.g.
// RECORDER_STORAGE_S3_BUCKET.
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads the config like Load and applies log_level changes of the
// file while the process runs.
func Watch(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		lvl, err := zerolog.ParseLevel(v.GetString("log_level"))
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("bad log_level")
			return
		}
		zerolog.SetGlobalLevel(lvl)
		log.Info().Str("module", "config").Str("level", lvl.String()).Msg("log level reloaded")
	})
	v.WatchConfig()
	return cfg, nil
}

func read(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("RECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("config loaded")
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	switch cfg.Media.Engine {
	case "pion", "kurento":
	default:
		return nil, fmt.Errorf("unknown media.engine %q", cfg.Media.Engine)
	}
	switch cfg.Storage.Driver {
	case "local", "s3":
	default:
		return nil, fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "s3" && cfg.Storage.S3.Bucket == "" {
		return nil, fmt.Errorf("storage.s3.bucket is required")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("engine", cfg.Media.Engine).Str("storage", cfg.Storage.Driver).Msg("config")
	return &cfg, nil
}
