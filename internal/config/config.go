package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RealtimeSourcePostgres = "postgres"
	RealtimeSourceInProc   = "inproc"
)

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RealtimeConfig struct {
	Source           string        `mapstructure:"source"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

type RetentionConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	ReadAfter   time.Duration `mapstructure:"read_after"`
	UnreadAfter time.Duration `mapstructure:"unread_after"`
}

// SyncConfig tunes the client-side inbox engine.
type SyncConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	Email                string        `mapstructure:"email"`
	PollBaseInterval     time.Duration `mapstructure:"poll_base_interval"`
	PollMaxInterval      time.Duration `mapstructure:"poll_max_interval"`
	PollBackoffThreshold int           `mapstructure:"poll_backoff_threshold"`
	PollJitter           float64       `mapstructure:"poll_jitter"`
	PollLimit            int           `mapstructure:"poll_limit"`
	FreshnessWindow      time.Duration `mapstructure:"freshness_window"`
	MutationGrace        time.Duration `mapstructure:"mutation_grace"`
	RefreshThreshold     time.Duration `mapstructure:"refresh_threshold"`
	RefreshAttempts      int           `mapstructure:"refresh_attempts"`
}

type Config struct {
	DatabaseURL string          `mapstructure:"database_url"`
	ServerPort  string          `mapstructure:"server_port"`
	JWTSecret   string          `mapstructure:"jwt_secret"`
	LogLevel    string          `mapstructure:"log_level"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Realtime    RealtimeConfig  `mapstructure:"realtime"`
	Retention   RetentionConfig `mapstructure:"retention"`
	Sync        SyncConfig      `mapstructure:"sync"`
}

// Load reads config.yaml from the current directory or ./config, applies
// BEACON_* environment overrides and validates the server settings.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file; an empty path searches the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret must be set in the config file or BEACON_JWT_SECRET")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url must be set")
	}
	switch cfg.Realtime.Source {
	case RealtimeSourcePostgres, RealtimeSourceInProc:
	default:
		return nil, fmt.Errorf("unknown realtime source %q", cfg.Realtime.Source)
	}
	return cfg, nil
}

// LoadClient reads the same sources as Load but only validates what the
// inbox watcher needs.
func LoadClient(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Sync.BaseURL) == "" {
		return nil, errors.New("sync.base_url must be set")
	}
	if cfg.Sync.PollMaxInterval < cfg.Sync.PollBaseInterval {
		return nil, fmt.Errorf("sync.poll_max_interval %s is below poll_base_interval %s", cfg.Sync.PollMaxInterval, cfg.Sync.PollBaseInterval)
	}
	if cfg.Sync.PollJitter < 0 || cfg.Sync.PollJitter > 1 {
		return nil, fmt.Errorf("sync.poll_jitter must be within [0,1], got %v", cfg.Sync.PollJitter)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BEACON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Look for config in the current directory and ./config
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("auth.token_ttl", 15*time.Minute)

	v.SetDefault("realtime.source", RealtimeSourcePostgres)
	v.SetDefault("realtime.subscriber_buffer", 32)
	v.SetDefault("realtime.ping_interval", 30*time.Second)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.read_after", 30*24*time.Hour)
	v.SetDefault("retention.unread_after", 90*24*time.Hour)

	v.SetDefault("sync.base_url", "")
	v.SetDefault("sync.email", "")
	v.SetDefault("sync.poll_base_interval", 60*time.Second)
	v.SetDefault("sync.poll_max_interval", 120*time.Second)
	v.SetDefault("sync.poll_backoff_threshold", 5)
	v.SetDefault("sync.poll_jitter", 0.0)
	v.SetDefault("sync.poll_limit", 50)
	v.SetDefault("sync.freshness_window", 5*time.Minute)
	v.SetDefault("sync.mutation_grace", 10*time.Second)
	v.SetDefault("sync.refresh_threshold", 5*time.Minute)
	v.SetDefault("sync.refresh_attempts", 3)
}
