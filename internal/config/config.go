package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend     BackendConfig
	Poll        PollConfig
	Database    DatabaseConfig
	Storage     StorageConfig
	Maintenance MaintenanceConfig
}

type BackendConfig struct {
	BaseURL         string
	APIToken        string
	RequestTimeout  time.Duration
	WaitTimeout     time.Duration // server-side long-wait deadline
	WaitGrace       time.Duration // client deadline = WaitTimeout + WaitGrace
	DownloadRetries int
}

type PollConfig struct {
	Interval               time.Duration
	MaxAttempts            int
	MaxConsecutiveFailures int
	ExpiredCacheSize       int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
	PresignExpiry   time.Duration
}

// Enabled reports whether local uploads should go through object storage.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

type MaintenanceConfig struct {
	Cron             string
	HistoryRetention time.Duration
	ExpiredTTL       time.Duration
}

const appDirName = "meetaudio"

// Load reads configuration from defaults, an optional yaml file and the
// environment, in increasing priority. An empty path searches the working
// directory and the user config directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEETAUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for parity with existing deployments
	_ = v.BindEnv("database.url", "MEETAUDIO_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("database.log_level", "MEETAUDIO_DATABASE_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("backend.api_token", "MEETAUDIO_BACKEND_API_TOKEN", "MEETAUDIO_API_TOKEN")
	_ = v.BindEnv("storage.access_key_id", "MEETAUDIO_STORAGE_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "MEETAUDIO_STORAGE_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, appDirName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Backend: BackendConfig{
			BaseURL:         strings.TrimRight(v.GetString("backend.base_url"), "/"),
			APIToken:        v.GetString("backend.api_token"),
			RequestTimeout:  v.GetDuration("backend.request_timeout"),
			WaitTimeout:     v.GetDuration("backend.wait_timeout"),
			WaitGrace:       v.GetDuration("backend.wait_grace"),
			DownloadRetries: v.GetInt("backend.download_retries"),
		},
		Poll: PollConfig{
			Interval:               v.GetDuration("poll.interval"),
			MaxAttempts:            v.GetInt("poll.max_attempts"),
			MaxConsecutiveFailures: v.GetInt("poll.max_consecutive_failures"),
			ExpiredCacheSize:       v.GetInt("poll.expired_cache_size"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LogLevel:        strings.ToLower(v.GetString("database.log_level")),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			PublicURL:       strings.TrimRight(v.GetString("storage.public_url"), "/"),
			PresignExpiry:   v.GetDuration("storage.presign_expiry"),
		},
		Maintenance: MaintenanceConfig{
			Cron:             v.GetString("maintenance.cron"),
			HistoryRetention: v.GetDuration("maintenance.history_retention"),
			ExpiredTTL:       v.GetDuration("maintenance.expired_ttl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.api_token", "")
	v.SetDefault("backend.request_timeout", 30*time.Second)
	v.SetDefault("backend.wait_timeout", 1800*time.Second)
	v.SetDefault("backend.wait_grace", 60*time.Second)
	v.SetDefault("backend.download_retries", 3)

	// 900 x 2s is roughly thirty minutes of polling
	v.SetDefault("poll.interval", 2*time.Second)
	v.SetDefault("poll.max_attempts", 900)
	v.SetDefault("poll.max_consecutive_failures", 10)
	v.SetDefault("poll.expired_cache_size", 256)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.presign_expiry", 2*time.Hour)

	v.SetDefault("maintenance.cron", "*/5 * * * *")
	v.SetDefault("maintenance.history_retention", time.Hour)
	v.SetDefault("maintenance.expired_ttl", 24*time.Hour)
}

// Validate rejects configurations the pollers and clients cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	}
	if c.Backend.WaitTimeout <= 0 {
		problems = append(problems, "backend.wait_timeout must be positive")
	}
	if c.Poll.Interval <= 0 {
		problems = append(problems, "poll.interval must be positive")
	}
	if c.Poll.MaxAttempts <= 0 {
		problems = append(problems, "poll.max_attempts must be positive")
	}
	if c.Poll.MaxConsecutiveFailures <= 0 {
		problems = append(problems, "poll.max_consecutive_failures must be positive")
	}
	if c.Poll.ExpiredCacheSize <= 0 {
		problems = append(problems, "poll.expired_cache_size must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
