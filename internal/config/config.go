package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Databases    DatabasesConfig `mapstructure:"databases"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Migration    MigrationConfig `mapstructure:"migration"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type DatabasesConfig struct {
	Legacy DatabaseConnection `mapstructure:"legacy"`
	Target DatabaseConnection `mapstructure:"target"`
}

type DatabaseConnection struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // "mysql" or "memory"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type MigrationConfig struct {
	Domains      []string `mapstructure:"domains"`
	ChunkSize    int      `mapstructure:"chunk_size"`
	SkipLimit    int      `mapstructure:"skip_limit"`
	RetryLimit   int      `mapstructure:"retry_limit"`
	StaleRunning string   `mapstructure:"stale_running_timeout"`
}

// GetStaleRunningTimeout is how long a RUNNING checkpoint may go without
// progress before a new trigger is allowed to take it over.
func (m MigrationConfig) GetStaleRunningTimeout() time.Duration {
	d, err := time.ParseDuration(m.StaleRunning)
	if err != nil {
		return 0
	}
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MIGRATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("migration.chunk_size", 500)
	v.SetDefault("migration.skip_limit", 100)
	v.SetDefault("migration.retry_limit", 3)
	v.SetDefault("migration.stale_running_timeout", "30m")
	v.SetDefault("state_storage.type", "mysql")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Migration.ChunkSize <= 0 {
		return nil, fmt.Errorf("migration.chunk_size must be positive")
	}

	return &cfg, nil
}
