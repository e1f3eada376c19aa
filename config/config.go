package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Provider  ProviderConfig  `mapstructure:"provider"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	History   HistoryConfig   `mapstructure:"history"`
	Log       LogConfig       `mapstructure:"log"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

// ProviderConfig describes the external market-data API.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `mapstructure:"max_calls_per_minute"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	TopCoins int           `mapstructure:"top_coins"`
	Currency string        `mapstructure:"currency"`
}

type ServerConfig struct {
	TCPPort           int           `mapstructure:"tcp_port"`
	UDPPort           int           `mapstructure:"udp_port"`
	HTTPPort          int           `mapstructure:"http_port"`
	AuthTokens        []string      `mapstructure:"auth_tokens"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxAuthFailures   int           `mapstructure:"max_auth_failures"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type HistoryConfig struct {
	RetentionDays    int  `mapstructure:"retention_days"`
	MaxPointsPerCoin int  `mapstructure:"max_points_per_coin"`
	UsePostgres      bool `mapstructure:"use_postgres"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	setDefaults(v)

	// Support environment variables with dot notation (e.g., PROVIDER_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("provider.timeout", "10s")

	v.SetDefault("ratelimit.max_calls_per_minute", 30)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.top_coins", 50)
	v.SetDefault("scheduler.currency", "usd")

	v.SetDefault("server.tcp_port", 9000)
	v.SetDefault("server.udp_port", 9001)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.idle_timeout", "90s")
	v.SetDefault("server.max_auth_failures", 3)
	v.SetDefault("server.send_queue_size", 256)
	v.SetDefault("server.heartbeat_interval", "30s")

	v.SetDefault("history.retention_days", 30)
	v.SetDefault("history.max_points_per_coin", 1000)
	v.SetDefault("history.use_postgres", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")
}
