package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	QMT         QMTConfig       `mapstructure:"qmt"`
	Download    DownloadConfig  `mapstructure:"download"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QMTConfig describes how to reach the local native-data sidecar.
type QMTConfig struct {
	ServiceURL string `mapstructure:"service_url"`
	Timeout    int    `mapstructure:"timeout"`
}

// DownloadConfig tunes the incremental download engine. The defaults mirror
// the behavior observed against the production native client: small probe
// batches, a one-day overlap on incremental ranges, and a quarterly staleness
// window for financial statements.
type DownloadConfig struct {
	ProbeBatchSize      int     `mapstructure:"probe_batch_size"`
	OverlapDays         int     `mapstructure:"overlap_days"`
	HistoryCheckYears   int     `mapstructure:"history_check_years"`
	FinancialStaleDays  int     `mapstructure:"financial_stale_days"`
	FinancialMinRecords int     `mapstructure:"financial_min_records"`
	FinancialBatchSize  int     `mapstructure:"financial_batch_size"`
	FinancialTimeout    string  `mapstructure:"financial_timeout"`
	MaxRetries          int     `mapstructure:"max_retries"`
	RetryBackoffFactor  float64 `mapstructure:"retry_backoff_factor"`
	BatchDelay          string  `mapstructure:"batch_delay"`
	PollInterval        string  `mapstructure:"poll_interval"`
}

type SchedulerConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Interval         string   `mapstructure:"interval"`
	KlineEnabled     bool     `mapstructure:"kline_enabled"`
	KlinePeriods     []string `mapstructure:"kline_periods"`
	KlineSectors     []string `mapstructure:"kline_sectors"`
	FinancialEnabled bool     `mapstructure:"financial_enabled"`
	FinancialSectors []string `mapstructure:"financial_sectors"`
	FinancialTables  []string `mapstructure:"financial_tables"`
	StateFile        string   `mapstructure:"state_file"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the download engine cannot run with.
func (c *Config) Validate() error {
	if c.Download.ProbeBatchSize <= 0 {
		return fmt.Errorf("download.probe_batch_size must be positive, got %d", c.Download.ProbeBatchSize)
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative, got %d", c.Download.MaxRetries)
	}
	if c.Download.RetryBackoffFactor < 1.0 {
		return fmt.Errorf("download.retry_backoff_factor must be >= 1.0, got %v", c.Download.RetryBackoffFactor)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"download.batch_delay", c.Download.BatchDelay},
		{"download.poll_interval", c.Download.PollInterval},
		{"download.financial_timeout", c.Download.FinancialTimeout},
		{"scheduler.interval", c.Scheduler.Interval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field.name, err)
		}
	}
	return nil
}

// DurationOr parses s as a duration, falling back to def when unset or invalid.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Database (run history, optional)
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "qmt_bridge")
	viper.SetDefault("database.sslmode", "disable")

	// Redis (query-path response cache, optional)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// QMT sidecar
	viper.SetDefault("qmt.service_url", "http://127.0.0.1:58610")
	viper.SetDefault("qmt.timeout", 30)

	// Download engine
	viper.SetDefault("download.probe_batch_size", 200)
	viper.SetDefault("download.overlap_days", 1)
	viper.SetDefault("download.history_check_years", 3)
	viper.SetDefault("download.financial_stale_days", 90)
	viper.SetDefault("download.financial_min_records", 8)
	viper.SetDefault("download.financial_batch_size", 20)
	viper.SetDefault("download.financial_timeout", "120s")
	viper.SetDefault("download.max_retries", 2)
	viper.SetDefault("download.retry_backoff_factor", 1.5)
	viper.SetDefault("download.batch_delay", "200ms")
	viper.SetDefault("download.poll_interval", "100ms")

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.interval", "24h")
	viper.SetDefault("scheduler.kline_enabled", true)
	viper.SetDefault("scheduler.kline_periods", []string{"1d", "5m"})
	viper.SetDefault("scheduler.kline_sectors", []string{"沪深A股", "沪深ETF", "沪深指数"})
	viper.SetDefault("scheduler.financial_enabled", true)
	viper.SetDefault("scheduler.financial_sectors", []string{"沪深A股"})
	viper.SetDefault("scheduler.financial_tables", []string{"Balance", "Income", "CashFlow"})
	viper.SetDefault("scheduler.state_file", "download_state.json")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.otlp_endpoint", "")
}
