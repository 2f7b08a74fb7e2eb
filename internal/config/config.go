package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/strategy"
)

type Config struct {
	DBDriver         string        `yaml:"db_driver"`
	DBUser           string        `yaml:"db_user"`
	DBPassword       string        `yaml:"db_password"`
	DBHost           string        `yaml:"db_host"`
	DBPort           string        `yaml:"db_port"`
	DBName           string        `yaml:"db_name"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`

	Strategy            string `yaml:"strategy"`
	Drivers             int    `yaml:"drivers"`
	CPUIntensiveWorkers int    `yaml:"cpu_intensive_workers"`
	IOWorkers           int    `yaml:"io_workers"`
	BlockingWorkers     int    `yaml:"blocking_workers"`
	QueueSize           int    `yaml:"queue_size"`
	MaxConcurrency      int    `yaml:"max_concurrency"`
	Saturation          string `yaml:"saturation"`

	HTTPAddr       string        `yaml:"http_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	LogProd        bool          `yaml:"log_prod"`
}

func defaults() *Config {
	return &Config{
		DBDriver:            "mysql",
		DBUser:              "root",
		DBPassword:          "testpass",
		DBHost:              "localhost",
		DBPort:              "3306",
		DBName:              "eventdb",
		MaxRetries:          3,
		RetryBaseBackoff:    20 * time.Millisecond,
		Strategy:            strategy.NameProactor,
		Drivers:             2,
		CPUIntensiveWorkers: 4,
		IOWorkers:           16,
		BlockingWorkers:     16,
		QueueSize:           1000,
		MaxConcurrency:      256,
		Saturation:          pipeline.Block.String(),
		HTTPAddr:            ":8080",
		RequestTimeout:      30 * time.Second,
		MetricsEnabled:      true,
	}
}

// Load builds the configuration from defaults overridden by environment
// variables.
func Load() *Config {
	c := defaults()
	c.applyEnv()
	return c
}

// LoadFile reads a YAML document over the defaults, then applies the
// environment on top. Durations are written the way time.ParseDuration
// accepts them, e.g. "20ms".
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := defaults()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DBUser = getEnv("MYSQL_USER", c.DBUser)
	c.DBPassword = getEnv("MYSQL_ROOT_PASSWORD", c.DBPassword)
	c.DBHost = getEnv("MYSQL_HOST", c.DBHost)
	c.DBPort = getEnv("MYSQL_PORT", c.DBPort)
	c.DBName = getEnv("MYSQL_DATABASE", c.DBName)
	c.MaxRetries = getEnvInt("MAX_RETRIES", c.MaxRetries)
	c.RetryBaseBackoff = getEnvDuration("RETRY_BASE_BACKOFF_MS", c.RetryBaseBackoff)

	c.Strategy = getEnv("PROCESSING_STRATEGY", c.Strategy)
	c.Drivers = getEnvInt("DRIVER_COUNT", c.Drivers)
	c.CPUIntensiveWorkers = getEnvInt("CPU_INTENSIVE_WORKERS", c.CPUIntensiveWorkers)
	c.IOWorkers = getEnvInt("IO_WORKERS", c.IOWorkers)
	c.BlockingWorkers = getEnvInt("BLOCKING_WORKERS", c.BlockingWorkers)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)
	c.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", c.MaxConcurrency)
	c.Saturation = getEnv("SATURATION_POLICY", c.Saturation)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT_MS", c.RequestTimeout)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)
	c.LogProd = getEnv("LOG_MODE", "") == "prod" || c.LogProd
}

// Validate reports settings no component can run with.
func (c *Config) Validate() error {
	if _, err := pipeline.ParseSaturationPolicy(c.Saturation); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Strategy == "" {
		return fmt.Errorf("config: strategy must be set")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// DataSource returns the data source name for DBDriver. SQLite takes DBName
// as the database file.
func (c *Config) DataSource() string {
	if c.DBDriver == "sqlite3" {
		return c.DBName
	}
	return c.DSN()
}

// StrategyConfig sizes the pools of the built-in strategies. An unknown
// saturation policy falls back to blocking.
func (c *Config) StrategyConfig() strategy.Config {
	policy, err := pipeline.ParseSaturationPolicy(c.Saturation)
	if err != nil {
		policy = pipeline.Block
	}
	return strategy.Config{
		Drivers:             c.Drivers,
		CPUIntensiveWorkers: c.CPUIntensiveWorkers,
		IOWorkers:           c.IOWorkers,
		BlockingWorkers:     c.BlockingWorkers,
		QueueSize:           c.QueueSize,
		MaxConcurrency:      c.MaxConcurrency,
		Saturation:          policy,
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return fallback
}
