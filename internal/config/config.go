package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"mealsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queues     QueuesConfig     `yaml:"queues"`
	Caldav     CaldavConfig     `yaml:"caldav"`
	Import     ImportConfig     `yaml:"import"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig selects the durable queue backend. An empty address runs the
// queues in memory.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type QueuesConfig struct {
	Import     QueueConfig `yaml:"import"`
	CaldavSync QueueConfig `yaml:"caldav_sync"`
}

type QueueConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
}

type CaldavConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	UserAgent      string        `yaml:"user_agent"`
}

// ImportConfig points at the recipe parser service that performs the actual import.
type ImportConfig struct {
	ParserURL string        `yaml:"parser_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values already in the environment win
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Security.EncryptionKey == "" {
		return errors.New("security.encryption_key is required")
	}
	if err := c.Queues.Import.validate("import"); err != nil {
		return err
	}
	if err := c.Queues.CaldavSync.validate("caldav_sync"); err != nil {
		return err
	}
	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		return errors.New("sweeper.schedule is required when the sweeper is enabled")
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth.api_keys must not be empty when auth is enabled")
	}
	return nil
}

func (q QueueConfig) validate(name string) error {
	if q.Concurrency < 1 {
		return fmt.Errorf("queues.%s.concurrency must be positive", name)
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("queues.%s.max_attempts must be positive", name)
	}
	if q.MaxDelay < q.BaseDelay {
		return fmt.Errorf("queues.%s.max_delay must not be below base_delay", name)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "mealsync"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "mealsync"
	}

	c.Queues.Import.applyDefaults(models.DefaultImportAttempts, models.DefaultImportBaseDelay, models.DefaultImportMaxDelay)
	c.Queues.CaldavSync.applyDefaults(models.DefaultSyncAttempts, models.DefaultSyncBaseDelay, models.DefaultSyncMaxDelay)

	if c.Caldav.Timeout == 0 {
		c.Caldav.Timeout = models.DefaultCaldavTimeout
	}
	if c.Caldav.RateLimitRPS == 0 {
		c.Caldav.RateLimitRPS = 5
	}
	if c.Caldav.RateLimitBurst == 0 {
		c.Caldav.RateLimitBurst = 10
	}
	if c.Caldav.UserAgent == "" {
		c.Caldav.UserAgent = c.App.Name
	}
	if c.Import.Timeout == 0 {
		c.Import.Timeout = 2 * time.Minute
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "@every 30m"
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

func (q *QueueConfig) applyDefaults(attempts int, base, ceiling time.Duration) {
	if q.Concurrency == 0 {
		q.Concurrency = 2
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = attempts
	}
	if q.BaseDelay == 0 {
		q.BaseDelay = base
	}
	if q.MaxDelay == 0 {
		q.MaxDelay = ceiling
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = 5 * time.Minute
	}
	if q.PollInterval == 0 {
		q.PollInterval = time.Second
	}
	if q.Retention == 0 {
		q.Retention = models.DefaultJobRetention
	}
}
