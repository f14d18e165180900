package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Cache      CacheConfig      `yaml:"cache"`
	Backend    BackendConfig    `yaml:"backend"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Datasets   DatasetsConfig   `yaml:"datasets"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// RabbitMQConfig holds the dispatch queue configuration
type RabbitMQConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	Exchange          string        `yaml:"exchange"`
	ExchangeType      string        `yaml:"exchange_type"`
	Queue             string        `yaml:"queue"`
	RoutingKey        string        `yaml:"routing_key"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	PrefetchCount     int           `yaml:"prefetch_count"`
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

// CacheConfig holds the config/routing cache TTLs
type CacheConfig struct {
	ClientConfigTTL time.Duration `yaml:"client_config_ttl"`
	RoutingTTL      time.Duration `yaml:"routing_ttl"`
}

// BackendConfig holds execution cluster settings
type BackendConfig struct {
	ClusterAddress   string        `yaml:"cluster_address"`
	EntrypointPath   string        `yaml:"entrypoint_path"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	LocalRunDuration time.Duration `yaml:"local_run_duration"`
}

// DispatcherConfig holds dispatch pool and status poller settings
type DispatcherConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProxyConfig holds inference proxy settings
type ProxyConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatasetsConfig holds dataset upload storage settings
type DatasetsConfig struct {
	DataDir       string `yaml:"data_dir"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPI checks the configuration required by the API service
func (c *Config) ValidateAPI() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Proxy.RequestTimeout <= 0 {
		return fmt.Errorf("proxy request_timeout must be greater than 0")
	}

	if c.Datasets.DataDir == "" {
		return fmt.Errorf("datasets data_dir is required")
	}

	return nil
}

// ValidateDispatcher checks the configuration required by the dispatcher service
func (c *Config) ValidateDispatcher() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher concurrency must be greater than 0")
	}

	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher poll_interval must be greater than 0")
	}

	if c.Dispatcher.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatcher dispatch_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Backend.ClusterAddress == "" {
		return fmt.Errorf("backend cluster_address is required")
	}

	if c.Backend.EntrypointPath == "" {
		return fmt.Errorf("backend entrypoint_path is required")
	}

	if c.Backend.SubmitTimeout <= 0 {
		return fmt.Errorf("backend submit_timeout must be greater than 0")
	}

	if c.Cache.ClientConfigTTL <= 0 || c.Cache.RoutingTTL <= 0 {
		return fmt.Errorf("cache TTLs must be greater than 0")
	}

	return nil
}
