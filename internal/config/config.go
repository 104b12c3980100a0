package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"signalgw/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Session      SessionConfig      `yaml:"session"`
	Redis        RedisConfig        `yaml:"redis"`
	Database     DatabaseConfig     `yaml:"database"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Exports      ExportConfig       `yaml:"exports"`
	Inventory    InventoryConfig    `yaml:"inventory"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Google       GoogleConfig       `yaml:"google"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// GatewayConfig covers the peer-facing protocol endpoint.
type GatewayConfig struct {
	Port         int             `yaml:"port"`
	Path         string          `yaml:"path"`
	SystemID     string          `yaml:"system_id"`
	InstanceID   string          `yaml:"instance_id"`
	ReadLimit    int64           `yaml:"read_limit"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Users        []GatewayUser   `yaml:"users"`
	AllowOrigins []string        `yaml:"allow_origins"`
}

type GatewayUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SchedulerConfig struct {
	Workers         int           `yaml:"workers"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	Retention       time.Duration `yaml:"retention"`
	MaxRetryCount   int           `yaml:"max_retry_count"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	DeadLetterKey   string        `yaml:"dead_letter_key"`
}

type SubscriptionConfig struct {
	SupportedObjects []string      `yaml:"supported_objects"`
	PushInterval     time.Duration `yaml:"push_interval"`
	DeliverTimeout   time.Duration `yaml:"deliver_timeout"`
}

type SessionConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
	Backend  string        `yaml:"backend"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type DatabaseConfig struct {
	Path             string        `yaml:"path"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
	Backup           BackupConfig  `yaml:"backup"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
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

type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	HTTP      APIHTTPConfig   `yaml:"http"`
	GRPC      APIGRPCConfig   `yaml:"grpc"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
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

type ExportConfig struct {
	Path string `yaml:"path"`
}

type InventoryConfig struct {
	Path string `yaml:"path"`
}

// TelegramConfig configures the operator console bot.
type TelegramConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BotToken      string   `yaml:"bot_token"`
	APIEndpoint   string   `yaml:"api_endpoint"`
	Operators     []int64  `yaml:"operators"`
	AlertChats    []int64  `yaml:"alert_chats"`
	AlertStatuses []string `yaml:"alert_statuses"`
}

// GoogleConfig configures the task report spreadsheet.
type GoogleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CredentialsFile string        `yaml:"credentials_file"`
	SpreadsheetID   string        `yaml:"spreadsheet_id"`
	SheetName       string        `yaml:"sheet_name"`
	QueueKey        string        `yaml:"queue_key"`
	DeadLetterKey   string        `yaml:"dead_letter_key"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// Load reads the YAML config at configPath, expanding ${ENV} references.
// A .env file next to the working directory is loaded when present.
func Load(configPath string) (*Config, error) {
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
	if c.Gateway.SystemID == "" {
		return errors.New("gateway system_id is required")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("scheduler workers must be positive")
	}
	if c.Scheduler.Retention < c.Scheduler.MonitorInterval {
		return errors.New("scheduler retention must not be shorter than monitor_interval")
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Session.Backend == "redis" && c.Redis.Address == "" {
		return errors.New("session backend redis requires redis.address")
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram enabled but bot_token is empty")
	}
	if c.Google.Enabled && (c.Google.CredentialsFile == "" || c.Google.SpreadsheetID == "") {
		return errors.New("google enabled but credentials_file or spreadsheet_id is empty")
	}

	return ValidateUsers(c.Gateway.Users)
}

// ValidateUsers rejects empty and duplicate user names.
func ValidateUsers(users []GatewayUser) error {
	seen := make(map[string]bool)
	for _, u := range users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return errors.New("gateway user with empty name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate gateway user: %s", name)
		}
		seen[name] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "signalgw"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 9000
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/gateway"
	}
	if c.Gateway.ReadLimit == 0 {
		c.Gateway.ReadLimit = 1 << 20
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 2 * runtime.NumCPU()
	}
	if c.Scheduler.MonitorInterval == 0 {
		c.Scheduler.MonitorInterval = 30 * time.Second
	}
	if c.Scheduler.DefaultTimeout == 0 {
		c.Scheduler.DefaultTimeout = models.DefaultTaskTimeoutSeconds * time.Second
	}
	if c.Scheduler.Retention == 0 {
		c.Scheduler.Retention = models.DefaultTaskRetention
	}
	if c.Scheduler.RetryDelay == 0 {
		c.Scheduler.RetryDelay = 2 * time.Second
	}
	if c.Scheduler.RetryMaxDelay == 0 {
		c.Scheduler.RetryMaxDelay = time.Minute
	}
	if c.Scheduler.DeadLetterKey == "" {
		c.Scheduler.DeadLetterKey = "signalgw:sync:deadletter"
	}

	if len(c.Subscription.SupportedObjects) == 0 {
		c.Subscription.SupportedObjects = []string{
			models.ObjCrossState,
			models.ObjSyncTaskStatus,
			models.ObjSysInfo,
			models.ObjSignalControllerParam,
		}
	}
	if c.Subscription.PushInterval == 0 {
		c.Subscription.PushInterval = 5 * time.Second
	}
	if c.Subscription.DeliverTimeout == 0 {
		c.Subscription.DeliverTimeout = 5 * time.Second
	}

	if c.Session.TokenTTL == 0 {
		c.Session.TokenTTL = 30 * time.Minute
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
		if c.Redis.Address != "" {
			c.Session.Backend = "redis"
		}
	}

	if c.Database.Path == "" {
		c.Database.Path = "data/signalgw.db"
	}
	if c.Database.HistoryRetention == 0 {
		c.Database.HistoryRetention = 30 * 24 * time.Hour
	}
	if c.Database.PurgeInterval == 0 {
		c.Database.PurgeInterval = time.Hour
	}
	if c.Database.Backup.Interval == 0 {
		c.Database.Backup.Interval = 24 * time.Hour
	}
	if c.Database.Backup.StoragePath == "" {
		c.Database.Backup.StoragePath = "data/backups"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Inventory.Path == "" {
		c.Inventory.Path = "configs/controllers.yaml"
	}

	if len(c.Telegram.AlertStatuses) == 0 {
		c.Telegram.AlertStatuses = []string{string(models.SyncFailed), string(models.SyncTimeout)}
	}
	if c.Google.SheetName == "" {
		c.Google.SheetName = "SyncTasks"
	}
	if c.Google.QueueKey == "" {
		c.Google.QueueKey = "signalgw:report:queue"
	}
	if c.Google.DeadLetterKey == "" {
		c.Google.DeadLetterKey = "signalgw:report:deadletter"
	}
	if c.Google.MaxRetries == 0 {
		c.Google.MaxRetries = 5
	}
	if c.Google.RetryDelay == 0 {
		c.Google.RetryDelay = 2 * time.Second
	}
}
