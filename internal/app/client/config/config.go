package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

const (
	defaultServerAddress = "localhost:8080"
	defaultEnv           = EnvLocal
	defaultConfigDir     = ".possync"
	defaultSyncInterval  = 30
	defaultBatchSize     = 100
	defaultMaxRetries    = 10
	defaultBackoffBase   = 5 * time.Second
	defaultBackoffMax    = 300 * time.Second
	defaultBatchTimeout  = 60 * time.Second
	defaultProbeInterval = 10
)

type Config struct {
	Env           string `mapstructure:"app_env"`
	ServerAddress string `mapstructure:"server_address"`
	EnableTLS     bool   `mapstructure:"enable_tls"`
	ConfigDir     string `mapstructure:"config_dir"`
	TokenPath     string `mapstructure:"token_path"`
	// DataPath файл SQLite с очередью операций и локальными сущностями
	DataPath string `mapstructure:"data_path"`
	LogFile  string `mapstructure:"log_file"`

	// DeviceID пустое значение: id генерируется при первом запуске и хранится в базе
	DeviceID string `mapstructure:"device_id"`
	UserID   string `mapstructure:"user_id"`

	Sync SyncConfig
}

// SyncConfig параметры оркестратора и очереди
type SyncConfig struct {
	Interval      time.Duration
	BatchSize     int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BatchTimeout  time.Duration
	ProbeInterval time.Duration
}

var (
	ErrEmptyServerAddress = errors.New("server_address не может быть пустым")
	ErrInvalidBatchSize   = errors.New("sync_batch_size должен быть от 1 до 1000")
	ErrInvalidBackoff     = errors.New("backoff_base должен быть положительным и не больше backoff_max")
)

// MustLoad загружает конфигурацию клиента
func MustLoad() *Config {
	// .env ищем рядом с местом запуска, затем уровнем выше
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = "../.env"
	}

	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			fmt.Printf("Ошибка загрузки .env файла: %v\n", err)
		}
	}

	cfg, err := Load(viper.New())
	if err != nil {
		panic(fmt.Sprintf("Ошибка конфигурации: %v", err))
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0700); err != nil {
		fmt.Printf("Ошибка создания директории конфигурации: %v\n", err)
	}
	return cfg
}

// Load читает конфигурацию из окружения через переданный экземпляр viper
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", defaultEnv)
	v.SetDefault("SERVER_ADDRESS", defaultServerAddress)
	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("CONFIG_DIR", defaultConfigDir)
	v.SetDefault("SYNC_INTERVAL_SECONDS", defaultSyncInterval)
	v.SetDefault("SYNC_BATCH_SIZE", defaultBatchSize)
	v.SetDefault("MAX_RETRIES", defaultMaxRetries)
	v.SetDefault("BACKOFF_BASE", defaultBackoffBase)
	v.SetDefault("BACKOFF_MAX", defaultBackoffMax)
	v.SetDefault("BATCH_TIMEOUT", defaultBatchTimeout)
	v.SetDefault("PROBE_INTERVAL_SECONDS", defaultProbeInterval)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	configDir := v.GetString("CONFIG_DIR")
	if configDir == defaultConfigDir {
		configDir = filepath.Join(homeDir, configDir)
	}

	dataPath := v.GetString("DATA_PATH")
	if dataPath == "" {
		dataPath = filepath.Join(configDir, "possync.db")
	}

	cfg := &Config{
		Env:           v.GetString("APP_ENV"),
		ServerAddress: v.GetString("SERVER_ADDRESS"),
		EnableTLS:     v.GetBool("ENABLE_TLS"),
		ConfigDir:     configDir,
		TokenPath:     filepath.Join(configDir, "token"),
		DataPath:      dataPath,
		LogFile:       v.GetString("LOG_FILE"),
		DeviceID:      v.GetString("DEVICE_ID"),
		UserID:        v.GetString("USER_ID"),
		Sync: SyncConfig{
			Interval:      time.Duration(v.GetInt("SYNC_INTERVAL_SECONDS")) * time.Second,
			BatchSize:     v.GetInt("SYNC_BATCH_SIZE"),
			MaxRetries:    v.GetInt("MAX_RETRIES"),
			BackoffBase:   v.GetDuration("BACKOFF_BASE"),
			BackoffMax:    v.GetDuration("BACKOFF_MAX"),
			BatchTimeout:  v.GetDuration("BATCH_TIMEOUT"),
			ProbeInterval: time.Duration(v.GetInt("PROBE_INTERVAL_SECONDS")) * time.Second,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return ErrEmptyServerAddress
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > 1000 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Sync.BatchSize)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffBase > c.Sync.BackoffMax {
		return fmt.Errorf("%w: %s/%s", ErrInvalidBackoff, c.Sync.BackoffBase, c.Sync.BackoffMax)
	}

	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = defaultMaxRetries
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = defaultSyncInterval * time.Second
	}
	if c.Sync.BatchTimeout <= 0 {
		c.Sync.BatchTimeout = defaultBatchTimeout
	}
	if c.Sync.ProbeInterval <= 0 {
		c.Sync.ProbeInterval = defaultProbeInterval * time.Second
	}
	return nil
}

// BaseURL адрес сервера со схемой
func (c *Config) BaseURL() string {
	if c.EnableTLS {
		return "https://" + c.ServerAddress
	}
	return "http://" + c.ServerAddress
}

// IsProd проверяет, prod ли окружение
func (c *Config) IsProd() bool {
	return c.Env == EnvProd
}

// IsLocal проверяет, local ли окружение
func (c *Config) IsLocal() bool {
	return c.Env == EnvLocal || c.Env == ""
}
