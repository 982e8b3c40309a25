package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

const (
	defaultRunAddress     = ":8080"
	defaultMigrationsPath = "migrations"
	defaultConflictPolicy = "server_wins"
	defaultMaxBatchSize   = 100
	defaultBatchTimeout   = 60 * time.Second
	defaultDeltaOverlap   = 5 * time.Second
	devSecret             = "possync-dev-secret"
)

type Config struct {
	Env    string
	DB     DBConfig
	Server ServerConfig
	Auth   AuthConfig
	Sync   SyncConfig
	NATS   NATSConfig
}

type DBConfig struct {
	// DatabaseURI пустой адрес включает хранилище в памяти
	DatabaseURI string `env:"DATABASE_URI"`
	Migrations  string `env:"MIGRATIONS_PATH"`
}

type ServerConfig struct {
	RunAddress   string        `env:"RUN_ADDRESS"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type SyncConfig struct {
	ConflictPolicy string        `env:"CONFLICT_POLICY"`
	MaxBatchSize   int           `env:"MAX_BATCH_SIZE"`
	DeltaOverlap   time.Duration `env:"DELTA_OVERLAP"`
}

type NATSConfig struct {
	URL string `env:"NATS_URL"`
}

var (
	ErrInvalidPolicy    = errors.New("invalid conflict policy")
	ErrInvalidBatchSize = errors.New("invalid max batch size")
	ErrMissingSecret    = errors.New("JWT_SECRET is required in prod")
)

// MustLoad загружает конфигурацию и завершает процесс при ошибке
func MustLoad() *Config {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Load(viper.New())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load читает конфигурацию из окружения через переданный экземпляр viper
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", defaultRunAddress)
	v.SetDefault("migrations_path", defaultMigrationsPath)
	v.SetDefault("conflict_policy", defaultConflictPolicy)
	v.SetDefault("max_batch_size", defaultMaxBatchSize)
	v.SetDefault("batch_timeout", defaultBatchTimeout)
	v.SetDefault("delta_overlap", defaultDeltaOverlap)

	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: DBConfig{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server: ServerConfig{
			RunAddress:   v.GetString("run_address"),
			BatchTimeout: v.GetDuration("batch_timeout"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("jwt_secret"),
		},
		Sync: SyncConfig{
			ConflictPolicy: strings.ToLower(v.GetString("conflict_policy")),
			MaxBatchSize:   v.GetInt("max_batch_size"),
			DeltaOverlap:   v.GetDuration("delta_overlap"),
		},
		NATS: NATSConfig{
			URL: v.GetString("nats_url"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Sync.ConflictPolicy {
	case "server_wins", "client_wins":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Sync.ConflictPolicy)
	}

	if c.Sync.MaxBatchSize <= 0 || c.Sync.MaxBatchSize > 1000 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Sync.MaxBatchSize)
	}

	if c.Auth.JWTSecret == "" {
		if c.Env == EnvProd {
			return ErrMissingSecret
		}
		c.Auth.JWTSecret = devSecret
	}

	if c.Server.BatchTimeout <= 0 {
		c.Server.BatchTimeout = defaultBatchTimeout
	}
	return nil
}
