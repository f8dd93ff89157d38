// Package config loads the vault configuration once at startup.
//
// Values come from an optional YAML file, then environment variables, which
// win. A .env file in the working directory is loaded into the environment
// first when present. The resulting Config is passed explicitly to every
// component that needs it; nothing reads configuration lazily.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full vault configuration.
type Config struct {
	Server   Server         `yaml:"server"`
	CIS      CIS            `yaml:"cis"`
	Store    StoreConfig    `yaml:"store"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	AuthSigningKey  string        `yaml:"auth_signing_key"`
	LogLevel        string        `yaml:"log_level"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CIS holds the toggles of the change integration service namespace.
type CIS struct {
	VerifyPublishers bool `yaml:"verify_publishers"`
	VerifySignatures bool `yaml:"verify_signatures"`
	// Transactions selects guarded multi-item transactions over direct writes.
	Transactions    bool   `yaml:"transactions"`
	SigningIdentity string `yaml:"signing_identity"`
	// PublisherKeys maps a publisher name to its HMAC signing key.
	PublisherKeys map[string]string `yaml:"publisher_keys"`
	// PublisherRules maps an attribute to the publishers allowed to assert it.
	PublisherRules map[string][]string `yaml:"publisher_rules"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Table   string `yaml:"table"`
}

type DynamoDBConfig struct {
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	CreateTable bool   `yaml:"create_table"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// TxRetries bounds optimistic-lock retries inside one transaction.
	TxRetries int `yaml:"tx_retries"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Enabled reports whether change notifications should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			LogLevel:        "info",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		CIS: CIS{
			Transactions:    true,
			SigningIdentity: "cis",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Table:   "identity-vault",
		},
		DynamoDB: DynamoDBConfig{Region: "us-west-2"},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			TxRetries:    5,
		},
		Kafka: KafkaConfig{ClientID: "identity-vault"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if err := LoadEnvFile(); err != nil {
		return nil, err
	}
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFile loads the given dotenv files, or ".env", without overriding
// variables already set. Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	if c.Store.Table == "" {
		return errors.New("config: store table is required")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("config: postgres backend requires a dsn")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("config: redis backend requires a url")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.CIS.VerifySignatures && len(c.CIS.PublisherKeys) == 0 {
		return errors.New("config: verify_signatures requires publisher_keys")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("VAULT_ADDR", &cfg.Server.Addr)
	str("AUTH_SIGNING_KEY", &cfg.Server.AuthSigningKey)
	str("LOG_LEVEL", &cfg.Server.LogLevel)
	str("CIS_SIGNING_IDENTITY", &cfg.CIS.SigningIdentity)
	str("VAULT_STORE_BACKEND", &cfg.Store.Backend)
	str("VAULT_TABLE", &cfg.Store.Table)
	str("AWS_REGION", &cfg.DynamoDB.Region)
	str("DYNAMODB_ENDPOINT", &cfg.DynamoDB.Endpoint)
	str("DATABASE_URL", &cfg.Postgres.DSN)
	str("REDIS_URL", &cfg.Redis.URL)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)

	if v, ok := os.LookupEnv("CIS_SIGNING_KEY"); ok {
		if cfg.CIS.PublisherKeys == nil {
			cfg.CIS.PublisherKeys = map[string]string{}
		}
		cfg.CIS.PublisherKeys[cfg.CIS.SigningIdentity] = v
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"CIS_VERIFY_PUBLISHERS", &cfg.CIS.VerifyPublishers},
		{"CIS_VERIFY_SIGNATURES", &cfg.CIS.VerifySignatures},
		{"CIS_DYNAMODB_TRANSACTIONS", &cfg.CIS.Transactions},
		{"DYNAMODB_CREATE_TABLE", &cfg.DynamoDB.CreateTable},
	}
	for _, b := range bools {
		v, ok := os.LookupEnv(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", b.key, err)
		}
		*b.dst = parsed
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
