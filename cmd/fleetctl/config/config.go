package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/pkg/broker"
	"github.com/fleetd/fleetd/pkg/membership"
	"github.com/fleetd/fleetd/pkg/transport"
)

const (
	defaultRedis = "localhost:6379"
	defaultQueue = "fleetd:commands"
)

// Config holds CLI configuration
type Config struct {
	Redis         string `mapstructure:"redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Queue         string `mapstructure:"queue"`
	Prefix        string `mapstructure:"prefix"`
	NATS          string `mapstructure:"nats"`
}

// LoadConfig loads configuration from file, environment and flags.
// Flags win over FLEETD_* variables, which win over the file.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetDefault("redis", defaultRedis)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("queue", defaultQueue)
	v.SetDefault("prefix", membership.DefaultPrefix)
	v.SetDefault("nats", nats.DefaultURL)

	v.SetEnvPrefix("FLEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, _ := cmd.Flags().GetString("config")
	explicit := configFile != ""
	if !explicit {
		// $HOME/.fleetd/config.yaml is optional
		if home, err := os.UserHomeDir(); err == nil {
			configFile = filepath.Join(home, ".fleetd", "config.yaml")
		}
	}

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil || explicit {
			v.SetConfigFile(configFile)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if redisAddr, _ := cmd.Flags().GetString("redis"); redisAddr != "" {
		cfg.Redis = redisAddr
	}
	if natsURL, _ := cmd.Flags().GetString("nats"); natsURL != "" {
		cfg.NATS = natsURL
	}

	return cfg, nil
}

// NewRedisClient connects to the coordination Redis
func (c *Config) NewRedisClient(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        c.Redis,
		Password:    c.RedisPassword,
		DB:          c.RedisDB,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", c.Redis, err)
	}
	return client, nil
}

// NewBroker opens the command request queue
func (c *Config) NewBroker(ctx context.Context, logger *zap.Logger) (*broker.RedisBroker, error) {
	b, err := broker.NewRedisBroker(ctx, broker.RedisConfig{
		Addr:     c.Redis,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		Queue:    c.Queue,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open command queue: %w", err)
	}
	return b, nil
}

// ConnectNATS connects to the agent transport
func (c *Config) ConnectNATS(logger *zap.Logger) (*transport.NATS, error) {
	conn, err := transport.Connect(transport.NATSConfig{
		URL:           c.NATS,
		Name:          "fleetctl",
		MaxReconnects: 5,
	}, logger)
	if err != nil {
		return nil, err
	}
	return transport.NewNATS(conn, 0, logger), nil
}
