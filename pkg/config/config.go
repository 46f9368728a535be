package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Feedgen FeedgenConfig `mapstructure:"feedgen"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`    // debug, info, warn, error
	Encoding string `mapstructure:"encoding"` // json, console
}

// FeedConfig selects and tunes the upstream price source
type FeedConfig struct {
	Kind           string `mapstructure:"kind"` // sim, redis, kafka, websocket
	OpenTimeoutMs  int    `mapstructure:"open_timeout_ms"`
	TickIntervalMs int    `mapstructure:"tick_interval_ms"` // sim feed only
	WSURL          string `mapstructure:"ws_url"`           // websocket feed only
	APIKey         string `mapstructure:"api_key"`          // websocket feed only
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type GatewayConfig struct {
	PollIntervalMs int      `mapstructure:"poll_interval_ms"` // /watch discovery cadence
	ListenerQueue  int      `mapstructure:"listener_queue"`   // per-listener fan-out buffer
	ValidTickers   []string `mapstructure:"valid_tickers"`
}

type FeedgenConfig struct {
	Tickers    []string `mapstructure:"tickers"`
	IntervalMs int      `mapstructure:"interval_ms"`
	Sink       string   `mapstructure:"sink"` // redis, kafka
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Load .env file into System Environment (if it exists)
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	// 2. Set Defaults (12-Factor App: Dev/Prod Parity)
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("feed.kind", "sim")
	v.SetDefault("feed.open_timeout_ms", 5000)
	v.SetDefault("feed.tick_interval_ms", 250)
	v.SetDefault("feed.ws_url", "")
	v.SetDefault("feed.api_key", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "crypto_ticks")
	v.SetDefault("kafka.group_id", "price-tracker-gateway")

	v.SetDefault("gateway.poll_interval_ms", 200)
	v.SetDefault("gateway.listener_queue", 256)
	v.SetDefault("gateway.valid_tickers", []string{"BTCUSD", "ETHUSD", "ADAUSD", "SOLUSD", "DOGEUSD"})

	v.SetDefault("feedgen.tickers", []string{"BTCUSD", "ETHUSD", "ADAUSD", "SOLUSD"})
	v.SetDefault("feedgen.interval_ms", 100)
	v.SetDefault("feedgen.sink", "redis")

	// 3. Configure Viper to read Environment Variables
	// This maps dot-notation to underscores (e.g., "app.port" -> "APP_PORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Explicitly Bind Env Vars to Keys
	// Required for Viper to map flat Env Vars (APP_PORT) to nested structs (App.Port)
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding")
	bindEnv(v, "feed.kind", "feed.open_timeout_ms", "feed.tick_interval_ms", "feed.ws_url", "feed.api_key")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "gateway.poll_interval_ms", "gateway.listener_queue", "gateway.valid_tickers")
	bindEnv(v, "feedgen.tickers", "feedgen.interval_ms", "feedgen.sink")

	// 5. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	// 6. Basic Validation
	if cfg.Feed.OpenTimeoutMs <= 0 {
		return nil, fmt.Errorf("feed open timeout must be positive")
	}
	if cfg.Gateway.PollIntervalMs <= 0 {
		return nil, fmt.Errorf("gateway poll interval must be positive")
	}

	return &cfg, nil
}

// OpenTimeout returns the feed open timeout as a duration
func (f FeedConfig) OpenTimeout() time.Duration {
	return time.Duration(f.OpenTimeoutMs) * time.Millisecond
}

// PollInterval returns the watch discovery cadence as a duration
func (g GatewayConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMs) * time.Millisecond
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
