package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a AppConfig) Development() bool { return a.Env == "" || a.Env == "dev" || a.Env == "development" }

type JWTConfig struct {
	Alg           string `mapstructure:"alg"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	PongWaitSeconds      int   `mapstructure:"pong_wait_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer           int   `mapstructure:"send_buffer"`
	RateLimitPerSec      int   `mapstructure:"rate_limit_per_sec"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type BreakerConfig struct {
	MaxFailures int `mapstructure:"max_failures"`
	IntervalSec int `mapstructure:"interval_seconds"`
	TimeoutSec  int `mapstructure:"timeout_seconds"`
}

type StoreConfig struct {
	Driver           string        `mapstructure:"driver"`
	OpTimeoutSeconds int           `mapstructure:"op_timeout_seconds"`
	Mongo            MongoConfig   `mapstructure:"mongo"`
	Badger           BadgerConfig  `mapstructure:"badger"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	Prefix          string `mapstructure:"prefix"`
	DedupTTLSeconds int    `mapstructure:"dedup_ttl_seconds"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type HistoryConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	WS      WSConfig      `mapstructure:"ws"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	History HistoryConfig `mapstructure:"history"`

	// derived
	PingInterval  time.Duration `mapstructure:"-"`
	WriteDeadline time.Duration `mapstructure:"-"`
	PongWait      time.Duration `mapstructure:"-"`
	OpTimeout     time.Duration `mapstructure:"-"`
	DedupTTL      time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.port", 8086)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_limit_per_sec", 20)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.op_timeout_seconds", 3)
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "chatdb")
	v.SetDefault("store.mongo.collection", "messages")
	v.SetDefault("store.badger.path", "./data/messages")
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.breaker.max_failures", 5)
	v.SetDefault("store.breaker.interval_seconds", 60)
	v.SetDefault("store.breaker.timeout_seconds", 15)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")
	v.SetDefault("redis.dedup_ttl_seconds", 600)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chat.message.lifecycle")

	v.SetDefault("history.default_page_size", 50)
	v.SetDefault("history.max_page_size", 200)
}

// Load reads the optional YAML file at path, then applies CHAT_ prefixed
// environment overrides (CHAT_APP_PORT, CHAT_JWT_HS_SECRET, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// comma separated env value, e.g. CHAT_KAFKA_BROKERS=a:9092,b:9092
	if len(c.Kafka.Brokers) == 1 && strings.Contains(c.Kafka.Brokers[0], ",") {
		c.Kafka.Brokers = strings.Split(c.Kafka.Brokers[0], ",")
	}

	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.PongWait = time.Duration(c.WS.PongWaitSeconds) * time.Second
	c.OpTimeout = time.Duration(c.Store.OpTimeoutSeconds) * time.Second
	c.DedupTTL = time.Duration(c.Redis.DedupTTLSeconds) * time.Second

	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func validate(c *Config) error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid app.port: %d", c.App.Port)
	}
	switch strings.ToUpper(c.JWT.Alg) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	default:
		return errors.New("invalid jwt.alg (use RS256 or HS256)")
	}
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" {
			return errors.New("store.mongo.uri and store.mongo.database required")
		}
	case "badger":
		if c.Store.Badger.Path == "" && !c.Store.Badger.InMemory {
			return errors.New("store.badger.path required")
		}
	default:
		return fmt.Errorf("invalid store.driver: %q", c.Store.Driver)
	}
	if c.PongWait <= c.PingInterval {
		return errors.New("ws.pong_wait_seconds must exceed ws.ping_interval_seconds")
	}
	if c.WS.SendBuffer <= 0 {
		return errors.New("ws.send_buffer must be positive")
	}
	if c.History.DefaultPageSize <= 0 || c.History.MaxPageSize < c.History.DefaultPageSize {
		return errors.New("invalid history page sizes")
	}
	return nil
}
