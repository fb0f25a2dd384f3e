package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// EnvFile names the environment variable holding the optional YAML file.
const EnvFile = "RESERVE_CONFIG"

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Events  EventsConfig  `yaml:"events"`
	Tracing TracingConfig `yaml:"tracing"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Log     LogConfig     `yaml:"log"`

	// Products are upserted at startup, handy for local runs.
	Products []ProductSeed `yaml:"products"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	// Driver is one of memory, mysql, postgres or sqlite.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      bool   `yaml:"migrate"`
}

type RedisConfig struct {
	// Addr empty keeps carts in memory.
	Addr     string `yaml:"addr"`
	PoolSize int    `yaml:"pool_size"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	// RedisChannel publishes events on Redis pub/sub when Redis is configured.
	RedisChannel string `yaml:"redis_channel"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type LogConfig struct {
	// Config is a loggo specification, e.g. "<root>=INFO;reservation.storage=DEBUG".
	Config string `yaml:"config"`
	File   string `yaml:"file"`
}

type ProductSeed struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Price int64  `yaml:"price"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Store: StoreConfig{
			Driver:       "memory",
			MaxOpenConns: 50,
			Migrate:      true,
		},
		Redis:   RedisConfig{PoolSize: 100},
		Events:  EventsConfig{KafkaTopic: "product-reservations"},
		Tracing: TracingConfig{ServiceName: "product-reservation"},
		Sweep: SweepConfig{
			Interval:  30 * time.Second,
			BatchSize: 500,
		},
		Log:             LogConfig{Config: "<root>=INFO"},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load reads defaults, then the YAML file at path if any, then environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotatef(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "parsing config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("GRPC_ADDR"); v != "" {
		c.GRPCAddr = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Events.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Events.KafkaTopic = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.NotValidf("SWEEP_INTERVAL %q", v)
		}
		c.Sweep.Interval = d
	}
	if v := os.Getenv("SWEEP_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("SWEEP_BATCH_SIZE %q", v)
		}
		c.Sweep.BatchSize = n
	}
	if v := os.Getenv("LOG_CONFIG"); v != "" {
		c.Log.Config = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	return nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "mysql", "postgres", "sqlite":
		if c.Store.DSN == "" {
			return errors.NotValidf("store driver %s without dsn", c.Store.Driver)
		}
	default:
		return errors.NotValidf("store driver %q", c.Store.Driver)
	}
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		return errors.NotValidf("config without http or grpc address")
	}
	if c.Sweep.Interval <= 0 {
		return errors.NotValidf("sweep interval %s", c.Sweep.Interval)
	}
	if c.Sweep.BatchSize <= 0 {
		return errors.NotValidf("sweep batch size %d", c.Sweep.BatchSize)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.NotValidf("shutdown timeout %s", c.ShutdownTimeout)
	}
	for i, p := range c.Products {
		if strings.TrimSpace(p.ID) == "" {
			return errors.NotValidf("product %d without id", i)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
