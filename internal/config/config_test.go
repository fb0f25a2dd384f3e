package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "GRPC_ADDR", "STORE_DRIVER", "STORE_DSN", "REDIS_ADDR",
		"KAFKA_BROKERS", "KAFKA_TOPIC", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"SWEEP_INTERVAL", "SWEEP_BATCH_SIZE", "LOG_CONFIG", "LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
http_addr: ":9090"
store:
  driver: postgres
  dsn: postgres://localhost/reserve
sweep:
  interval: 10s
events:
  kafka_brokers: [kafka-1:9092, kafka-2:9092]
products:
  - id: vase-1
    name: Blue vase
    price: 4200
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr, "unset keys keep their defaults")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.KafkaBrokers)
	require.Len(t, cfg.Products, 1)
	assert.Equal(t, ProductSeed{ID: "vase-1", Name: "Blue vase", Price: 4200}, cfg.Products[0])
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "store:\n  driver: mysql\n  dsn: root@/a\n")
	t.Setenv("STORE_DSN", "root@/b")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_CONFIG", "<root>=DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "root@/b", cfg.Store.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "<root>=DEBUG", cfg.Log.Config)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "store: [unterminated"))
	assert.Error(t, err)

	t.Setenv("SWEEP_INTERVAL", "soon")
	_, err = Load("")
	assert.True(t, errors.IsNotValid(err), "%v", err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"unknown driver":   func(c *Config) { c.Store.Driver = "oracle" },
		"sql without dsn":  func(c *Config) { c.Store.Driver = "sqlite" },
		"zero interval":    func(c *Config) { c.Sweep.Interval = 0 },
		"zero batch":       func(c *Config) { c.Sweep.BatchSize = 0 },
		"no listeners":     func(c *Config) { c.HTTPAddr, c.GRPCAddr = "", "" },
		"product sans id":  func(c *Config) { c.Products = []ProductSeed{{Name: "x"}} },
		"negative timeout": func(c *Config) { c.ShutdownTimeout = -time.Second },
	} {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		assert.True(t, errors.IsNotValid(err), "%s: %v", name, err)
	}
	assert.NoError(t, Default().Validate())
}
