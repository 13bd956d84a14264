package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/fedknn/internal/estimate"
	"github.com/opaque/fedknn/pkg/aggregate"
	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/threshold"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		input    string
		expected string
	}{
		{"~/data/base.fvecs", filepath.Join(home, "data", "base.fvecs")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", home},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ExpandPath(tt.input), "ExpandPath(%q)", tt.input)
	}
}

func TestLoadBrokerConfig(t *testing.T) {
	path := writeFile(t, `
[broker]
http_addr = ":9090"
strategy = "oblivious"
threshold = "pq"
budget = "uniform"
workers = 3
rpc_timeout = "2s"
max_k = 100

[[silos]]
id = 0
address = "localhost:50051"

[[silos]]
id = 1
address = "localhost:50052"

[log]
level = "debug"
format = "json"
`)
	cfg, err := LoadBrokerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Broker.HTTPAddr)
	assert.Len(t, cfg.Silos, 2)
	assert.Equal(t, "localhost:50052", cfg.Silos[1].Address)

	opts, err := cfg.BrokerOptions()
	require.NoError(t, err)
	assert.Equal(t, aggregate.Oblivious{}, opts.Strategy)
	assert.Equal(t, threshold.ModePriorityQueue, opts.Options.Threshold)
	assert.Equal(t, budget.Uniform, opts.Options.Budget)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 2*time.Second, opts.RPCTimeout)
	assert.Equal(t, 100, opts.MaxK)
	// unset values keep their defaults
	assert.Equal(t, 1, opts.MaxConcurrentQueries)
}

func TestBrokerConfigValidate(t *testing.T) {
	valid := func() BrokerConfig {
		cfg := DefaultBrokerConfig()
		cfg.Silos = []SiloAddress{{ID: 0, Address: "a:1"}, {ID: 1, Address: "b:1"}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*BrokerConfig){
		"no silos":         func(c *BrokerConfig) { c.Silos = nil },
		"empty address":    func(c *BrokerConfig) { c.Silos[1].Address = "" },
		"duplicate id":     func(c *BrokerConfig) { c.Silos[1].ID = 0 },
		"bad strategy":     func(c *BrokerConfig) { c.Broker.Strategy = "homomorphic" },
		"bad threshold":    func(c *BrokerConfig) { c.Broker.Threshold = "linear" },
		"bad budget":       func(c *BrokerConfig) { c.Broker.Budget = "max-ratio" },
		"negative max_k":   func(c *BrokerConfig) { c.Broker.MaxK = -1 },
		"negative timeout": func(c *BrokerConfig) { c.Broker.RPCTimeout = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadSiloConfig(t *testing.T) {
	path := writeFile(t, `
[silo]
id = 2
listen = ":6000"
round_ttl = "90s"

[data]
vectors = "/data/base.fvecs"
attributes = "/data/attrs.txt"
watch = true

[estimator]
mode = "exact"
`)
	cfg, err := LoadSiloConfig(path)
	require.NoError(t, err)

	svc := cfg.ServiceOptions()
	assert.Equal(t, 2, svc.SiloID)
	assert.Equal(t, 90*time.Second, svc.RoundTTL)
	assert.Equal(t, 1<<20, svc.MaxLocalK)

	assert.True(t, cfg.Data.Watch)
	assert.Equal(t, 500*time.Millisecond, time.Duration(cfg.Data.Debounce))

	est, err := cfg.EstimatorOptions()
	require.NoError(t, err)
	assert.Equal(t, estimate.ModeExact, est.Mode)
	assert.Equal(t, 10, est.Clusters)
}

func TestSiloConfigValidate(t *testing.T) {
	require.NoError(t, DefaultSiloConfig().Validate())

	tests := map[string]func(*SiloConfig){
		"negative id":        func(c *SiloConfig) { c.Silo.ID = -1 },
		"no listen":          func(c *SiloConfig) { c.Silo.Listen = "" },
		"zero ttl":           func(c *SiloConfig) { c.Silo.RoundTTL = 0 },
		"attributes only":    func(c *SiloConfig) { c.Data.Attributes = "/x.txt" },
		"half tls":           func(c *SiloConfig) { c.TLS.CertFile = "cert.pem" },
		"bad estimator":      func(c *SiloConfig) { c.Estimator.Mode = "oracle" },
		"zero clusters":      func(c *SiloConfig) { c.Estimator.Clusters = 0 },
		"zero gen dimension": func(c *SiloConfig) { c.Data.Dimension = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultSiloConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadSiloConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadSiloConfig(writeFile(t, "[silo\nid = 1"))
	assert.Error(t, err)

	_, err = LoadSiloConfig(writeFile(t, "[silo]\nround_ttl = \"soon\""))
	assert.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "silo.toml")
	cfg := DefaultSiloConfig()
	cfg.Silo.ID = 7
	require.NoError(t, Write(path, cfg))

	got, err := LoadSiloConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "silo", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"silo":1`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
