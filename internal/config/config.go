// Package config loads broker and silo configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/opaque/fedknn/internal/broker"
	"github.com/opaque/fedknn/internal/estimate"
	"github.com/opaque/fedknn/internal/service"
	"github.com/opaque/fedknn/pkg/aggregate"
	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/threshold"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ExpandPath expands a leading ~ to the user's home directory.
// The path is returned unchanged if the home directory is unknown.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// NewLogger builds a logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Format)
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// BrokerConfig holds configuration for the broker daemon.
type BrokerConfig struct {
	Broker BrokerSection `toml:"broker"`
	Silos  []SiloAddress `toml:"silos"`
	TLS    ClientTLS     `toml:"tls"`
	Log    LogConfig     `toml:"log"`
}

// BrokerSection holds query and aggregation settings.
type BrokerSection struct {
	HTTPAddr             string   `toml:"http_addr"`
	Strategy             string   `toml:"strategy"`
	Threshold            string   `toml:"threshold"`
	Budget               string   `toml:"budget"`
	Workers              int      `toml:"workers"`
	RPCTimeout           Duration `toml:"rpc_timeout"`
	MaxConcurrentQueries int      `toml:"max_concurrent_queries"`
	MaxK                 int      `toml:"max_k"`
}

// SiloAddress names one silo endpoint.
type SiloAddress struct {
	ID      int    `toml:"id"`
	Address string `toml:"address"`
}

// ClientTLS enables TLS towards silos when CAFile is set.
type ClientTLS struct {
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
}

// DefaultBrokerConfig returns a BrokerConfig with no silos.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Broker: BrokerSection{
			HTTPAddr:             ":8080",
			Strategy:             "plaintext",
			Threshold:            "binary-search",
			Budget:               "min-ratio",
			RPCTimeout:           Duration(30 * time.Second),
			MaxConcurrentQueries: 1,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration.
func (c BrokerConfig) Validate() error {
	if len(c.Silos) == 0 {
		return fmt.Errorf("%w: no silos", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(c.Silos))
	for _, s := range c.Silos {
		if s.Address == "" {
			return fmt.Errorf("%w: silo %d has no address", ErrInvalidConfig, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate silo id %d", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
	}
	if c.Broker.Workers < 0 || c.Broker.MaxK < 0 || c.Broker.MaxConcurrentQueries < 0 || c.Broker.RPCTimeout < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	_, err := c.BrokerOptions()
	return err
}

// BrokerOptions converts the file settings into a broker.Config.
func (c BrokerConfig) BrokerOptions() (broker.Config, error) {
	cfg := broker.DefaultConfig()
	strategy, err := aggregate.New(c.Broker.Strategy)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	mode, err := threshold.ParseMode(c.Broker.Threshold)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	policy, err := budget.ParsePolicy(c.Broker.Budget)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.Strategy = strategy
	cfg.Options = aggregate.Options{Threshold: mode, Budget: policy}
	if c.Broker.Workers > 0 {
		cfg.Workers = c.Broker.Workers
	}
	if c.Broker.MaxConcurrentQueries > 0 {
		cfg.MaxConcurrentQueries = c.Broker.MaxConcurrentQueries
	}
	cfg.RPCTimeout = time.Duration(c.Broker.RPCTimeout)
	cfg.MaxK = c.Broker.MaxK
	return cfg, nil
}

// SiloConfig holds configuration for a silo daemon.
type SiloConfig struct {
	Silo      SiloSection     `toml:"silo"`
	Data      DataConfig      `toml:"data"`
	Estimator EstimatorConfig `toml:"estimator"`
	TLS       ServerTLS       `toml:"tls"`
	Log       LogConfig       `toml:"log"`
}

// SiloSection holds the silo's identity and round limits.
type SiloSection struct {
	ID        int      `toml:"id"`
	Listen    string   `toml:"listen"`
	RoundTTL  Duration `toml:"round_ttl"`
	MaxLocalK int      `toml:"max_local_k"`
}

// DataConfig points at the silo's dataset. Without a vector file the silo
// serves a generated dataset of Generate vectors.
type DataConfig struct {
	Vectors    string   `toml:"vectors"`
	Attributes string   `toml:"attributes"`
	Watch      bool     `toml:"watch"`
	Debounce   Duration `toml:"debounce"`
	Generate   int      `toml:"generate"`
	Dimension  int      `toml:"dimension"`
	Seed       int64    `toml:"seed"`
}

// EstimatorConfig configures the contribution estimator.
type EstimatorConfig struct {
	Mode     string  `toml:"mode"`
	Clusters int     `toml:"clusters"`
	Alpha    float64 `toml:"alpha"`
	Seed     int64   `toml:"seed"`
	MaxIter  int     `toml:"max_iter"`
}

// ServerTLS enables TLS on the silo listener when both files are set.
type ServerTLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Enabled reports whether TLS is configured.
func (t ServerTLS) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// DefaultSiloConfig returns a SiloConfig serving 1000 generated vectors.
func DefaultSiloConfig() SiloConfig {
	svc := service.DefaultConfig()
	est := estimate.DefaultConfig()
	return SiloConfig{
		Silo: SiloSection{
			Listen:    ":50051",
			RoundTTL:  Duration(svc.RoundTTL),
			MaxLocalK: svc.MaxLocalK,
		},
		Data: DataConfig{
			Debounce:  Duration(500 * time.Millisecond),
			Generate:  1000,
			Dimension: 16,
			Seed:      1,
		},
		Estimator: EstimatorConfig{
			Mode:     est.Mode.String(),
			Clusters: est.Clusters,
			Alpha:    est.Alpha,
			Seed:     est.Seed,
			MaxIter:  est.MaxIter,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration.
func (c SiloConfig) Validate() error {
	if c.Silo.ID < 0 {
		return fmt.Errorf("%w: silo id %d", ErrInvalidConfig, c.Silo.ID)
	}
	if c.Silo.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if c.Silo.RoundTTL <= 0 || c.Silo.MaxLocalK <= 0 {
		return fmt.Errorf("%w: round_ttl and max_local_k must be positive", ErrInvalidConfig)
	}
	if c.Data.Vectors == "" && (c.Data.Generate < 0 || c.Data.Dimension <= 0) {
		return fmt.Errorf("%w: generated dataset needs a positive dimension", ErrInvalidConfig)
	}
	if c.Data.Attributes != "" && c.Data.Vectors == "" {
		return fmt.Errorf("%w: attributes file without a vector file", ErrInvalidConfig)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls needs both cert_file and key_file", ErrInvalidConfig)
	}
	_, err := c.EstimatorOptions()
	return err
}

// ServiceOptions converts the file settings into a service.Config.
func (c SiloConfig) ServiceOptions() service.Config {
	cfg := service.DefaultConfig()
	cfg.SiloID = c.Silo.ID
	cfg.RoundTTL = time.Duration(c.Silo.RoundTTL)
	cfg.MaxLocalK = c.Silo.MaxLocalK
	return cfg
}

// EstimatorOptions converts the file settings into an estimate.Config.
func (c SiloConfig) EstimatorOptions() (estimate.Config, error) {
	mode, err := estimate.ParseMode(c.Estimator.Mode)
	if err != nil {
		return estimate.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if mode == estimate.ModeCluster && (c.Estimator.Clusters <= 0 || c.Estimator.Alpha < 0) {
		return estimate.Config{}, fmt.Errorf("%w: cluster estimator needs clusters > 0 and alpha >= 0", ErrInvalidConfig)
	}
	return estimate.Config{
		Mode:     mode,
		Clusters: c.Estimator.Clusters,
		Alpha:    c.Estimator.Alpha,
		Seed:     c.Estimator.Seed,
		MaxIter:  c.Estimator.MaxIter,
	}, nil
}

// LoadBrokerConfig loads and validates a BrokerConfig from a TOML file.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	cfg.TLS.CAFile = ExpandPath(cfg.TLS.CAFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSiloConfig loads and validates a SiloConfig from a TOML file.
func LoadSiloConfig(path string) (*SiloConfig, error) {
	cfg := DefaultSiloConfig()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Data.Vectors = ExpandPath(cfg.Data.Vectors)
	cfg.Data.Attributes = ExpandPath(cfg.Data.Attributes)
	cfg.TLS.CertFile = ExpandPath(cfg.TLS.CertFile)
	cfg.TLS.KeyFile = ExpandPath(cfg.TLS.KeyFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse TOML: %w", err)
	}
	return nil
}

// Write saves cfg as TOML, creating parent directories.
func Write(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode TOML: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
