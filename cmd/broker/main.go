// Command broker answers federated top-k queries over HTTP by running the
// aggregation protocol against a fixed set of silos.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/opaque/fedknn/internal/broker"
	"github.com/opaque/fedknn/internal/config"
	"github.com/opaque/fedknn/pkg/client"
	"github.com/opaque/fedknn/pkg/server"
)

var (
	configPath = flag.String("config", "", "TOML config file")
	silos      = flag.String("silos", "", "Comma separated silo addresses; silo IDs follow the order (overrides config)")
	httpAddr   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
	strategy   = flag.String("strategy", "", "Aggregation strategy: plaintext or oblivious (overrides config)")
	mode       = flag.String("threshold", "", "Threshold solver: binary-search or priority-queue (overrides config)")
	policy     = flag.String("budget", "", "Budget policy: uniform or min-ratio (overrides config)")
	token      = flag.String("token", "", "Bearer token required on /api routes")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.BrokerConfig, error) {
	cfg := config.DefaultBrokerConfig()
	if *configPath != "" {
		loaded, err := config.LoadBrokerConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if *silos != "" {
		cfg.Silos = nil
		for i, addr := range strings.Split(*silos, ",") {
			cfg.Silos = append(cfg.Silos, config.SiloAddress{ID: i, Address: strings.TrimSpace(addr)})
		}
	}
	if *httpAddr != "" {
		cfg.Broker.HTTPAddr = *httpAddr
	}
	if *strategy != "" {
		cfg.Broker.Strategy = *strategy
	}
	if *mode != "" {
		cfg.Broker.Threshold = *mode
	}
	if *policy != "" {
		cfg.Broker.Budget = *policy
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return &cfg, cfg.Validate()
}

func dialSilos(cfg *config.BrokerConfig, logger *slog.Logger) ([]broker.Silo, error) {
	var creds credentials.TransportCredentials
	if cfg.TLS.CAFile != "" {
		c, err := credentials.NewClientTLSFromFile(cfg.TLS.CAFile, cfg.TLS.ServerName)
		if err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
		creds = c
	}

	out := make([]broker.Silo, 0, len(cfg.Silos))
	for _, s := range cfg.Silos {
		c, err := client.Dial(client.Config{SiloID: s.ID, Address: s.Address, Creds: creds})
		if err != nil {
			for _, prev := range out {
				prev.(*client.SiloClient).Close()
			}
			return nil, err
		}
		logger.Debug("silo client ready", "silo", c.ID(), "address", c.Address(), "tls", creds != nil)
		out = append(out, c)
	}
	return out, nil
}

func run(cfg *config.BrokerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.BrokerOptions()
	if err != nil {
		return err
	}
	silos, err := dialSilos(cfg, logger)
	if err != nil {
		return err
	}
	b, err := broker.New(opts, silos, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	logger.Info("broker configured",
		"silos", b.Silos(),
		"strategy", opts.Strategy.Name(),
		"threshold", opts.Options.Threshold.String(),
		"budget", opts.Options.Budget.String())

	srvCfg := server.DefaultConfig()
	srvCfg.Address = cfg.Broker.HTTPAddr
	srvCfg.Token = *token
	if t := time.Duration(cfg.Broker.RPCTimeout); t > 0 {
		// one query is 14 sequential round trips per silo at most
		srvCfg.QueryTimeout = max(srvCfg.QueryTimeout, 14*t)
		srvCfg.WriteTimeout = max(srvCfg.WriteTimeout, srvCfg.QueryTimeout+10*time.Second)
	}
	srv := server.New(srvCfg, b, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	st := b.Stats()
	logger.Info("shutdown complete", "queries", st.Queries, "failures", st.Failures, "bytes", st.Traffic.Total())
	return nil
}
