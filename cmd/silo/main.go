// Command silo serves one data partition to federated brokers over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opaque/fedknn/internal/config"
	"github.com/opaque/fedknn/internal/estimate"
	"github.com/opaque/fedknn/internal/service"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/embeddings"
	"github.com/opaque/fedknn/pkg/grpcserver"
)

var (
	configPath = flag.String("config", "", "TOML config file (optional)")
	siloID     = flag.Int("id", -1, "Silo ID (overrides config)")
	listen     = flag.String("listen", "", "gRPC listen address (overrides config)")
	httpAddr   = flag.String("http-addr", ":8081", "HTTP health address, empty to disable")
	vectors    = flag.String("vectors", "", ".fvecs dataset (overrides config)")
	attributes = flag.String("attributes", "", "Attribute file, one line per vector (overrides config)")
	watch      = flag.Bool("watch", false, "Reload the dataset when its files change")
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
	logger = logger.With("silo", cfg.Silo.ID)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("silo failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.SiloConfig, error) {
	cfg := config.DefaultSiloConfig()
	if *configPath != "" {
		loaded, err := config.LoadSiloConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if *siloID >= 0 {
		cfg.Silo.ID = *siloID
	}
	if *listen != "" {
		cfg.Silo.Listen = *listen
	}
	if *vectors != "" {
		cfg.Data.Vectors = config.ExpandPath(*vectors)
	}
	if *attributes != "" {
		cfg.Data.Attributes = config.ExpandPath(*attributes)
	}
	if *watch {
		cfg.Data.Watch = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return &cfg, cfg.Validate()
}

func loadDataset(cfg *config.SiloConfig) (*embeddings.Dataset, error) {
	if cfg.Data.Vectors != "" {
		return embeddings.Load(cfg.Data.Vectors, cfg.Data.Attributes)
	}
	return embeddings.Generate(cfg.Data.Generate, cfg.Data.Dimension, cfg.Data.Seed+int64(cfg.Silo.ID)), nil
}

func run(cfg *config.SiloConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	estCfg, err := cfg.EstimatorOptions()
	if err != nil {
		return err
	}
	est := estimate.New(estCfg, logger)
	svc, err := service.New(cfg.ServiceOptions(), store.NewMemoryStore(cfg.Silo.ID), est, logger)
	if err != nil {
		return fmt.Errorf("create silo service: %w", err)
	}
	defer svc.Close()
	logger.Info("silo configured", "id", svc.SiloID(), "estimator", est.Mode().String(), "round_ttl", cfg.ServiceOptions().RoundTTL)

	reload := func(ctx context.Context, d *embeddings.Dataset) error {
		recs, err := d.Records()
		if err != nil {
			return err
		}
		return svc.Reload(ctx, recs)
	}

	ds, err := loadDataset(cfg)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	if err := reload(ctx, ds); err != nil {
		return fmt.Errorf("index dataset: %w", err)
	}
	logger.Info("dataset ready", "name", ds.Name, "vectors", ds.Len(), "dimension", ds.Dimension)

	if cfg.Data.Watch && cfg.Data.Vectors != "" {
		w, err := embeddings.NewWatcher(cfg.Data.Vectors, cfg.Data.Attributes, time.Duration(cfg.Data.Debounce), reload, logger)
		if err != nil {
			return fmt.Errorf("watch dataset: %w", err)
		}
		defer w.Close()
		go w.Start(ctx)
	}

	opts := grpcserver.ServerOptions(logger)
	if cfg.TLS.Enabled() {
		creds, err := grpcserver.LoadTLSCredentials(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("TLS enabled")
	}
	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	grpcserver.New(svc).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Silo.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Silo.Listen, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- grpcServer.Serve(lis)
	}()

	var httpServer *http.Server
	if *httpAddr != "" {
		httpServer = &http.Server{Addr: *httpAddr, Handler: healthMux(svc)}
		go func() {
			logger.Info("HTTP health server listening", "addr", *httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	healthServer.Shutdown()
	grpcServer.GracefulStop()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
	return nil
}

func healthMux(svc *service.SiloService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := svc.Stats(r.Context())
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK\n")
		fmt.Fprintf(w, "Rounds: %d active, %d completed\n", st.ActiveRounds, st.CompletedRounds)
		fmt.Fprintf(w, "Vectors: %d\n", st.Vectors)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if st := svc.Stats(r.Context()); st.Vectors == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "No data\n")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Ready\n")
	})
	return mux
}
