package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/satswap/service/config"
	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/logging"
	"github.com/brojonat/satswap/service/metrics"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
	"github.com/brojonat/satswap/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from SATSWAP_CONFIG and the environment
	cfg := config.MustLoad()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting confirmation worker",
		"network", cfg.Network,
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	metricsAddr := cfg.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":9091"
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	endpoint := endpointLabel(cfg.APIURL)
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: metrics.Transport(metricsCollector, "stacks-node", http.DefaultTransport),
	}
	nodeClient := node.NewClient(
		node.NewRPCClient(cfg.APIURL, httpClient),
		endpoint,
		metricsCollector,
		logger,
		node.WithRateLimit(cfg.NodeRPS, 1),
		node.WithRetry(cfg.NodeMaxAttempts, cfg.NodeRetryBackoff),
	)
	logger.Info("initialized stacks node client", "endpoint", endpoint, "rps", cfg.NodeRPS)

	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Statuses:          nodeClient,
		Metrics:           metricsCollector,
		Logger:            logger,
	}

	// The journal and event stream are optional: without them the worker
	// still reports outcomes to whoever awaits the workflow.
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		store := db.NewStore(dbPool, metricsCollector)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure journal schema", "error", err)
			os.Exit(1)
		}
		workerConfig.Journal = store
		logger.Info("connected to database")
	}

	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		workerConfig.Publisher = natsPublisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"journal", workerConfig.Journal != nil,
		"publisher", workerConfig.Publisher != nil,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// endpointLabel extracts a short identifier from a node URL for metrics
// labeling.
// Examples:
//   - "https://api.mainnet.hiro.so" -> "hiro-mainnet"
//   - "https://api.testnet.hiro.so" -> "hiro-testnet"
//   - "http://localhost:3999" -> "localhost"
func endpointLabel(nodeURL string) string {
	parsed, err := url.Parse(nodeURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	if strings.Contains(host, "hiro.so") {
		switch {
		case strings.Contains(host, "mainnet"):
			return "hiro-mainnet"
		case strings.Contains(host, "testnet"):
			return "hiro-testnet"
		}
		return "hiro"
	}
	return host
}
