package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dungeongate/chain"
	"dungeongate/config"
	"dungeongate/gateway"
	"dungeongate/gateway/auth"
	"dungeongate/gateway/middleware"
	"dungeongate/identity"
	"dungeongate/observability"
	"dungeongate/observability/logging"
	"dungeongate/observability/otel"
	"dungeongate/relay"
	"dungeongate/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "gated.toml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("gated", cfg.Environment, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "gated",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Headers:     otel.ParseHeaders(cfg.OTLPHeaders),
			Traces:      cfg.TracesOn,
			Metrics:     true,
		})
		if err != nil {
			log.Fatalf("telemetry init: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "err", err)
			}
		}()
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	client, err := chain.Dial(cfg.RPCURL, cfg.ContractAddress, cfg.ChainID, cfg.RunnerKey())
	if err != nil {
		log.Fatalf("dial chain: %v", err)
	}
	if !client.CanSign() {
		logger.Warn("no runner key configured, submissions will fail until one is provided",
			"env", cfg.RunnerKeyEnv)
	}
	nonces := chain.NewNonceAllocator(client)
	metrics := observability.Relay()

	service, err := relay.NewService(relay.Config{
		Store:           store,
		Ledger:          client,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow.Duration,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatalf("relay service: %v", err)
	}
	recon := relay.NewReconciler(store, client, cfg.ReceiptPolls, cfg.ReceiptPollInterval.Duration, logger, metrics)
	worker, err := relay.NewWorker(relay.WorkerConfig{
		Store:    store,
		Ledger:   client,
		Nonces:   nonces,
		Recon:    recon,
		Interval: cfg.WorkerInterval.Duration,
		Batch:    cfg.WorkerBatch,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf("relay worker: %v", err)
	}
	go worker.Run(ctx)

	profiles, err := identity.NewClient(identity.Config{BaseURL: cfg.ProfileServiceURL})
	if err != nil {
		log.Fatalf("profile client: %v", err)
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret(), cfg.JWTTTL.Duration, logger)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	srv := gateway.New(gateway.Config{
		Store:         store,
		Service:       service,
		Recon:         recon,
		Nonces:        nonces,
		Ledger:        client,
		Identity:      profiles,
		Auth:          issuer,
		RunnerAddress: client.Runner().Hex(),
		ReportDir:     cfg.ReportDir,
		RateLimits: map[string]middleware.RateLimit{
			"auth": {RequestsPerMinute: 30, Burst: 10},
		},
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(stopCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}
}
