// Package main is the entry point for the chainlog API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/chainlog/chainlog/internal/alert"
	"github.com/chainlog/chainlog/internal/api"
	"github.com/chainlog/chainlog/internal/archive"
	"github.com/chainlog/chainlog/internal/auth"
	"github.com/chainlog/chainlog/internal/config"
	"github.com/chainlog/chainlog/internal/health"
	"github.com/chainlog/chainlog/internal/idempotency"
	"github.com/chainlog/chainlog/internal/ledger"
	"github.com/chainlog/chainlog/internal/middleware"
	"github.com/chainlog/chainlog/internal/tracing"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if *help {
		fmt.Println("chainlog API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	// Initialize logger
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	logger.Info("configuration loaded", "config", cfg.LogSummary())

	// Distributed tracing (enabled when an OTLP endpoint is configured)
	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "chainlog-api",
		Enabled:      otlpEndpoint != "",
		Environment:  cfg.Env,
		OTLPEndpoint: otlpEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}
	ledgerMetrics := ledger.NewMetrics()
	if err := ledgerMetrics.Register(registry); err != nil {
		logger.Error("failed to register ledger metrics", "error", err)
		os.Exit(1)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var (
		repo      ledger.Repository
		dbChecker api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		cancel()

		repo = ledger.NewPostgresRepository(db, logger)
		dbChecker = health.NewDBChecker(db)
		logger.Info("using postgres repository")
	} else {
		repo = ledger.NewInMemoryRepository()
		logger.Warn("DATABASE_URL not set, using in-memory repository; records will not survive restarts")
	}

	// Crypto engine: configured keys, or ephemeral for development.
	var engine *ledger.Engine
	if encKey := cfg.EncryptionKeyBytes(); encKey != nil {
		engine, err = ledger.NewEngine(encKey, cfg.SigningKeyBytes())
		if err != nil {
			logger.Error("failed to create crypto engine", "error", err)
			os.Exit(1)
		}
	} else {
		engine, err = ledger.NewEphemeralEngine()
		if err != nil {
			logger.Error("failed to create ephemeral crypto engine", "error", err)
			os.Exit(1)
		}
		logger.Warn("ENCRYPTION_KEY not set, using ephemeral keys; signatures will not verify across restarts")
	}

	// Redis backs both the alert channel and shared rate-limit windows.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// Alerting: Redis pub/sub when configured, always mirrored to the log.
	var (
		notifier     ledger.Notifier = alert.NewLogNotifier(logger)
		redisChecker api.HealthChecker
	)
	if redisClient != nil {
		notifier = alert.Fanout{
			alert.NewRedisNotifier(redisClient, cfg.AlertChannel, logger),
			alert.NewLogNotifier(logger),
		}
		redisChecker = health.NewRedisChecker(redisClient)
		logger.Info("alerts publishing to redis", "channel", cfg.AlertChannel)
	}

	// Ledger service and verifier
	service, err := ledger.NewService(ledger.ServiceConfig{
		Repository: repo,
		Engine:     engine,
		Notifier:   notifier,
		Fallback:   ledger.NewFallbackLogger(os.Stderr, logger),
		Metrics:    ledgerMetrics,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create ledger service", "error", err)
		os.Exit(1)
	}
	verifier := ledger.NewVerifier(repo, engine, ledgerMetrics, logger)

	// Authentication
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	authn := auth.Middleware(jwtService)

	// Rate limiting: shared Redis windows behind a load balancer, in-memory
	// otherwise.
	var rlStore middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	if redisClient != nil {
		rlStore = middleware.NewRedisRateLimitStore(redisClient)
	}
	tenantKey := middleware.TenantKeyFunc()
	ingestLimit := middleware.RateLimiter(rlStore, middleware.DefaultIngestLimit(), tenantKey, httpMetrics)
	verifyLimit := middleware.RateLimiter(rlStore, middleware.DefaultVerifyLimit(), tenantKey, httpMetrics)
	exportLimit := middleware.RateLimiter(rlStore, middleware.DefaultExportLimit(), tenantKey, httpMetrics)

	// Handlers
	auditHandlers := api.NewAuditHandlers(service, verifier, repo, logger)
	if cfg.ArchiveEnabled() {
		uploader, err := archive.NewUploader(archive.UploaderConfig{
			BucketName:      cfg.ArchiveBucketName,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			Logger:          logger,
		})
		if err != nil {
			logger.Error("archive uploader init failed, export archival disabled", "error", err)
		} else {
			auditHandlers = auditHandlers.WithArchiver(uploader)
			logger.Info("export archival enabled", "bucket", cfg.ArchiveBucketName)
		}
	}
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      dbChecker,
		RedisChecker:   redisChecker,
		MetricsEnabled: true,
	})

	mux := http.NewServeMux()

	mux.Handle("/v1/events",
		authn(auth.RequireScope(auth.ScopeIngest)(ingestLimit(http.HandlerFunc(auditHandlers.HandleAppendEvent)))))
	mux.Handle("/v1/records/",
		authn(auth.RequireScope(auth.ScopeRead)(verifyLimit(http.HandlerFunc(auditHandlers.HandleRecord)))))
	mux.Handle("/v1/chains/",
		authn(auth.RequireScope(auth.ScopeRead)(verifyLimit(http.HandlerFunc(auditHandlers.HandleVerifyChain)))))
	mux.Handle("/v1/audit-trail",
		authn(auth.RequireScope(auth.ScopeRead)(verifyLimit(http.HandlerFunc(auditHandlers.HandleAuditTrail)))))
	mux.Handle("/v1/audit-trail/export",
		authn(auth.RequireScope(auth.ScopeExport)(exportLimit(http.HandlerFunc(auditHandlers.HandleExportTrail)))))

	// Stripe webhooks authenticate via signature, not bearer token.
	if cfg.StripeWebhookSecret != "" {
		var dedup idempotency.Store = idempotency.NewInMemoryStore()
		if redisClient != nil {
			dedup = idempotency.NewRedisStore(redisClient, idempotency.DefaultTTL)
		}
		webhookHandlers := api.NewWebhookHandlers(cfg.StripeWebhookSecret, service, logger).WithDedup(dedup)
		mux.HandleFunc("/v1/webhooks/stripe", webhookHandlers.HandleStripeWebhook)
	}

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Root endpoint
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"chainlog-api","version":"0.0.1"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware: RequestID -> Tracing -> Logging -> HTTPMetrics
	handler := middleware.RequestID(
		middleware.Tracing("chainlog-api")(
			middleware.Logging(logger)(
				middleware.HTTPMetrics(httpMetrics)(mux))))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := tracingProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("server stopped")
}
