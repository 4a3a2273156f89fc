// Package main is the entry point for the chain verifier. It walks every
// tenant chain in the ledger, re-checking hashes, signatures, and hash
// linkage, and exits non-zero when any violation is found. Intended to run
// on a schedule alongside the API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/chainlog/chainlog/internal/config"
	"github.com/chainlog/chainlog/internal/ledger"
	"github.com/chainlog/chainlog/internal/middleware"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to YAML config file (optional)")
	tenant := flag.String("tenant", "", "verify a single tenant instead of all tenants")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall scan deadline")
	flag.Parse()

	if *help {
		fmt.Println("chainlog Chain Verifier")
		fmt.Println()
		fmt.Println("Usage: verifier [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	for _, err := range errs {
		// The verifier never issues or checks tokens.
		if errors.Is(err, config.ErrMissingJWTSecret) {
			continue
		}
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required, the verifier scans durable storage")
		os.Exit(1)
	}
	if cfg.EncryptionKeyBytes() == nil {
		logger.Error("ENCRYPTION_KEY and SIGNING_KEY are required, ephemeral keys cannot verify stored signatures")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(5)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	engine, err := ledger.NewEngine(cfg.EncryptionKeyBytes(), cfg.SigningKeyBytes())
	if err != nil {
		logger.Error("failed to create crypto engine", "error", err)
		os.Exit(1)
	}

	repo := ledger.NewPostgresRepository(db, logger)
	verifier := ledger.NewVerifier(repo, engine, nil, logger)

	tenants := []string{*tenant}
	if *tenant == "" {
		tenants, err = repo.ListTenants(ctx)
		if err != nil {
			logger.Error("failed to list tenants", "error", err)
			os.Exit(1)
		}
	}

	violations := scanChains(ctx, verifier, tenants, logger)
	if violations > 0 {
		logger.Error("chain scan found violations", "violations", violations, "tenants", len(tenants))
		os.Exit(2)
	}
	logger.Info("chain scan clean", "tenants", len(tenants))
}

// scanChains verifies each tenant chain in turn and returns the total
// violation count. A scan error on one tenant counts as a violation so a
// partial scan can never report clean.
func scanChains(ctx context.Context, verifier *ledger.Verifier, tenants []string, logger *slog.Logger) int {
	violations := 0
	for _, tenantID := range tenants {
		start := time.Now()
		report, err := verifier.VerifyChain(ctx, tenantID)
		if err != nil {
			logger.Error("chain scan failed", "tenant_id", tenantID, "error", err)
			violations++
			continue
		}
		if len(report.Violations) > 0 {
			violations += len(report.Violations)
			for _, v := range report.Violations {
				logger.Error("chain violation", "tenant_id", tenantID, "violation", v)
			}
			continue
		}
		logger.Info("chain verified",
			"tenant_id", tenantID,
			"records", report.Records,
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	}
	return violations
}
