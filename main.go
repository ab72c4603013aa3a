package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/auth"
	"github.com/gridbase-io/gridbase-engine/pkg/config"
	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
	_ "github.com/gridbase-io/gridbase-engine/pkg/connectors/postgres"
	"github.com/gridbase-io/gridbase-engine/pkg/connectors/snowflake"
	"github.com/gridbase-io/gridbase-engine/pkg/crypto"
	"github.com/gridbase-io/gridbase-engine/pkg/database"
	"github.com/gridbase-io/gridbase-engine/pkg/handlers"
	"github.com/gridbase-io/gridbase-engine/pkg/metrics"
	"github.com/gridbase-io/gridbase-engine/pkg/middleware"
	"github.com/gridbase-io/gridbase-engine/pkg/repositories"
	"github.com/gridbase-io/gridbase-engine/pkg/services"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Host),
		zap.Bool("oauth_enabled", cfg.OAuth.Enabled()),
		zap.Int("org_sources", len(cfg.OrgSources)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("engine exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := database.Migrate(&cfg.Database, logger); err != nil {
		return err
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	vault, err := crypto.NewVault(cfg.CredentialsKey)
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWKSVerifier(ctx, &cfg.Auth)
	if err != nil {
		return err
	}
	authMiddleware := auth.NewMiddleware(verifier, logger)

	pool := connectors.NewSessionPool(snowflake.NewClassifier(logger), logger)
	defer pool.Close()

	repo := repositories.NewDatasourceRepository(db)
	datasourceService := services.NewDatasourceService(repo, vault, pool, cfg, logger)
	oauthService := services.NewOAuthService(cfg, vault, datasourceService, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewDatasourcesHandler(datasourceService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewOAuthHandler(oauthService, logger).RegisterRoutes(mux, authMiddleware)
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gridbase-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
