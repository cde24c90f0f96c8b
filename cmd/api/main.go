package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/payoffsolar/api/internal/di"
	"github.com/payoffsolar/api/internal/handlers"
	"github.com/payoffsolar/api/internal/platform/config"
	"github.com/payoffsolar/api/internal/platform/observability"
	"github.com/payoffsolar/api/internal/platform/secrets"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}
	local := envOr(envValues, "API_SECURITY_ENVIRONMENT", "local") == "local"

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"], local)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	var loadOpts []config.Option
	if usesSecretReferences(envValues) {
		fetcher, err := newSecretFetcher(ctx, logger, envValues, local)
		if err != nil {
			logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
		}
		defer func() {
			if err := fetcher.Close(); err != nil {
				logger.Warn("secret fetcher close error", zap.Error(err))
			}
		}()
		loadOpts = append(loadOpts, config.WithSecretResolver(fetcher))
	}

	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	container.StartBackground(backgroundCtx)

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: container.Router(handlers.BuildInfo{
			Version:     strings.TrimSpace(envValues["API_BUILD_VERSION"]),
			CommitSHA:   strings.TrimSpace(envValues["API_BUILD_COMMIT_SHA"]),
			Environment: cfg.Security.Environment,
			StartedAt:   startedAt,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("payoffsolar api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func envOr(env map[string]string, key, fallback string) string {
	if value := strings.ToLower(strings.TrimSpace(env[key])); value != "" {
		return value
	}
	return fallback
}

// usesSecretReferences reports whether any API_ setting points at Secret Manager.
func usesSecretReferences(env map[string]string) bool {
	for key, value := range env {
		if !strings.HasPrefix(key, "API_") {
			continue
		}
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://") {
			return true
		}
	}
	return false
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string, local bool) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(env["API_SECRETS_PROJECT_ID"])
	if project == "" {
		project = strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"])
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(project),
		secrets.WithLocalFallback(local),
	}
	if credentials := strings.TrimSpace(env["API_FIREBASE_CREDENTIALS_FILE"]); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
