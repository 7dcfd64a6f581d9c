package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/routegate/routegate/internal/api"
	"github.com/routegate/routegate/internal/budget"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/gateway"
	"github.com/routegate/routegate/internal/httputil"
	"github.com/routegate/routegate/internal/ledger"
	"github.com/routegate/routegate/internal/notifications"
	"github.com/routegate/routegate/internal/policy"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/provider/anthropic"
	"github.com/routegate/routegate/internal/provider/bedrock"
	"github.com/routegate/routegate/internal/provider/local"
	"github.com/routegate/routegate/internal/provider/openai"
	"github.com/routegate/routegate/internal/queue"
	"github.com/routegate/routegate/internal/routing"
	"github.com/routegate/routegate/internal/secrets"
	"github.com/routegate/routegate/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting routegate", "addr", cfg.Addr, "routes_file", cfg.RoutesFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "routegate", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	tables, err := config.LoadTables(cfg.RoutesFile)
	if err != nil {
		slog.Error("failed to load route tables", "path", cfg.RoutesFile, "error", err)
		os.Exit(1)
	}

	selector := routing.NewSelector(tables.Routes)
	policyStore := policy.NewStore(tables.Policies)

	if cfg.WatchRoutes {
		err := config.WatchTables(ctx, cfg.RoutesFile, func(t *config.Tables) {
			selector.Swap(t.Routes)
			policyStore.Swap(t.Policies)
		})
		if err != nil {
			slog.Error("failed to watch route tables", "error", err)
			os.Exit(1)
		}
	}

	var awsSecrets *secrets.AWSSecretsManager
	if cfg.AWSRegion != "" {
		awsSecrets, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("aws secrets manager unavailable, aws-sm refs will fail", "error", err)
			awsSecrets = nil
		}
	}
	resolver := secrets.NewChainResolver(awsSecrets)

	client := httputil.DefaultClient()
	adapters := map[string]provider.Adapter{
		openai.Name:    openai.New(client),
		anthropic.Name: anthropic.New(client),
		local.Name:     local.New(client),
	}
	if cfg.AWSRegion != "" {
		bedrockAdapter, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("bedrock adapter unavailable", "error", err)
		} else {
			adapters[bedrock.Name] = bedrockAdapter
		}
	}
	for name := range adapters {
		slog.Info("registered provider", "provider", name)
	}

	var checkers []api.HealthChecker
	var store ledger.Ledger
	switch cfg.LedgerBackend {
	case "redis":
		redisLedger, err := ledger.NewRedis(cfg.RedisURL, cfg.LedgerRingSize)
		if err != nil {
			slog.Error("failed to connect to redis ledger", "error", err)
			os.Exit(1)
		}
		store = redisLedger
		checkers = append(checkers, api.NewRedisHealthChecker(redisLedger.Client()))
		slog.Info("using redis ledger")
	case "postgres":
		pgLedger, err := ledger.NewPostgres(cfg.DatabaseURL, cfg.LedgerRingSize)
		if err != nil {
			slog.Error("failed to connect to postgres ledger", "error", err)
			os.Exit(1)
		}
		if err := pgLedger.Migrate(ctx); err != nil {
			slog.Error("ledger migration failed", "error", err)
			os.Exit(1)
		}
		defer pgLedger.Close()
		store = pgLedger
		checkers = append(checkers, api.NewPostgresHealthChecker(pgLedger.DB()))
		slog.Info("using postgres ledger")
	default:
		store = ledger.NewMemory(cfg.LedgerRingSize)
		slog.Info("using in-memory ledger")
	}

	monitor := budget.NewMonitor(store, budget.DefaultThresholds())
	monitor.OnAlert(budget.LogAlertHandler)
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns notifier unavailable", "error", err)
		} else {
			monitor.OnAlert(notifications.BudgetAlertHandler(notifier))
			slog.Info("budget alerts publishing to sns", "topic", cfg.SNSTopicARN)
		}
	}

	var exporter *queue.Exporter
	if cfg.SQSQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err := queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			slog.Warn("sqs usage export unavailable", "error", err)
		} else {
			exporter = queue.NewExporter(publisher)
			defer exporter.Close()
			slog.Info("usage records exporting to sqs", "queue", cfg.SQSQueueURL)
		}
	}

	gw := gateway.New(selector, policy.NewEnforcer(policyStore), adapters, resolver, store, gateway.Options{
		Monitor:          monitor,
		Exporter:         exporter,
		DefaultBudgetUSD: cfg.DefaultBudgetUSD,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:  gw,
		Selector: selector,
		Ledger:   store,
		Checkers: checkers,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// no WriteTimeout: streams may run longer than any fixed deadline
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
