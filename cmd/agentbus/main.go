package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acgs2/agentbus/pkg/audit"
	"github.com/acgs2/agentbus/pkg/bus"
	"github.com/acgs2/agentbus/pkg/config"
	"github.com/acgs2/agentbus/pkg/observability"
	"github.com/acgs2/agentbus/pkg/registry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agentbus", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config profile")
	listenAddr := fs.String("listen", ":8090", "admin HTTP listen address")
	otelDisabled := fs.Bool("no-otel", false, "disable OpenTelemetry export")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentbus: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	deps := bus.Dependencies{}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable, falling back to in-memory registry",
				"addr", cfg.RedisAddr, "error", err)
		} else {
			deps.Registry = registry.NewRedisRegistry(client, nil, cfg.AgentEvictionAfter.Std())
			logger.Info("registry backend: redis", "addr", cfg.RedisAddr)
		}
	}

	switch {
	case cfg.ArchiveDSN != "":
		archive, err := audit.OpenPostgres(cfg.ArchiveDSN)
		if err != nil {
			logger.Error("postgres archive unavailable", "error", err)
			return 1
		}
		deps.Archive = archive
		logger.Info("audit archive: postgres")
	case cfg.ArchivePath != "":
		archive, err := audit.OpenSQLite(cfg.ArchivePath)
		if err != nil {
			logger.Error("sqlite archive unavailable", "path", cfg.ArchivePath, "error", err)
			return 1
		}
		deps.Archive = archive
		logger.Info("audit archive: sqlite", "path", cfg.ArchivePath)
	}

	if !*otelDisabled {
		obsCfg := observability.DefaultConfig()
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			logger.Warn("telemetry init failed, continuing without it", "error", err)
		} else {
			deps.Telemetry = provider
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}

	b, err := bus.New(cfg, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentbus: %v\n", err)
		return 2
	}
	if err := b.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentbus: start: %v\n", err)
		return 1
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.Metrics())
	})
	srv := &http.Server{Addr: *listenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("admin server listening", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "error", err)
		}
	}()

	logger.Info("agentbus ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline.Std()+5*time.Second)
	defer cancel()
	_ = srv.Shutdown(stopCtx)
	if err := b.Stop(stopCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
