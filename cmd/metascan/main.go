package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pakfur/metascan/internal/api"
	"github.com/pakfur/metascan/internal/captioner"
	"github.com/pakfur/metascan/internal/langdata"
	"github.com/pakfur/metascan/internal/library"
	"github.com/pakfur/metascan/internal/search/cache"
	"github.com/pakfur/metascan/internal/store"
	"github.com/pakfur/metascan/internal/tokenizer"
	"github.com/pakfur/metascan/pkg/config"
	"github.com/pakfur/metascan/pkg/health"
	"github.com/pakfur/metascan/pkg/logger"
	"github.com/pakfur/metascan/pkg/metrics"
	"github.com/pakfur/metascan/pkg/middleware"
	pkgredis "github.com/pakfur/metascan/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting metascan", "port", cfg.Server.Port, "data_dir", cfg.Store.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Language data is best-effort: a failed download leaves the tokenizer
	// on its fallback path, it never blocks startup.
	provider := langdata.New(cfg.LangData)
	provisionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := provider.EnsureAvailable(provisionCtx); err != nil {
		slog.Warn("language data unavailable, tokenizer running degraded", "error", err)
	}
	cancel()
	tok := tokenizer.New(provider)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	var queryCache library.ResultCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = cache.New(redisClient, cfg.Redis.CacheTTL)
		slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	lib, err := library.Open(library.Options{
		Store:                st,
		Captioner:            captioner.NewClient(cfg.Captioner),
		Tokenizer:            tok,
		Cache:                queryCache,
		Metrics:              m,
		Search:               cfg.Search,
		MaxConcurrentIngests: cfg.Library.MaxConcurrentIngests,
	})
	if err != nil {
		slog.Error("failed to open library", "error", err)
		st.Close()
		os.Exit(1)
	}
	defer lib.Close()

	if err := lib.CheckIntegrity(); err != nil {
		slog.Warn("index integrity check failed, rebuilding", "error", err)
		if err := lib.Rebuild(ctx); err != nil {
			slog.Error("index rebuild failed", "error", err)
			os.Exit(1)
		}
	}

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		if err := lib.CheckIntegrity(); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp,
			Message: fmt.Sprintf("%d documents", lib.Stats().IndexDocs)}
	})
	checker.Register("tokenizer", func(ctx context.Context) health.ComponentHealth {
		if tok.Degraded() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "fallback tokenisation"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	handler := api.NewHandler(lib, checker)
	var chain http.Handler = handler.Routes()
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Logging(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("metascan listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("metascan stopped")
}
