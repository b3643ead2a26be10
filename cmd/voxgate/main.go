// Command voxgate is the main entry point for the voxgate audio relay
// gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/realtime"
	"github.com/MrWong99/voxgate/pkg/provider/realtime/doubao"
	"github.com/MrWong99/voxgate/pkg/provider/realtime/openai"
	"github.com/MrWong99/voxgate/pkg/store"
	"github.com/MrWong99/voxgate/pkg/store/postgres"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration (with live reload) ─────────────────────────────────
	// Only the log level is applied live; other changes are logged as
	// requiring a restart.
	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		for _, section := range d.RestartRequired {
			slog.Warn("config change requires restart to take effect", "section", section)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Store ─────────────────────────────────────────────────────────────────
	var (
		st      store.Store
		pgStore *postgres.Store
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pgStore, err = postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pgStore.Close()
		st = pgStore
		slog.Info("postgres store connected")
	} else {
		slog.Warn("no postgres_dsn configured; using in-memory store, nothing survives restarts")
		st = store.NewMemStore()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	registry := buildRegistry(cfg.Providers)
	if len(registry.Names()) == 0 {
		slog.Warn("no provider credentials configured; every session will fail to resolve an adapter")
	} else {
		slog.Info("providers registered", "providers", registry.Names())
	}

	// ── HTTP routes ───────────────────────────────────────────────────────────
	captureDir := ""
	if cfg.Capture.Enabled {
		captureDir = cfg.Capture.Dir
	}

	gw := gateway.New(gateway.Config{
		Verifier:   auth.NewJWTVerifier(cfg.Auth.JWTSecret),
		Store:      st,
		Registry:   registry,
		Metrics:    metrics,
		CaptureDir: captureDir,
	})

	mux := http.NewServeMux()
	gw.Register(mux)
	healthHandler(pgStore).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildRegistry wires adapter factories for every provider that has
// credentials configured. Personalities naming an unregistered provider fail
// at session start with ErrUnknownProvider.
func buildRegistry(cfg config.ProvidersConfig) *realtime.Registry {
	registry := realtime.NewRegistry()

	if cfg.Doubao.AppID != "" && cfg.Doubao.AccessToken != "" {
		db := cfg.Doubao
		registry.Register("doubao", func(rc realtime.Config) (realtime.Adapter, error) {
			var opts []doubao.Option
			if db.BaseURL != "" {
				opts = append(opts, doubao.WithBaseURL(db.BaseURL))
			}
			if db.Voice != "" {
				opts = append(opts, doubao.WithVoice(db.Voice))
			}
			if db.Model != "" {
				opts = append(opts, doubao.WithModel(db.Model))
			}
			return doubao.New(db.AppID, db.AccessToken, rc, opts...)
		})
	}

	if cfg.OpenAI.APIKey != "" {
		oa := cfg.OpenAI
		registry.Register("openai", func(rc realtime.Config) (realtime.Adapter, error) {
			var opts []openai.Option
			if oa.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(oa.BaseURL))
			}
			if oa.Model != "" {
				opts = append(opts, openai.WithModel(oa.Model))
			}
			return openai.New(oa.APIKey, rc, opts...)
		})
	}

	return registry
}

// healthHandler builds the liveness/readiness handler. The database check
// only exists when a postgres store is in use.
func healthHandler(pg *postgres.Store) *health.Handler {
	if pg == nil {
		return health.New()
	}
	return health.New(health.Checker{Name: "database", Check: pg.Ping})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
