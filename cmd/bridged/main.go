// Command bridged runs the reality-bridge server: it registers claims,
// ingests measurements, evaluates evidence on demand or on a timer, and
// serves tier state over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/realitybridge/core/pkg/api"
	"github.com/realitybridge/core/pkg/bridge"
	"github.com/realitybridge/core/pkg/cascade"
	"github.com/realitybridge/core/pkg/config"
	"github.com/realitybridge/core/pkg/observability"
	"github.com/realitybridge/core/pkg/store"
	"github.com/realitybridge/core/pkg/tier"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	db, err := sql.Open("sqlite", cfg.SQLitePath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	defs, err := store.NewSQLiteStore(ctx, db)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	registry, err := openRegistry(ctx, cfg, db)
	if err != nil {
		log.Fatalf("init registry: %v", err)
	}

	eventLog, closeLog, err := openEventLog(ctx, cfg, db)
	if err != nil {
		log.Fatalf("init event log: %v", err)
	}
	defer closeLog()

	var metrics *observability.Provider
	if cfg.MetricsEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		metrics, err = observability.New(ctx, obsCfg)
		if err != nil {
			log.Fatalf("init metrics: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	eng := bridge.NewEngine(registry, eventLog, metrics, bridge.Config{
		MinDwell:    cfg.MinDwell,
		MaxRetries:  cfg.MaxRetries,
		DecayRate:   cfg.DecayRate,
		DecayPeriod: cfg.DecayPeriod,
		MaxHistory:  cfg.MaxHistory,
		Workers:     cfg.Workers,
	})

	if err := rehydrate(ctx, eng, defs); err != nil {
		log.Fatalf("rehydrate: %v", err)
	}
	if err := eng.RebuildMeta(ctx); err != nil {
		log.Fatalf("rebuild meta state: %v", err)
	}
	slog.Info("engine ready", "claims", len(eng.Claims()))

	srv := api.NewServer(eng, api.WithStore(defs))
	limiter := api.NewGlobalRateLimiter(50, 100)
	defer limiter.Stop()
	handler := api.WithRequestLogging(slog.Default(), limiter.Middleware(srv.Routes()))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startSweeps(runCtx, eng, cfg)

	go func() {
		slog.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-runCtx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openRegistry(ctx context.Context, cfg *config.Config, sqliteDB *sql.DB) (tier.Registry, error) {
	if cfg.DatabaseURL == "" {
		return tier.NewSQLiteRegistry(ctx, sqliteDB)
	}

	pg, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.PingContext(ctx); err != nil {
		return nil, err
	}
	reg := tier.NewPostgresRegistry(pg)
	if err := reg.Init(ctx); err != nil {
		return nil, err
	}
	slog.Info("postgres registry connected")
	return reg, nil
}

func openEventLog(ctx context.Context, cfg *config.Config, sqliteDB *sql.DB) (cascade.Log, func(), error) {
	if cfg.EventLog != "" {
		l, err := cascade.OpenJSONLLog(cfg.EventLog)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
	l, err := cascade.NewSQLiteLog(ctx, sqliteDB)
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}

// rehydrate restores registered claims and replays archived measurements
// into their anchors.
func rehydrate(ctx context.Context, eng *bridge.Engine, defs *store.SQLiteStore) error {
	claimDefs, err := defs.Claims(ctx)
	if err != nil {
		return err
	}
	for _, def := range claimDefs {
		c, err := def.Build()
		if err != nil {
			return err
		}
		if err := eng.RestoreClaim(ctx, c); err != nil {
			return err
		}
	}

	measurements, err := defs.Measurements(ctx)
	if err != nil {
		return err
	}
	for _, m := range measurements {
		if err := eng.SubmitMeasurement(ctx, m.Claim, m.AnchorID, m.Value, m.Timestamp); err != nil {
			slog.Warn("skipping archived measurement", "claim", m.Claim, "anchor", m.AnchorID, "error", err)
		}
	}
	return nil
}

// startSweeps launches the optional background evaluation and decay
// loops.
func startSweeps(ctx context.Context, eng *bridge.Engine, cfg *config.Config) {
	if cfg.EvalInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.EvalInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					results := eng.EvaluateAll(ctx, time.Now().UTC())
					slog.Debug("evaluation sweep done", "claims", len(results))
				}
			}
		}()
	}
	if cfg.DecayInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.DecayInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := eng.DecayStale(time.Now().UTC()); n > 0 {
						slog.Info("decayed stale claims", "count", n)
					}
				}
			}
		}()
	}
}
