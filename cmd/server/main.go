package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stocksim/trading-engine/internal/config"
	"github.com/stocksim/trading-engine/internal/journal"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/marketdata"
	"github.com/stocksim/trading-engine/internal/metrics"
	"github.com/stocksim/trading-engine/internal/pricing"
	"github.com/stocksim/trading-engine/internal/scheduler"
	"github.com/stocksim/trading-engine/internal/seed"
	"github.com/stocksim/trading-engine/internal/store"
	"github.com/stocksim/trading-engine/internal/sweep"
	"github.com/stocksim/trading-engine/internal/trade"
	"github.com/stocksim/trading-engine/internal/valuation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Postgres.URL != "" {
		if err := store.Migrate(cfg.Postgres.URL); err != nil {
			fatal("database migration failed", err)
		}
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			fatal("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				fatal("invalid REDIS_URL", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Engine ---
	pm, err := pricing.NewModel(cfg.Engine.PriceImpactK, cfg.Engine.PriceFloor)
	if err != nil {
		fatal("invalid pricing model", err)
	}
	lm := locks.NewManager(cfg.Engine.LockTimeout)
	v := valuation.New(st)
	sw := sweep.New(st, lm, v, sweep.Config{MaxAttempts: cfg.Engine.SweepMaxAttempts})
	cleanup = append(cleanup, sw.Stop)

	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	opts := []trade.Option{trade.WithHub(wsHub)}
	if cfg.JournalDir != "" {
		j, err := journal.Open(cfg.JournalDir)
		if err != nil {
			fatal("journal open failed", err)
		}
		cleanup = append(cleanup, func() {
			if err := j.Close(); err != nil {
				slog.Error("journal close failed", "err", err)
			}
		})
		retained := 0
		if err := j.Replay(func(journal.Record) error {
			retained++
			return nil
		}); err != nil {
			fatal("journal replay failed", err)
		}
		opts = append(opts, trade.WithJournal(j))
		slog.Info("trade journal enabled", "dir", cfg.JournalDir, "index", j.CurrentIndex(), "retained", retained)
	}

	engine := trade.NewEngine(st, lm, pm, v, sw, opts...)

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			fatal("seed load failed", err)
		}
		if _, err := seed.Apply(ctx, engine, f); err != nil {
			fatal("seed apply failed", err)
		}
	}

	if failed, err := engine.RecalculateAll(ctx); err != nil {
		slog.Error("startup recalculation failed", "err", err)
	} else if failed > 0 {
		slog.Warn("startup recalculation incomplete", "failed", failed)
	}

	// --- Background jobs ---
	if cfg.Market.URL != "" && cfg.Jobs.PriceRefreshInterval > 0 {
		sched, err := scheduler.New()
		if err != nil {
			fatal("scheduler init failed", err)
		}
		quotes := marketdata.New(marketdata.Options{
			BaseURL: cfg.Market.URL,
			Token:   cfg.Market.Token,
			Timeout: cfg.Market.Timeout,
			Debug:   cfg.Market.Debug,
		})
		refresher := scheduler.NewPriceRefresher(quotes, engine)
		if err := sched.Every("price-refresh", cfg.Jobs.PriceRefreshInterval, refresher.Job, false); err != nil {
			fatal("schedule price refresh failed", err)
		}
		sched.Start()
		cleanup = append(cleanup, func() {
			if err := sched.Stop(); err != nil {
				slog.Error("scheduler shutdown failed", "err", err)
			}
		})
		slog.Info("price refresh scheduled", "interval", cfg.Jobs.PriceRefreshInterval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates. Kept outside
		// the timeout middleware, which would cut long-lived connections.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
			trade.NewHandler(engine).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sw.Wait()
	fmt.Println("trading-engine stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
