package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/unifarm/farming-engine/internal/config"
	"github.com/unifarm/farming-engine/internal/ledger"
	"github.com/unifarm/farming-engine/internal/metrics"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/referral"
	"github.com/unifarm/farming-engine/internal/scheduler"
	"github.com/unifarm/farming-engine/internal/store"
	"github.com/unifarm/farming-engine/internal/wallet"
)

func main() {
	cfg := config.Load()

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, nil)
	if cfg.LogFormat == "text" {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub (balance-change notifier) ---
	wsHub := wallet.NewWSHub()
	go wsHub.Run()

	// --- Core engine ---
	recorder := ledger.NewRecorder(st, slog.Default(), wsHub)
	distributor := referral.NewDistributor(st, recorder, slog.Default(), referral.DefaultLevelTable())
	walletSvc := wallet.NewService(st, recorder, distributor, cfg.FarmingRate, cfg.PeriodsPerDay)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One driver per position type; ticks never overlap within a type.
	for _, ptype := range []model.PositionType{model.PositionFarming, model.PositionBoost} {
		sched, err := scheduler.New(scheduler.Config{
			Logger:        slog.Default(),
			Store:         st,
			Recorder:      recorder,
			Distributor:   distributor,
			PositionType:  ptype,
			Interval:      cfg.FarmingInterval,
			PeriodsPerDay: cfg.PeriodsPerDay,
			Mode:          cfg.AccrualMode,
			MaxConcurrent: cfg.MaxConcurrent,
			UserTimeout:   cfg.UserTimeout,
		})
		if err != nil {
			slog.Error("scheduler init failed", "position_type", ptype, "err", err)
			os.Exit(1)
		}
		sched.Start(ctx)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the mini-app frontend.
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
		w.Write([]byte(`{"status":"ok","service":"farming-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for balance-change events.
		r.Get("/ws", wsHub.HandleWS)

		// Registration and queries.
		r.Post("/users", walletSvc.Register)
		r.Get("/users/{userID}", walletSvc.GetUser)
		r.Get("/users/{userID}/transactions", walletSvc.GetTransactions)
		r.Post("/users/{userID}/farming/stop", walletSvc.StopFarming)

		// Balance movement.
		r.Post("/deposits", walletSvc.Deposit)
		r.Post("/withdrawals", walletSvc.Withdraw)

		// Boost catalog and purchase.
		r.Get("/boost-packages", walletSvc.ListBoostPackages)
		r.Post("/boosts/purchase", walletSvc.PurchaseBoost)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("farming-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down farming-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("farming-engine stopped")
}
