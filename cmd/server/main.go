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
	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/api"
	"github.com/atmx/margin-engine/internal/bus"
	"github.com/atmx/margin-engine/internal/command"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/engine"
	"github.com/atmx/margin-engine/internal/feed"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/notify"
	"github.com/atmx/margin-engine/internal/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	risk := config.Default()
	if cfg.RiskConfigFile != "" {
		if risk, err = config.LoadFile(cfg.RiskConfigFile); err != nil {
			slog.Error("risk config load failed", "file", cfg.RiskConfigFile, "err", err)
			os.Exit(1)
		}
		slog.Info("risk config loaded", "file", cfg.RiskConfigFile)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (command bus, price feed, notifications, cache) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}

		// Writes leave the risk path through a bounded async recorder.
		rec := store.NewRecorder(st, 4096, 5*time.Second)
		go rec.Run()
		cleanup = append(cleanup, rec.Close)
		st = rec
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notifications ---
	hub := notify.NewHub()
	go hub.Run()
	cleanup = append(cleanup, hub.Stop)

	notifiers := notify.Fanout{notify.Log{}, hub}
	if rdb != nil {
		pub := notify.NewRedisPublisher(rdb, cfg.NotifyChannel)
		go pub.Run(ctx)
		notifiers = append(notifiers, pub)
	}

	// --- Engine ---
	eng := engine.New(engine.Options{
		Risk:          risk,
		Store:         st,
		Notifier:      notifiers,
		SweepInterval: cfg.SweepInterval,
		DrainPace:     cfg.DrainPace,
	})
	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()

	disp := command.NewDispatcher(eng)

	// --- Transports and feeds ---
	if rdb != nil {
		go bus.NewServer(rdb, cfg.CommandQueue, disp).Run(ctx)
		go feed.NewRedisFeed(rdb, cfg.PriceQueue, eng).Run(ctx)
	}
	if cfg.NATSURL != "" {
		nc, err := feed.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		nf := feed.NewNATSFeed(nc, cfg.NATSPriceSubject, eng)
		if err := nf.Start(ctx); err != nil {
			slog.Error("nats subscribe failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nf.Stop)
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
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of risk notifications; no request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.NewHandler(disp).Routes(r)
		})
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
		slog.Info("margin-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// SIGHUP re-reads the risk config file; everything else shuts down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig != syscall.SIGHUP {
			break
		}
		reload(eng, cfg.RiskConfigFile)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	<-engineDone
	fmt.Println("margin-engine stopped")
}

func reload(eng *engine.Engine, path string) {
	if path == "" {
		slog.Warn("SIGHUP ignored: RISK_CONFIG_FILE not set")
		return
	}
	next, err := config.LoadFile(path)
	if err == nil {
		err = eng.ReplaceConfig(next)
	}
	if err != nil {
		slog.Error("risk config reload failed, keeping current config", "file", path, "err", err)
	}
}
