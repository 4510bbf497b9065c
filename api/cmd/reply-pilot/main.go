package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/cache/memstore"
	"reply-pilot/api/internal/cache/pgstore"
	"reply-pilot/api/internal/cache/redisstore"
	"reply-pilot/api/internal/config"
	"reply-pilot/api/internal/handle"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/llm/gemini"
	"reply-pilot/api/internal/llm/openai"
	"reply-pilot/api/internal/pipeline"
	"reply-pilot/api/internal/race"
	"reply-pilot/api/internal/tasks"
)

func main() {
	cfg := config.Load()

	engines := &llm.Engines{
		Fast:    openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel),
		Premium: gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel),
	}

	store, pg := buildCache(cfg)
	reg := tasks.New()
	racer := race.New(reg, store, cfg.LoserWait)
	ledger := billing.NewLedger(0)

	orch := pipeline.New(engines, store, racer, ledger, pipeline.Config{
		MaxRetries:     cfg.MaxRetries,
		CacheMaxAge:    cfg.CacheMaxAge,
		CostCeilingUSD: cfg.CostCeilingUSD,
	})

	h := handle.New(orch)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := engines.Ping(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/reply/suggest", h.Suggest)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pg != nil {
		go purgeLoop(ctx, pg, cfg.EventRetention)
	}

	go func() {
		log.Printf("reply-pilot listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// фоновые продолжения гонок добегают в пределах грейс-периода
	reg.Shutdown(cfg.ShutdownGrace)
}

// purgeLoop раз в час выметает события старше retention из durable tier.
func purgeLoop(ctx context.Context, pg *pgstore.Store, retention time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := pg.PurgeOlderThan(ctx, retention)
			if err != nil {
				log.Printf("purge: %v", err)
			} else if n > 0 {
				log.Printf("purge: removed %d events older than %s", n, retention)
			}
		}
	}
}

// buildCache собирает двухуровневый кэш: redis (или память, если REDIS_ADDR
// не задан) поверх опционального Postgres.
func buildCache(cfg *config.Config) (*cache.Cache, *pgstore.Store) {
	var vol cache.VolatileStore
	if cfg.RedisAddr != "" {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		log.Printf("redis connected: %s", cfg.RedisAddr)
		vol = rs
	} else {
		log.Printf("REDIS_ADDR is empty, using in-process volatile store")
		vol = memstore.New()
	}

	var dur cache.DurableStore
	var pg *pgstore.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("sql.Open: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(1 * time.Hour)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("db.Ping: %v", err)
		}
		pg = pgstore.New(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		log.Printf("db connected")
		dur = pg
	} else {
		log.Printf("DATABASE_URL is empty, durable cache tier disabled")
	}

	return cache.New(vol, dur, cache.Options{
		Prefix:      cfg.CachePrefix,
		SessionTTL:  cfg.SessionTTL,
		TimelineCap: cfg.TimelineCap,
	}), pg
}
