package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/cache/memstore"
	"reply-pilot/api/internal/cache/pgstore"
	"reply-pilot/api/internal/cache/redisstore"
	"reply-pilot/api/internal/config"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/llm/gemini"
	"reply-pilot/api/internal/llm/openai"
	"reply-pilot/api/internal/pipeline"
	"reply-pilot/api/internal/race"
	"reply-pilot/api/internal/tasks"
	"reply-pilot/api/internal/telegram"
)

func main() {
	cfg := config.Load()
	if cfg.TelegramToken == "" {
		log.Fatal("missing required env TELEGRAM_BOT_TOKEN")
	}

	engines := &llm.Engines{
		Fast:    openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel),
		Premium: gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel),
	}

	store := buildCache(cfg)
	reg := tasks.New()
	racer := race.New(reg, store, cfg.LoserWait)
	ledger := billing.NewLedger(0)

	orch := pipeline.New(engines, store, racer, ledger, pipeline.Config{
		MaxRetries:     cfg.MaxRetries,
		CacheMaxAge:    cfg.CacheMaxAge,
		CostCeilingUSD: cfg.CostCeilingUSD,
	})

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Fatalf("telegram: %v", err)
	}
	bot := telegram.New(api, orch)

	// healthz для платформы
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		log.Printf("healthz on :%s", cfg.Port)
		if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
			log.Printf("http: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot.Run(ctx)

	log.Printf("shutting down")
	reg.Shutdown(cfg.ShutdownGrace)
}

// buildCache собирает двухуровневый кэш: redis (или память, если REDIS_ADDR
// не задан) поверх опционального Postgres.
func buildCache(cfg *config.Config) *cache.Cache {
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
		pg := pgstore.New(db)
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
	})
}
