package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	server "resort_booking/internal/adapters/http_server"
	kafkaad "resort_booking/internal/adapters/kafka"
	"resort_booking/internal/adapters/observability"
	redisad "resort_booking/internal/adapters/redis"
	"resort_booking/internal/app"
	"resort_booking/internal/domain"
	"resort_booking/internal/shared"
	"resort_booking/internal/storage/memory"
	mysqlrepo "resort_booking/internal/storage/mysql"
)

func main() {
	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	reg := observability.InitRegistry()
	observability.Serve(cfg.MetricsAddr, reg)

	// storage
	var (
		inv    domain.Inventory
		ledger domain.Ledger
	)
	switch cfg.Storage {
	case "memory":
		store := memory.New()
		if rooms, err := app.LoadInventoryFile(cfg.InventoryFile); err == nil {
			_ = store.UpsertRooms(context.Background(), rooms)
			log.Info().Int("rooms", len(rooms)).Str("file", cfg.InventoryFile).Msg("in-memory inventory seeded")
		} else {
			log.Warn().Err(err).Msg("in-memory inventory is empty")
		}
		inv, ledger = store, store
	default:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("sql.Open failed")
		}
		defer db.Close()
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatal().Err(err).Msg("db.Ping failed")
		}
		log.Info().Msg("database connection ok")
		repo := mysqlrepo.New(db)
		inv, ledger = repo, repo
	}

	// optional cache
	var cache domain.Cache
	if cfg.RedisAddr != "" {
		rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer rc.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rc.Ping(pctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, continuing without cache")
		} else {
			cache = rc
		}
		cancel()
	}

	// optional booking events
	var events domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafkaad.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka publisher")
		}
		defer pub.Close()
		events = pub
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("booking events enabled")
	}

	// http
	srv := server.New(server.Options{RateRPS: cfg.RateLimitRPS, RateBurst: cfg.RateLimitBurst})
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Alloc: app.NewAllocator(inv, ledger, cache, events, cfg.AllocTimeout),
		Avail: app.NewAvailabilityService(inv, ledger, cache, cfg.CacheTTL),
		Q:     app.NewQueryService(inv, ledger, cache, cfg.CacheTTL),
		Cmd:   app.NewCommandService(inv, ledger, cache, events),
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.Storage).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// drain in-flight allocations before closing storage
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("API stopped")
}
