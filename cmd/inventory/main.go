package main

import (
	"context"
	"database/sql"
	"flag"
	"sort"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"resort_booking/internal/adapters/observability"
	redisad "resort_booking/internal/adapters/redis"
	"resort_booking/internal/app"
	"resort_booking/internal/domain"
	"resort_booking/internal/shared"
	mysqlrepo "resort_booking/internal/storage/mysql"
)

const batchSize = 100

func main() {
	ctx := context.Background()
	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	file := flag.String("file", cfg.InventoryFile, "inventory YAML")
	flag.Parse()

	// 1) initialize global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	rooms, err := app.LoadInventoryFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("inventory file rejected")
	}
	log.Info().
		Str("file", *file).
		Int("rooms", len(rooms)).
		Int("workers", cfg.InventoryWorkers).
		Msg("inventory import starting")

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	repo := mysqlrepo.New(db)
	var cache domain.Cache
	if cfg.RedisAddr != "" {
		rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer rc.Close()
		cache = rc
	}
	cmds := app.NewCommandService(repo, repo, cache, nil)

	batches := batchByCategory(rooms, batchSize)
	sem := semaphore.NewWeighted(int64(max(cfg.InventoryWorkers, 1)))
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, b := range batches {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Fatal().Err(err).Msg("semaphore acquire failed")
		}
		wg.Add(1)
		go func(batch []domain.Room) {
			defer wg.Done()
			defer sem.Release(1)

			c := batch[0].Category
			if err := cmds.ImportRooms(ctx, batch); err != nil {
				log.Warn().Str("category", string(c)).Int("rooms", len(batch)).Err(err).Msg("batch failed")
				mu.Lock()
				failed += len(batch)
				mu.Unlock()
				return
			}
			log.Info().Str("category", string(c)).Int("rooms", len(batch)).Msg("batch ok")
		}(b)
	}
	wg.Wait()

	if failed > 0 {
		log.Fatal().Int("failed", failed).Int("total", len(rooms)).Msg("inventory import incomplete")
	}
	log.Info().Int("rooms", len(rooms)).Msg("inventory import completed")
}

// batchByCategory groups rooms per category in id order, so two workers never
// upsert the same rows.
func batchByCategory(rooms []domain.Room, size int) [][]domain.Room {
	by := map[domain.Category][]domain.Room{}
	for _, r := range rooms {
		by[r.Category] = append(by[r.Category], r)
	}
	cats := make([]domain.Category, 0, len(by))
	for c := range by {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	var out [][]domain.Room
	for _, c := range cats {
		rs := by[c]
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
		for len(rs) > 0 {
			n := min(size, len(rs))
			out = append(out, rs[:n])
			rs = rs[n:]
		}
	}
	return out
}
