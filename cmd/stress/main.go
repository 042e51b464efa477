package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"resort_booking/internal/adapters/bookingclient"
	"resort_booking/internal/adapters/observability"
	"resort_booking/internal/domain"
	"resort_booking/internal/shared"
)

// stress fires concurrent allocations for one category and interval and checks
// that the API never hands out more rooms than were free beforehand.
func main() {
	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	var (
		n           = flag.Int("n", cfg.StressRequests, "allocation requests to send")
		category    = flag.String("category", cfg.StressCategory, "room category")
		start       = flag.String("start", time.Now().AddDate(0, 1, 0).Format(domain.DateLayout), "start date")
		nights      = flag.Int("nights", 3, "length of stay")
		concurrency = flag.Int("concurrency", 32, "requests in flight")
	)
	flag.Parse()
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	sd, err := domain.ParseDate(*start)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -start")
	}
	end := sd.AddDate(0, 0, *nights).Format(domain.DateLayout)

	// the server limits per IP; stay under it rather than measure 429s
	cl, err := bookingclient.New(cfg.APIBaseURL, max(cfg.RateLimitRPS, 1))
	if err != nil {
		log.Fatal().Err(err).Msg("client")
	}
	ctx := context.Background()

	before, err := cl.GetAvailability(ctx, *category, *start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("availability before run")
	}

	var (
		mu       sync.Mutex
		rooms    = map[int64]int64{} // room -> booking
		okCount  int
		full     int
		failures = map[string]int{}
	)
	began := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < *n; i++ {
		g.Go(func() error {
			ref := "stress-" + uuid.NewString()
			a, err := cl.CreateAllocation(gctx, bookingclient.AllocationRequest{
				Category: *category, StartDate: *start, EndDate: end, GuestRef: &ref,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
				if prev, dup := rooms[a.RoomID]; dup {
					return fmt.Errorf("room %d allocated twice: bookings %d and %d", a.RoomID, prev, a.BookingID)
				}
				rooms[a.RoomID] = a.BookingID
			case errors.Is(err, domain.ErrNoAvailability):
				full++
			case bookingclient.IsRetryable(err):
				failures["storage_unavailable"]++
			default:
				failures[observability.LabelErr(err)]++
				log.Debug().Err(err).Msg("allocation failed")
			}
			return nil
		})
	}
	runErr := g.Wait()

	after, err := cl.GetAvailability(ctx, *category, *start, end)
	if err != nil {
		log.Warn().Err(err).Msg("availability after run")
	}

	ev := log.Info()
	if runErr != nil || okCount > before {
		ev = log.Error()
	}
	ev.Str("category", *category).
		Str("interval", *start+".."+end).
		Int("requests", *n).
		Int("free_before", before).
		Int("committed", okCount).
		Int("no_availability", full).
		Interface("failures", failures).
		Int("free_after", after).
		Dur("took", time.Since(began)).
		Msg("stress run finished")

	if runErr != nil {
		log.Error().Err(runErr).Msg("double allocation detected")
		os.Exit(1)
	}
	if okCount > before {
		log.Error().Msg("more allocations committed than rooms were free")
		os.Exit(1)
	}
}
