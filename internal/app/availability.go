package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"resort_booking/internal/domain"
)

// AvailabilityService answers "how many rooms of a category are free".
// Answers are advisory: a later Allocate may still fail.
type AvailabilityService struct {
	inv      domain.Inventory
	ledger   domain.Ledger
	cache    domain.Cache // optional
	cacheTTL time.Duration
	group    singleflight.Group
}

func NewAvailabilityService(inv domain.Inventory, l domain.Ledger, c domain.Cache, ttl time.Duration) *AvailabilityService {
	return &AvailabilityService{inv: inv, ledger: l, cache: c, cacheTTL: ttl}
}

// Entries are keyed by a per-category generation that every commit and cancel
// bumps, so a stale count is never read after the write that changed it.
func genKey(c domain.Category) string { return "avail:gen:" + string(c) }

func countKey(c domain.Category, gen int64, iv domain.Interval) string {
	return fmt.Sprintf("avail:%s:%d:%s:%s", c, gen, iv.Start.Format(domain.DateLayout), iv.End.Format(domain.DateLayout))
}

func invalidateAvailability(ctx context.Context, cache domain.Cache, c domain.Category) {
	if cache == nil {
		return
	}
	if _, err := cache.Incr(ctx, genKey(c)); err != nil {
		log.Warn().Err(err).Str("category", string(c)).Msg("availability generation not bumped")
	}
}

const countTimeout = 3 * time.Second

type availabilityEntry struct {
	Count int `json:"count"`
}

// CountAvailable returns the number of in-service rooms of c with no booked
// reservation overlapping iv. Unknown categories count zero.
func (s *AvailabilityService) CountAvailable(ctx context.Context, c domain.Category, iv domain.Interval) (int, error) {
	if !iv.Start.Before(iv.End) {
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidInterval, iv)
	}
	if _, ok := domain.ParseCategory(string(c)); !ok {
		return 0, nil
	}

	key := ""
	if s.cache != nil && s.cacheTTL > 0 {
		var gen int64
		if _, err := s.cache.Get(ctx, genKey(c), &gen); err == nil {
			key = countKey(c, gen, iv)
			var e availabilityEntry
			if ok, _ := s.cache.Get(ctx, key, &e); ok {
				return e.Count, nil
			}
		}
	}

	flight := key
	if flight == "" {
		flight = countKey(c, -1, iv)
	}
	// the shared read must outlive any single caller that gives up
	ch := s.group.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), countTimeout)
		defer cancel()
		return s.count(fctx, c, iv)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return 0, storageErr(ctx, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return 0, res.Err
	}
	n := res.Val.(int)
	if key != "" {
		_ = s.cache.Set(ctx, key, availabilityEntry{Count: n}, int(s.cacheTTL.Seconds()))
	}
	return n, nil
}

func (s *AvailabilityService) count(ctx context.Context, c domain.Category, iv domain.Interval) (int, error) {
	rooms, err := s.inv.RoomsOfCategory(ctx, c)
	if err != nil {
		return 0, storageErr(ctx, err)
	}
	ids := inServiceIDs(rooms)
	if len(ids) == 0 {
		return 0, nil
	}
	busy, err := s.ledger.ActiveBookingsForRooms(ctx, ids, iv)
	if err != nil {
		return 0, storageErr(ctx, err)
	}
	return len(freeOf(ids, busy)), nil
}
