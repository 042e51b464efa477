package app

import (
	"context"
	"errors"
	"time"

	"resort_booking/internal/domain"
)

type QueryService struct {
	inv      domain.Inventory
	ledger   domain.Ledger
	cache    domain.Cache // optional
	cacheTTL time.Duration
}

func NewQueryService(inv domain.Inventory, l domain.Ledger, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{inv: inv, ledger: l, cache: c, cacheTTL: ttl}
}

func roomsKey(c *domain.Category) string {
	if c == nil {
		return "rooms:all"
	}
	return "rooms:" + string(*c)
}

// ListRooms serves inventory, which only changes on import, from cache.
func (s *QueryService) ListRooms(ctx context.Context, c *domain.Category) ([]domain.Room, error) {
	key := roomsKey(c)
	if s.cache != nil {
		var rs []domain.Room
		if ok, _ := s.cache.Get(ctx, key, &rs); ok {
			return rs, nil
		}
	}
	rs, err := s.inv.ListRooms(ctx, c)
	if err != nil {
		return nil, storageErr(ctx, err)
	}
	// copy so callers can't mutate what the cache holds
	out := make([]domain.Room, len(rs))
	copy(out, rs)
	if s.cache != nil && s.cacheTTL > 0 {
		_ = s.cache.Set(ctx, key, out, int(s.cacheTTL.Seconds()))
	}
	return out, nil
}

func (s *QueryService) GetRoom(ctx context.Context, id int64) (domain.Room, error) {
	r, err := s.inv.GetRoom(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Room{}, storageErr(ctx, err)
	}
	return r, err
}

// Bookings are never cached; they move with every commit.

func (s *QueryService) GetBooking(ctx context.Context, id int64) (domain.Booking, error) {
	b, err := s.ledger.GetBooking(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Booking{}, storageErr(ctx, err)
	}
	return b, err
}

func (s *QueryService) ListBookings(ctx context.Context, q domain.BookingsQuery) (domain.BookingsPage, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	p, err := s.ledger.ListBookings(ctx, q)
	if err != nil {
		return domain.BookingsPage{}, storageErr(ctx, err)
	}
	return p, nil
}
