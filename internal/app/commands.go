package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"resort_booking/internal/domain"
)

type CommandService struct {
	inv    domain.Inventory
	ledger domain.Ledger
	cache  domain.Cache          // optional
	events domain.EventPublisher // optional
}

func NewCommandService(inv domain.Inventory, l domain.Ledger, c domain.Cache, p domain.EventPublisher) *CommandService {
	return &CommandService{inv: inv, ledger: l, cache: c, events: p}
}

// CancelBooking releases the booking's room for its interval. Cancelling an
// already cancelled booking returns it unchanged and emits nothing.
func (s *CommandService) CancelBooking(ctx context.Context, id int64) (domain.Booking, error) {
	cur, err := s.ledger.GetBooking(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Booking{}, err
	}
	if err != nil {
		return domain.Booking{}, storageErr(ctx, err)
	}
	if !cur.Active() {
		return cur, nil
	}

	b, err := s.ledger.CancelBooking(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Booking{}, err
		}
		return domain.Booking{}, storageErr(ctx, err)
	}

	room, err := s.inv.GetRoom(ctx, b.RoomID)
	if err != nil {
		// booking stays cancelled; only the side effects are skipped
		log.Warn().Err(err).Int64("booking_id", b.ID).Int64("room_id", b.RoomID).Msg("cancelled booking has no room")
		return b, nil
	}
	invalidateAvailability(ctx, s.cache, room.Category)
	if s.events != nil {
		if err := s.events.Publish(ctx, bookingEvent(domain.EventBookingCancelled, room.Category, b)); err != nil {
			log.Warn().Err(err).Int64("booking_id", b.ID).Msg("booking event not published")
		}
	}
	log.Info().Int64("booking_id", b.ID).Int64("room_id", b.RoomID).Msg("booking cancelled")
	return b, nil
}

// ImportRooms upserts inventory and drops every cache entry it could affect.
func (s *CommandService) ImportRooms(ctx context.Context, rooms []domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	touched := map[domain.Category]struct{}{}
	for _, r := range rooms {
		if r.ID <= 0 {
			return fmt.Errorf("room id must be positive, got %d", r.ID)
		}
		if _, ok := domain.ParseCategory(string(r.Category)); !ok {
			return fmt.Errorf("room %d: %w: %q", r.ID, domain.ErrUnknownCategory, r.Category)
		}
		if !r.Status.Valid() {
			return fmt.Errorf("room %d: invalid status %q", r.ID, r.Status)
		}
		touched[r.Category] = struct{}{}
	}

	s.touchPrevious(ctx, rooms, touched)

	start := time.Now()
	if err := s.inv.UpsertRooms(ctx, rooms); err != nil {
		return fmt.Errorf("upsert %d rooms: %w", len(rooms), err)
	}
	for c := range touched {
		invalidateAvailability(ctx, s.cache, c)
		s.invalidateRooms(ctx, &c)
	}
	s.invalidateRooms(ctx, nil)
	log.Debug().Int("rooms", len(rooms)).Dur("took", time.Since(start)).Msg("rooms imported")
	return nil
}

// touchPrevious adds the current category of every room about to move, so the
// category it leaves is refreshed too. A failed lookup refreshes everything.
func (s *CommandService) touchPrevious(ctx context.Context, rooms []domain.Room, touched map[domain.Category]struct{}) {
	if s.cache == nil {
		return
	}
	for _, r := range rooms {
		prev, err := s.inv.GetRoom(ctx, r.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			log.Warn().Err(err).Int64("room_id", r.ID).Msg("previous category unknown, refreshing all")
			for _, c := range domain.Categories {
				touched[c] = struct{}{}
			}
			return
		case prev.Category != r.Category:
			touched[prev.Category] = struct{}{}
		}
	}
}

func (s *CommandService) invalidateRooms(ctx context.Context, c *domain.Category) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, roomsKey(c))
}
