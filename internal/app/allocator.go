package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"resort_booking/internal/adapters/observability"
	"resort_booking/internal/domain"
)

// Allocator assigns a concrete room of a category to a date interval.
//
// The availability snapshot it reads first is only a pre-filter. The ledger's
// InsertBooking is the sole authority on whether a room is free, so a room
// lost to a concurrent writer between snapshot and commit is simply dropped
// from the candidate list and the next one is tried.
type Allocator struct {
	inv     domain.Inventory
	ledger  domain.Ledger
	cache   domain.Cache          // optional
	events  domain.EventPublisher // optional
	timeout time.Duration
}

func NewAllocator(inv domain.Inventory, l domain.Ledger, c domain.Cache, p domain.EventPublisher, timeout time.Duration) *Allocator {
	return &Allocator{inv: inv, ledger: l, cache: c, events: p, timeout: timeout}
}

func (a *Allocator) Allocate(ctx context.Context, c domain.Category, iv domain.Interval, g domain.GuestInfo) (b domain.Booking, err error) {
	start := time.Now()
	defer func() { observability.ObserveAllocation(string(c), outcome(err), time.Since(start)) }()

	if !iv.Start.Before(iv.End) {
		return domain.Booking{}, fmt.Errorf("%w: %s", domain.ErrInvalidInterval, iv)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	lg := log.With().Str("category", string(c)).Str("interval", iv.String()).Logger()

	// Checking
	rooms, err := a.inv.RoomsOfCategory(ctx, c)
	if err != nil {
		return domain.Booking{}, storageErr(ctx, err)
	}
	if len(rooms) == 0 {
		lg.Debug().Msg("allocation failed: unknown category")
		return domain.Booking{}, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, c)
	}

	ids := inServiceIDs(rooms)
	busy, err := a.ledger.ActiveBookingsForRooms(ctx, ids, iv)
	if err != nil {
		return domain.Booking{}, storageErr(ctx, err)
	}
	candidates := freeOf(ids, busy)
	if len(candidates) == 0 {
		lg.Debug().Int("rooms", len(rooms)).Int("busy", len(busy)).Msg("allocation failed: no candidates")
		return domain.Booking{}, fmt.Errorf("%w: %s %s", domain.ErrNoAvailability, c, iv)
	}

	// bounded by len(candidates): each conflict removes one room for good
	for len(candidates) > 0 {
		roomID := candidates[0]
		lg.Debug().Int64("room_id", roomID).Int("candidates", len(candidates)).Msg("committing")

		b, err := a.ledger.InsertBooking(ctx, roomID, iv, g)
		if err == nil {
			lg.Info().Int64("booking_id", b.ID).Int64("room_id", b.RoomID).Msg("allocation committed")
			a.afterCommit(ctx, lg, c, b)
			return b, nil
		}
		if !errors.Is(err, domain.ErrRoomConflict) {
			lg.Warn().Err(err).Int64("room_id", roomID).Msg("allocation aborted")
			return domain.Booking{}, storageErr(ctx, err)
		}

		// Conflicted: somebody committed this room after our snapshot.
		observability.ObserveCommitConflict(string(c))
		lg.Debug().Err(err).Int64("room_id", roomID).Msg("commit conflict, trying next candidate")
		candidates = candidates[1:]
	}

	lg.Info().Msg("allocation failed: every candidate conflicted at commit")
	return domain.Booking{}, fmt.Errorf("%w: %w", domain.ErrNoAvailability, domain.ErrConflictExhausted)
}

// afterCommit runs side effects that must not undo a committed booking.
func (a *Allocator) afterCommit(ctx context.Context, lg zerolog.Logger, c domain.Category, b domain.Booking) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	invalidateAvailability(ctx, a.cache, c)
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, bookingEvent(domain.EventBookingCreated, c, b)); err != nil {
		lg.Warn().Err(err).Int64("booking_id", b.ID).Msg("booking event not published")
	}
}

func bookingEvent(t domain.EventType, c domain.Category, b domain.Booking) domain.BookingEvent {
	return domain.BookingEvent{
		Type:       t,
		BookingID:  b.ID,
		RoomID:     b.RoomID,
		Category:   c,
		StartDate:  b.Interval.Start.Format(domain.DateLayout),
		EndDate:    b.Interval.End.Format(domain.DateLayout),
		GuestRef:   b.GuestRef,
		OccurredAt: time.Now().UTC(),
	}
}

func inServiceIDs(rooms []domain.Room) []int64 {
	ids := make([]int64, 0, len(rooms))
	for _, r := range rooms {
		if r.InService() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// freeOf returns ids minus busy in ascending order, so identical ledger
// states always yield the same room.
func freeOf(ids []int64, busy map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, taken := busy[id]; !taken {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// storageErr classifies a ledger/inventory failure. Caller cancellation passes
// through untouched; timeouts and driver errors become ErrStorageUnavailable.
func storageErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrStorageUnavailable), errors.Is(err, context.Canceled):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, ctx.Err())
	default:
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, domain.ErrInvalidInterval):
		return "invalid_interval"
	case errors.Is(err, domain.ErrUnknownCategory):
		return "unknown_category"
	case errors.Is(err, domain.ErrNoAvailability):
		return "no_availability"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}
