package domain

import (
	"context"
	"time"
)

type Inventory interface {
	// RoomsOfCategory returns every room of the category ordered by ascending id,
	// out-of-service rooms included. Unknown category yields an empty slice.
	RoomsOfCategory(ctx context.Context, c Category) ([]Room, error)
	GetRoom(ctx context.Context, id int64) (Room, error)
	ListRooms(ctx context.Context, c *Category) ([]Room, error)
	UpsertRooms(ctx context.Context, rooms []Room) error
}

type Ledger interface {
	// ActiveBookingsForRooms returns the subset of roomIDs holding at least one
	// booked reservation overlapping iv, read from a single consistent snapshot.
	ActiveBookingsForRooms(ctx context.Context, roomIDs []int64, iv Interval) (map[int64]struct{}, error)

	// InsertBooking is the atomic commit point: it re-checks overlap for roomID
	// and writes the booking in one exclusive step, or returns ErrRoomConflict.
	InsertBooking(ctx context.Context, roomID int64, iv Interval, g GuestInfo) (Booking, error)

	// CancelBooking flips status to cancelled; interval and room never change.
	CancelBooking(ctx context.Context, id int64) (Booking, error)

	GetBooking(ctx context.Context, id int64) (Booking, error)
	ListBookings(ctx context.Context, q BookingsQuery) (BookingsPage, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
}

// EventPublisher fans booking lifecycle changes out to adjacent services.
type EventPublisher interface {
	Publish(ctx context.Context, e BookingEvent) error
}

type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingCancelled EventType = "booking.cancelled"
)

type BookingEvent struct {
	Type       EventType `json:"type"`
	BookingID  int64     `json:"booking_id"`
	RoomID     int64     `json:"room_id"`
	Category   Category  `json:"category,omitempty"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date"`
	GuestRef   *string   `json:"guest_ref,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Read models & queries
type BookingsQuery struct {
	RoomID  *int64
	Status  *BookingStatus
	AfterID int64
	Limit   int
}

type BookingsPage struct {
	Items     []Booking
	NextAfter *int64
}
