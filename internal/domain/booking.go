package domain

import "time"

type BookingStatus string

const (
	BookingBooked    BookingStatus = "booked"
	BookingCancelled BookingStatus = "cancelled"
)

type Booking struct {
	ID          int64         `json:"id"`
	RoomID      int64         `json:"room_id"`
	Interval    Interval      `json:"-"`
	Status      BookingStatus `json:"status"`
	GuestRef    *string       `json:"guest_ref,omitempty"` // nil means "not yet attached"
	Guest       *Guest        `json:"guest,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
}

// Active bookings take part in conflict checks; cancelled ones are kept for audit.
func (b Booking) Active() bool { return b.Status == BookingBooked }

// GuestInfo is what the allocator attaches to a new booking. Both parts are optional.
type GuestInfo struct {
	Ref     *string
	Details *Guest
}

type Guest struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Persons []Person `json:"persons,omitempty"`
}

type Person struct {
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender,omitempty"`
}
