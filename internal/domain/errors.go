package domain

import "errors"

var (
	ErrInvalidInterval    = errors.New("invalid interval")
	ErrUnknownCategory    = errors.New("unknown room category")
	ErrNoAvailability     = errors.New("no rooms available for interval")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")

	// ErrConflictExhausted is wrapped inside ErrNoAvailability when every
	// candidate was taken by a concurrent writer between snapshot and commit.
	ErrConflictExhausted = errors.New("all candidates conflicted at commit")

	// ErrRoomConflict is returned by Ledger.InsertBooking when the room already
	// holds an overlapping booked reservation (or left service) at commit time.
	// The allocator retries on it and never surfaces it.
	ErrRoomConflict = errors.New("room taken for interval")
)
