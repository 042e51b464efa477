// Package memory is an in-process Inventory and Ledger. It backs STORAGE=memory
// and the allocator tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"resort_booking/internal/domain"
)

type Store struct {
	mu       sync.RWMutex // guards rooms, bookings, byRoom, nextID
	rooms    map[int64]domain.Room
	bookings map[int64]*domain.Booking
	byRoom   map[int64][]int64
	nextID   int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex // per-room commit sections

	now func() time.Time
}

func New(rooms ...domain.Room) *Store {
	s := &Store{
		rooms:    make(map[int64]domain.Room),
		bookings: make(map[int64]*domain.Booking),
		byRoom:   make(map[int64][]int64),
		locks:    make(map[int64]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, r := range rooms {
		if r.Status == "" {
			r.Status = domain.RoomAvailable
		}
		s.rooms[r.ID] = r
	}
	return s
}

// ---- Inventory ----

func (s *Store) RoomsOfCategory(ctx context.Context, c domain.Category) ([]domain.Room, error) {
	return s.ListRooms(ctx, &c)
}

func (s *Store) ListRooms(ctx context.Context, c *domain.Category) ([]domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if c == nil || r.Category == *c {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetRoom(ctx context.Context, id int64) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) UpsertRooms(ctx context.Context, rooms []domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		if r.Status == "" {
			r.Status = domain.RoomAvailable
		}
		s.rooms[r.ID] = r
	}
	return nil
}

// ---- Ledger ----

func (s *Store) ActiveBookingsForRooms(ctx context.Context, roomIDs []int64, iv domain.Interval) (map[int64]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	busy := make(map[int64]struct{})
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range roomIDs {
		if s.overlapsLocked(id, iv) != nil {
			busy[id] = struct{}{}
		}
	}
	return busy, nil
}

func (s *Store) InsertBooking(ctx context.Context, roomID int64, iv domain.Interval, g domain.GuestInfo) (domain.Booking, error) {
	l := s.roomLock(roomID)
	l.Lock()
	defer l.Unlock()

	// an aborted request must not leave a booking behind
	if err := ctx.Err(); err != nil {
		return domain.Booking{}, err
	}

	// l excludes every other writer of this room, so the clash check only
	// needs the shared lock.
	s.mu.RLock()
	clash := s.overlapsLocked(roomID, iv)
	s.mu.RUnlock()
	if clash != nil {
		return domain.Booking{}, fmt.Errorf("%w: room %d held by booking %d", domain.ErrRoomConflict, roomID, clash.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok || !room.InService() {
		return domain.Booking{}, fmt.Errorf("%w: room %d not in service", domain.ErrRoomConflict, roomID)
	}

	s.nextID++
	b := &domain.Booking{
		ID:        s.nextID,
		RoomID:    roomID,
		Interval:  iv,
		Status:    domain.BookingBooked,
		GuestRef:  g.Ref,
		Guest:     g.Details,
		CreatedAt: s.now(),
	}
	s.bookings[b.ID] = b
	s.byRoom[roomID] = append(s.byRoom[roomID], b.ID)
	return *b, nil
}

func (s *Store) CancelBooking(ctx context.Context, id int64) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if b.Active() {
		at := s.now()
		b.Status = domain.BookingCancelled
		b.CancelledAt = &at
	}
	return *b, nil
}

func (s *Store) GetBooking(ctx context.Context, id int64) (domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return *b, nil
}

func (s *Store) ListBookings(ctx context.Context, q domain.BookingsQuery) (domain.BookingsPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.bookings))
	for id := range s.bookings {
		if id > q.AfterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var page domain.BookingsPage
	for _, id := range ids {
		b := s.bookings[id]
		if q.RoomID != nil && b.RoomID != *q.RoomID {
			continue
		}
		if q.Status != nil && b.Status != *q.Status {
			continue
		}
		page.Items = append(page.Items, *b)
		if q.Limit > 0 && len(page.Items) == q.Limit {
			last := b.ID
			page.NextAfter = &last
			break
		}
	}
	return page, nil
}

// Bookings returns a copy of every booking, for invariant checks.
func (s *Store) Bookings() []domain.Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Booking, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) overlapsLocked(roomID int64, iv domain.Interval) *domain.Booking {
	for _, id := range s.byRoom[roomID] {
		b := s.bookings[id]
		if b.Active() && b.Interval.Overlaps(iv) {
			return b
		}
	}
	return nil
}

func (s *Store) roomLock(roomID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[roomID] = l
	}
	return l
}
