package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gomysql "github.com/go-sql-driver/mysql"

	"resort_booking/internal/domain"
)

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
func valJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Repo implements domain.Inventory and domain.Ledger on MySQL/InnoDB.
type Repo struct {
	db         *sql.DB
	maxRetries uint64
	now        func() time.Time
}

func New(db *sql.DB) *Repo {
	return &Repo{db: db, maxRetries: 3, now: func() time.Time { return time.Now().UTC() }}
}

// WithMaxRetries bounds how often a transient failure before commit (deadlock,
// lock wait timeout, dropped connection) is replayed before giving up.
func (r *Repo) WithMaxRetries(n uint64) *Repo {
	r.maxRetries = n
	return r
}

// ---- Inventory ----

func (r *Repo) RoomsOfCategory(ctx context.Context, c domain.Category) ([]domain.Room, error) {
	return r.queryRooms(ctx, roomsOfCategorySQL, string(c))
}

func (r *Repo) ListRooms(ctx context.Context, c *domain.Category) ([]domain.Room, error) {
	if c != nil {
		return r.RoomsOfCategory(ctx, *c)
	}
	return r.queryRooms(ctx, listRoomsSQL)
}

func (r *Repo) GetRoom(ctx context.Context, id int64) (domain.Room, error) {
	rm, err := scanRoom(r.db.QueryRowContext(ctx, getRoomSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Room{}, domain.ErrNotFound
		}
		return domain.Room{}, err
	}
	return rm, nil
}

func (r *Repo) UpsertRooms(ctx context.Context, rooms []domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	values := make([]string, 0, len(rooms))
	args := make([]any, 0, len(rooms)*5)
	for _, rm := range rooms {
		var photos []byte
		if len(rm.PhotoURLs) > 0 {
			photos, _ = json.Marshal(rm.PhotoURLs)
		}
		status := rm.Status
		if status == "" {
			status = domain.RoomAvailable
		}
		values = append(values, "(?,?,?,?,?)")
		args = append(args, rm.ID, string(rm.Category), string(status), valStr(rm.Description), valJSON(photos))
	}
	_, err := r.db.ExecContext(ctx, upsertRoomsPrefix+strings.Join(values, ",")+upsertRoomsOnDup, args...)
	return err
}

func (r *Repo) queryRooms(ctx context.Context, q string, args ...any) ([]domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanRoom(s scanner) (domain.Room, error) {
	var rm domain.Room
	var category, status string
	var desc sql.NullString
	var photos []byte
	if err := s.Scan(&rm.ID, &category, &status, &desc, &photos); err != nil {
		return domain.Room{}, err
	}
	rm.Category = domain.Category(category)
	rm.Status = domain.RoomStatus(status)
	if desc.Valid {
		d := desc.String
		rm.Description = &d
	}
	if len(photos) > 0 {
		_ = json.Unmarshal(photos, &rm.PhotoURLs)
	}
	return rm, nil
}

// ---- Ledger ----

func (r *Repo) ActiveBookingsForRooms(ctx context.Context, roomIDs []int64, iv domain.Interval) (map[int64]struct{}, error) {
	busy := make(map[int64]struct{})
	if len(roomIDs) == 0 {
		return busy, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(roomIDs)), ",")
	args := make([]any, 0, len(roomIDs)+2)
	for _, id := range roomIDs {
		args = append(args, id)
	}
	args = append(args, iv.End, iv.Start)

	// one statement = one consistent read
	rows, err := r.db.QueryContext(ctx, activeRoomsPrefix+marks+activeRoomsSuffix, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		busy[id] = struct{}{}
	}
	return busy, rows.Err()
}

func (r *Repo) InsertBooking(ctx context.Context, roomID int64, iv domain.Interval, g domain.GuestInfo) (domain.Booking, error) {
	var guestJSON []byte
	if g.Details != nil {
		b, err := json.Marshal(g.Details)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("marshal guest: %w", err)
		}
		guestJSON = b
	}
	b, err := withRetry(ctx, r.maxRetries, func() (domain.Booking, error) {
		return r.insertBookingTx(ctx, roomID, iv, g, guestJSON)
	})
	var ce *commitError
	if errors.As(err, &ce) {
		return r.resolveCommit(ctx, ce)
	}
	return b, err
}

// commitError carries the booking a failed Commit would have produced. The
// server may have applied the commit anyway, so it is never replayed.
type commitError struct {
	booking domain.Booking
	err     error
}

func (e *commitError) Error() string { return "commit booking: " + e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// resolveCommit reads the inserted row back on a fresh connection to learn
// whether an ambiguous commit landed.
func (r *Repo) resolveCommit(ctx context.Context, ce *commitError) (domain.Booking, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	got, err := r.GetBooking(lctx, ce.booking.ID)
	switch {
	case err == nil && got.RoomID == ce.booking.RoomID && got.Active():
		return got, nil
	case err == nil || errors.Is(err, domain.ErrNotFound):
		return domain.Booking{}, fmt.Errorf("%w: booking not committed: %w", domain.ErrStorageUnavailable, ce.err)
	default:
		return domain.Booking{}, fmt.Errorf("%w: commit outcome unknown for booking %d: %w", domain.ErrStorageUnavailable, ce.booking.ID, ce.err)
	}
}

// insertBookingTx runs lock-room, re-check, insert, commit as one transaction.
// READ COMMITTED so the overlap check sees every booking committed before the
// room lock was granted.
func (r *Repo) insertBookingTx(ctx context.Context, roomID int64, iv domain.Interval, g domain.GuestInfo, guestJSON []byte) (domain.Booking, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Booking{}, err
	}
	defer func() { _ = tx.Rollback() }() // no-op after Commit

	var status string
	if err := tx.QueryRowContext(ctx, lockRoomSQL, roomID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, fmt.Errorf("%w: room %d no longer exists", domain.ErrRoomConflict, roomID)
		}
		return domain.Booking{}, err
	}
	if domain.RoomStatus(status) != domain.RoomAvailable {
		return domain.Booking{}, fmt.Errorf("%w: room %d is %s", domain.ErrRoomConflict, roomID, status)
	}

	var clash int64
	err = tx.QueryRowContext(ctx, overlapCheckSQL, roomID, iv.End, iv.Start).Scan(&clash)
	switch {
	case err == nil:
		return domain.Booking{}, fmt.Errorf("%w: room %d held by booking %d", domain.ErrRoomConflict, roomID, clash)
	case !errors.Is(err, sql.ErrNoRows):
		return domain.Booking{}, err
	}

	createdAt := r.now().Truncate(time.Second)
	res, err := tx.ExecContext(ctx, insertBookingSQL, roomID, iv.Start, iv.End, valStr(g.Ref), valJSON(guestJSON), createdAt)
	if err != nil {
		return domain.Booking{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Booking{}, err
	}
	b := domain.Booking{
		ID:        id,
		RoomID:    roomID,
		Interval:  iv,
		Status:    domain.BookingBooked,
		GuestRef:  g.Ref,
		Guest:     g.Details,
		CreatedAt: createdAt,
	}
	if err := tx.Commit(); err != nil {
		return domain.Booking{}, &commitError{booking: b, err: err}
	}
	return b, nil
}

func (r *Repo) CancelBooking(ctx context.Context, id int64) (domain.Booking, error) {
	return withRetry(ctx, r.maxRetries, func() (domain.Booking, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Booking{}, err
		}
		defer func() { _ = tx.Rollback() }()

		b, err := scanBooking(tx.QueryRowContext(ctx, lockBookingSQL, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.Booking{}, domain.ErrNotFound
			}
			return domain.Booking{}, err
		}
		if !b.Active() {
			return b, nil
		}
		at := r.now().Truncate(time.Second)
		if _, err := tx.ExecContext(ctx, cancelBookingSQL, at, id); err != nil {
			return domain.Booking{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Booking{}, err
		}
		b.Status = domain.BookingCancelled
		b.CancelledAt = &at
		return b, nil
	})
}

func (r *Repo) GetBooking(ctx context.Context, id int64) (domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, getBookingSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, domain.ErrNotFound
		}
		return domain.Booking{}, err
	}
	return b, nil
}

func (r *Repo) ListBookings(ctx context.Context, q domain.BookingsQuery) (domain.BookingsPage, error) {
	where := []string{"id > ?"}
	args := []any{q.AfterID}
	if q.RoomID != nil {
		where = append(where, "room_id = ?")
		args = append(args, *q.RoomID)
	}
	if q.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*q.Status))
	}
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+bookingColumns+" FROM bookings WHERE "+strings.Join(where, " AND ")+" ORDER BY id LIMIT ?",
		args...)
	if err != nil {
		return domain.BookingsPage{}, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return domain.BookingsPage{}, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return domain.BookingsPage{}, err
	}
	page := domain.BookingsPage{Items: out}
	if q.Limit > 0 && len(out) == q.Limit {
		last := out[len(out)-1].ID
		page.NextAfter = &last
	}
	return page, nil
}

func scanBooking(s scanner) (domain.Booking, error) {
	var b domain.Booking
	var status string
	var guestRef sql.NullString
	var guest []byte
	var cancelledAt sql.NullTime
	if err := s.Scan(
		&b.ID,
		&b.RoomID,
		&b.Interval.Start,
		&b.Interval.End,
		&status,
		&guestRef,
		&guest,
		&b.CreatedAt,
		&cancelledAt,
	); err != nil {
		return domain.Booking{}, err
	}
	b.Status = domain.BookingStatus(status)
	b.Interval.Start = b.Interval.Start.UTC()
	b.Interval.End = b.Interval.End.UTC()
	if guestRef.Valid {
		ref := guestRef.String
		b.GuestRef = &ref
	}
	if len(guest) > 0 {
		var gd domain.Guest
		if err := json.Unmarshal(guest, &gd); err == nil {
			b.Guest = &gd
		}
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		b.CancelledAt = &t
	}
	return b, nil
}

// ---- retry policy ----

// withRetry replays op on transient InnoDB failures with exponential backoff.
// Domain errors (conflict, not found) and failed commits stop immediately. A retry budget spent
// on transient failures is reported as ErrStorageUnavailable.
func withRetry[T any](ctx context.Context, max uint64, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	out, err := backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, max), ctx))
	if err != nil && (isTransient(err) || errors.Is(err, context.DeadlineExceeded)) {
		return out, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return out, err
}

func isTransient(err error) bool {
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn) {
		return true
	}
	var me *gomysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return true
		}
	}
	return false
}
