package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resort_booking/internal/app"
	"resort_booking/internal/domain"
	mysqlrepo "resort_booking/internal/storage/mysql"
)

func setupMockRepo(t *testing.T) (sqlmock.Sqlmock, *mysqlrepo.Repo) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return mock, mysqlrepo.New(db)
}

func june(t *testing.T, from, to int) domain.Interval {
	t.Helper()
	iv, err := domain.NewInterval(
		time.Date(2024, 6, from, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, to, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return iv
}

var bookingCols = []string{"id", "room_id", "start_date", "end_date", "status", "guest_ref", "guest", "created_at", "cancelled_at"}

const (
	lockRoomRe   = `SELECT status FROM rooms WHERE id = \? FOR UPDATE`
	overlapRe    = `SELECT id\s+FROM bookings\s+WHERE room_id = \?`
	insertRe     = `INSERT INTO bookings`
	lockBookRe   = `FROM bookings\s+WHERE id = \?\s+FOR UPDATE`
	cancelExecRe = `UPDATE bookings\s+SET status = 'cancelled'`
	getBookingRe = `FROM bookings\s+WHERE id = \?`
)

func TestInsertBooking_CommitsWhenRoomFree(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)
	ref := "guest-7"

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("available"))
	mock.ExpectQuery(overlapRe).WithArgs(int64(2), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(insertRe).
		WithArgs(int64(2), iv.Start, iv.End, ref, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(17, 1))
	mock.ExpectCommit()

	b, err := repo.InsertBooking(context.Background(), 2, iv, domain.GuestInfo{
		Ref:     &ref,
		Details: &domain.Guest{Name: "Ana", Address: "Main St 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), b.ID)
	assert.Equal(t, int64(2), b.RoomID)
	assert.Equal(t, domain.BookingBooked, b.Status)
	assert.Equal(t, iv, b.Interval)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBooking_OverlapAtCommitIsConflict(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("available"))
	mock.ExpectQuery(overlapRe).WithArgs(int64(1), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))
	mock.ExpectRollback()

	_, err := repo.InsertBooking(context.Background(), 1, iv, domain.GuestInfo{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRoomConflict), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBooking_OutOfServiceIsConflict(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("out_of_service"))
	mock.ExpectRollback()

	_, err := repo.InsertBooking(context.Background(), 3, iv, domain.GuestInfo{})
	assert.ErrorIs(t, err, domain.ErrRoomConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBooking_RetriesDeadlockThenCommits(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(2)).
		WillReturnError(&gomysql.MySQLError{Number: 1213, Message: "Deadlock found"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("available"))
	mock.ExpectQuery(overlapRe).WithArgs(int64(2), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(insertRe).
		WithArgs(int64(2), iv.Start, iv.End, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectCommit()

	b, err := repo.InsertBooking(context.Background(), 2, iv, domain.GuestInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.ID)
	assert.Nil(t, b.GuestRef)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBooking_PersistentLockTimeoutIsStorageUnavailable(t *testing.T) {
	mock, repo := setupMockRepo(t)
	repo.WithMaxRetries(1)
	iv := june(t, 2, 4)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(lockRoomRe).WithArgs(int64(2)).
			WillReturnError(&gomysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})
		mock.ExpectRollback()
	}

	_, err := repo.InsertBooking(context.Background(), 2, iv, domain.GuestInfo{})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBooking_LostCommitThatLandedIsNotReplayed(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("available"))
	mock.ExpectQuery(overlapRe).WithArgs(int64(1), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(insertRe).WillReturnResult(sqlmock.NewResult(17, 1))
	mock.ExpectCommit().WillReturnError(gomysql.ErrInvalidConn)
	// read back on a fresh connection, never a second transaction
	mock.ExpectQuery(getBookingRe).WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows(bookingCols).
			AddRow(int64(17), int64(1), iv.Start, iv.End, "booked", nil, nil, created, nil))

	b, err := repo.InsertBooking(context.Background(), 1, iv, domain.GuestInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(17), b.ID)
	assert.Equal(t, int64(1), b.RoomID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBooking_LostCommitThatFailedIsStorageUnavailable(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("available"))
	mock.ExpectQuery(overlapRe).WithArgs(int64(1), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(insertRe).WillReturnResult(sqlmock.NewResult(17, 1))
	mock.ExpectCommit().WillReturnError(gomysql.ErrInvalidConn)
	mock.ExpectQuery(getBookingRe).WithArgs(int64(17)).WillReturnRows(sqlmock.NewRows(bookingCols))

	_, err := repo.InsertBooking(context.Background(), 1, iv, domain.GuestInfo{})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, domain.ErrRoomConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocate_LostCommitBooksOneRoomOnly(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	roomCols := []string{"id", "category", "status", "description", "photo_urls"}

	mock.ExpectQuery(`FROM rooms\s+WHERE category = \?`).WithArgs("villa").
		WillReturnRows(sqlmock.NewRows(roomCols).
			AddRow(int64(1), "villa", "available", nil, nil).
			AddRow(int64(2), "villa", "available", nil, nil))
	mock.ExpectQuery(`SELECT DISTINCT room_id`).
		WithArgs(int64(1), int64(2), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"room_id"}))
	mock.ExpectBegin()
	mock.ExpectQuery(lockRoomRe).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("available"))
	mock.ExpectQuery(overlapRe).WithArgs(int64(1), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(insertRe).WillReturnResult(sqlmock.NewResult(17, 1))
	mock.ExpectCommit().WillReturnError(gomysql.ErrInvalidConn)
	mock.ExpectQuery(getBookingRe).WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows(bookingCols).
			AddRow(int64(17), int64(1), iv.Start, iv.End, "booked", nil, nil, created, nil))

	a := app.NewAllocator(repo, repo, nil, nil, time.Second)
	b, err := a.Allocate(context.Background(), domain.CategoryVilla, iv, domain.GuestInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(17), b.ID)
	assert.Equal(t, int64(1), b.RoomID)
	// no transaction was ever opened for room 2
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveBookingsForRooms(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 2, 4)

	mock.ExpectQuery(`SELECT DISTINCT room_id`).
		WithArgs(int64(1), int64(2), int64(3), iv.End, iv.Start).
		WillReturnRows(sqlmock.NewRows([]string{"room_id"}).AddRow(int64(1)).AddRow(int64(3)))

	busy, err := repo.ActiveBookingsForRooms(context.Background(), []int64{1, 2, 3}, iv)
	require.NoError(t, err)
	assert.Len(t, busy, 2)
	assert.Contains(t, busy, int64(1))
	assert.Contains(t, busy, int64(3))
	assert.NotContains(t, busy, int64(2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveBookingsForRooms_EmptyInputSkipsQuery(t *testing.T) {
	mock, repo := setupMockRepo(t)
	busy, err := repo.ActiveBookingsForRooms(context.Background(), nil, june(t, 1, 2))
	require.NoError(t, err)
	assert.Empty(t, busy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoomsOfCategory_ScansRooms(t *testing.T) {
	mock, repo := setupMockRepo(t)
	rows := sqlmock.NewRows([]string{"id", "category", "status", "description", "photo_urls"}).
		AddRow(int64(1), "villa", "available", "Sea view", []byte(`["a.jpg"]`)).
		AddRow(int64(2), "villa", "out_of_service", nil, nil)
	mock.ExpectQuery(`FROM rooms\s+WHERE category = \?`).WithArgs("villa").WillReturnRows(rows)

	rooms, err := repo.RoomsOfCategory(context.Background(), domain.CategoryVilla)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.True(t, rooms[0].InService())
	assert.Equal(t, []string{"a.jpg"}, rooms[0].PhotoURLs)
	require.NotNil(t, rooms[0].Description)
	assert.False(t, rooms[1].InService())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBooking_FlipsStatusOnly(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 1, 5)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(lockBookRe).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(bookingCols).
			AddRow(int64(5), int64(1), iv.Start, iv.End, "booked", "g-1", nil, created, nil))
	mock.ExpectExec(cancelExecRe).WithArgs(sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := repo.CancelBooking(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, b.Status)
	assert.Equal(t, int64(1), b.RoomID)
	assert.Equal(t, iv, b.Interval)
	require.NotNil(t, b.CancelledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBooking_AlreadyCancelledIsNoop(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 1, 5)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(lockBookRe).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(bookingCols).
			AddRow(int64(5), int64(1), iv.Start, iv.End, "cancelled", nil, nil, created, created))
	mock.ExpectRollback()

	b, err := repo.CancelBooking(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBooking_NotFound(t *testing.T) {
	mock, repo := setupMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockBookRe).WithArgs(int64(404)).WillReturnRows(sqlmock.NewRows(bookingCols))
	mock.ExpectRollback()

	_, err := repo.CancelBooking(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBooking_DecodesGuest(t *testing.T) {
	mock, repo := setupMockRepo(t)
	iv := june(t, 1, 3)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM bookings\s+WHERE id = \?`).WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(bookingCols).
			AddRow(int64(9), int64(2), iv.Start, iv.End, "booked", nil,
				[]byte(`{"name":"Ana","address":"Main St 1","persons":[{"name":"Ana","age":30}]}`), created, nil))

	b, err := repo.GetBooking(context.Background(), 9)
	require.NoError(t, err)
	require.NotNil(t, b.Guest)
	assert.Equal(t, "Ana", b.Guest.Name)
	assert.Len(t, b.Guest.Persons, 1)
	assert.Nil(t, b.GuestRef)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBooking_NotFound(t *testing.T) {
	mock, repo := setupMockRepo(t)
	mock.ExpectQuery(`FROM bookings\s+WHERE id = \?`).WithArgs(int64(1)).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetBooking(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
