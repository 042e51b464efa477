package mysql

// -----------------------------------------------------------------------------
// INVENTORY
// -----------------------------------------------------------------------------

const roomColumns = `id, category, status, description, photo_urls`

const roomsOfCategorySQL = `
SELECT ` + roomColumns + `
FROM rooms
WHERE category = ?
ORDER BY id
`

const getRoomSQL = `
SELECT ` + roomColumns + `
FROM rooms
WHERE id = ?
`

const listRoomsSQL = `
SELECT ` + roomColumns + `
FROM rooms
ORDER BY id
`

const upsertRoomsPrefix = "INSERT INTO rooms\n  (id, category, status, description, photo_urls)\nVALUES "

const upsertRoomsOnDup = " ON DUPLICATE KEY UPDATE\n" +
	"  category    = VALUES(category),\n" +
	"  status      = VALUES(status),\n" +
	"  description = VALUES(description),\n" +
	"  photo_urls  = VALUES(photo_urls)\n"

// -----------------------------------------------------------------------------
// LEDGER
// -----------------------------------------------------------------------------

const bookingColumns = `id, room_id, start_date, end_date, status, guest_ref, guest, created_at, cancelled_at`

// Half-open overlap: existing.start < req.end AND req.start < existing.end.
// The IN list is expanded by the repo; args are (ids..., end, start).
const activeRoomsPrefix = `
SELECT DISTINCT room_id
FROM bookings
WHERE status = 'booked'
  AND room_id IN (`

const activeRoomsSuffix = `)
  AND start_date < ?
  AND end_date > ?
`

// Row lock on the room serializes every check-and-insert for that room.
const lockRoomSQL = `SELECT status FROM rooms WHERE id = ? FOR UPDATE`

const overlapCheckSQL = `
SELECT id
FROM bookings
WHERE room_id = ?
  AND status = 'booked'
  AND start_date < ?
  AND end_date > ?
LIMIT 1
`

const insertBookingSQL = `
INSERT INTO bookings
  (room_id, start_date, end_date, status, guest_ref, guest, created_at)
VALUES
  (?, ?, ?, 'booked', ?, ?, ?)
`

const getBookingSQL = `
SELECT ` + bookingColumns + `
FROM bookings
WHERE id = ?
`

const lockBookingSQL = getBookingSQL + ` FOR UPDATE`

const cancelBookingSQL = `
UPDATE bookings
SET status = 'cancelled', cancelled_at = ?
WHERE id = ? AND status = 'booked'
`
