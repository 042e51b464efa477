// internal/adapters/http_server/handlers.go
package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"resort_booking/internal/app"
	"resort_booking/internal/domain"
)

type Handlers struct {
	Alloc *app.Allocator
	Avail *app.AvailabilityService
	Q     *app.QueryService
	Cmd   *app.CommandService
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	s.mux.Get("/v1/availability", h.getAvailability)
	s.mux.With(s.allocLimit).Post("/v1/allocations", h.createAllocation)
	s.mux.Post("/v1/allocations/{id}/cancel", h.cancelAllocation)
	s.mux.Get("/v1/rooms", h.listRooms)
	s.mux.Get("/v1/rooms/{id}", h.getRoom)
	s.mux.Get("/v1/bookings", h.listBookings)
	s.mux.Get("/v1/bookings/{id}", h.getBooking)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// writeError maps domain failures onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInterval):
		writeProblem(w, http.StatusBadRequest, "Invalid Interval", err.Error())
	case errors.Is(err, domain.ErrUnknownCategory):
		writeProblem(w, http.StatusNotFound, "Unknown Category", err.Error())
	case errors.Is(err, domain.ErrNoAvailability):
		writeProblem(w, http.StatusConflict, "No Availability", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusServiceUnavailable, "Storage Unavailable", "try again shortly")
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads this
		writeProblem(w, 499, "Client Closed Request", "")
	default:
		log.Error().Err(err).Msg("unhandled error")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

// writeCacheable serves read models with a weak ETag and honours If-None-Match.
func writeCacheable(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("failed to write body")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return 0, false
	}
	return id, true
}

// ---- availability ----

type availabilityResponse struct {
	Category       domain.Category `json:"category"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	AvailableCount int             `json:"available_count"`
}

func (h *Handlers) getAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	iv, err := domain.ParseInterval(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, ok := domain.ParseCategory(q.Get("category"))
	n := 0
	if ok {
		if n, err = h.Avail.CountAvailable(r.Context(), c, iv); err != nil {
			writeError(w, err)
			return
		}
	}
	// advisory only, never let intermediaries pin it
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, availabilityResponse{
		Category:       c,
		StartDate:      iv.Start.Format(domain.DateLayout),
		EndDate:        iv.End.Format(domain.DateLayout),
		AvailableCount: n,
	})
}

// ---- allocations ----

type allocationRequest struct {
	Category  string    `json:"category" validate:"required,max=64"`
	StartDate string    `json:"start_date" validate:"required"`
	EndDate   string    `json:"end_date" validate:"required"`
	GuestRef  *string   `json:"guest_ref" validate:"omitempty,min=1,max=64"`
	Guest     *guestDTO `json:"guest" validate:"omitempty"`
}

type guestDTO struct {
	Name    string      `json:"name" validate:"required,max=200"`
	Address string      `json:"address" validate:"max=500"`
	Persons []personDTO `json:"persons" validate:"max=20,dive"`
}

type personDTO struct {
	Name   string `json:"name" validate:"required,max=200"`
	Age    int    `json:"age" validate:"gte=0,lte=130"`
	Gender string `json:"gender" validate:"omitempty,oneof=male female other"`
}

func (g *guestDTO) toDomain() *domain.Guest {
	if g == nil {
		return nil
	}
	out := &domain.Guest{Name: g.Name, Address: g.Address}
	for _, p := range g.Persons {
		out.Persons = append(out.Persons, domain.Person{Name: p.Name, Age: p.Age, Gender: p.Gender})
	}
	return out
}

type allocationResponse struct {
	BookingID int64           `json:"booking_id"`
	RoomID    int64           `json:"room_id"`
	Category  domain.Category `json:"category"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (h *Handlers) createAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}

	// interval is checked before anything reaches the allocator
	iv, err := domain.ParseInterval(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, err)
		return
	}
	c, ok := domain.ParseCategory(req.Category)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, req.Category))
		return
	}

	b, err := h.Alloc.Allocate(r.Context(), c, iv, domain.GuestInfo{Ref: req.GuestRef, Details: req.Guest.toDomain()})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/bookings/"+strconv.FormatInt(b.ID, 10))
	writeJSON(w, http.StatusCreated, allocationResponse{
		BookingID: b.ID,
		RoomID:    b.RoomID,
		Category:  c,
		StartDate: b.Interval.Start.Format(domain.DateLayout),
		EndDate:   b.Interval.End.Format(domain.DateLayout),
	})
}

func (h *Handlers) cancelAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := h.Cmd.CancelBooking(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- read models ----

type bookingView struct {
	ID          int64                `json:"id"`
	RoomID      int64                `json:"room_id"`
	StartDate   string               `json:"start_date"`
	EndDate     string               `json:"end_date"`
	Nights      int                  `json:"nights"`
	Status      domain.BookingStatus `json:"status"`
	GuestRef    *string              `json:"guest_ref,omitempty"`
	Guest       *domain.Guest        `json:"guest,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CancelledAt *time.Time           `json:"cancelled_at,omitempty"`
}

func toBookingView(b domain.Booking) bookingView {
	return bookingView{
		ID:          b.ID,
		RoomID:      b.RoomID,
		StartDate:   b.Interval.Start.Format(domain.DateLayout),
		EndDate:     b.Interval.End.Format(domain.DateLayout),
		Nights:      b.Interval.Nights(),
		Status:      b.Status,
		GuestRef:    b.GuestRef,
		Guest:       b.Guest,
		CreatedAt:   b.CreatedAt,
		CancelledAt: b.CancelledAt,
	}
}

type bookingsPage struct {
	Items     []bookingView `json:"items"`
	NextAfter *int64        `json:"next_after,omitempty"`
}

func (h *Handlers) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	b, err := h.Q.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCacheable(w, r, toBookingView(b))
}

func (h *Handlers) listBookings(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := domain.BookingsQuery{Limit: 50}
	if ls := qs.Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > 200 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 200")
			return
		}
		q.Limit = l
	}
	if as := qs.Get("after"); as != "" {
		a, err := strconv.ParseInt(as, 10, 64)
		if err != nil || a < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid cursor", "after must be a booking id")
			return
		}
		q.AfterID = a
	}
	if rs := qs.Get("room_id"); rs != "" {
		id, err := strconv.ParseInt(rs, 10, 64)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid room_id", "room_id must be a number")
			return
		}
		q.RoomID = &id
	}
	if st := qs.Get("status"); st != "" {
		s := domain.BookingStatus(st)
		if s != domain.BookingBooked && s != domain.BookingCancelled {
			writeProblem(w, http.StatusBadRequest, "Invalid status", "status must be booked or cancelled")
			return
		}
		q.Status = &s
	}

	p, err := h.Q.ListBookings(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	out := bookingsPage{Items: make([]bookingView, 0, len(p.Items)), NextAfter: p.NextAfter}
	for _, b := range p.Items {
		out.Items = append(out.Items, toBookingView(b))
	}
	writeCacheable(w, r, out)
}

func (h *Handlers) listRooms(w http.ResponseWriter, r *http.Request) {
	var cat *domain.Category
	if cs := r.URL.Query().Get("category"); cs != "" {
		c, ok := domain.ParseCategory(cs)
		if !ok {
			writeError(w, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, cs))
			return
		}
		cat = &c
	}
	rs, err := h.Q.ListRooms(r.Context(), cat)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCacheable(w, r, map[string]any{"items": rs})
}

func (h *Handlers) getRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	room, err := h.Q.GetRoom(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCacheable(w, r, room)
}
