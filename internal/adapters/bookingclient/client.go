// internal/adapters/bookingclient/client.go
package bookingclient

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"resort_booking/internal/adapters/observability"
	"resort_booking/internal/domain"
)

// Client talks to the booking HTTP API. Failures come back as the same
// domain sentinels the server maps from, so callers branch with errors.Is.
type Client struct {
	base string
	hc   *http.Client
	rl   *rate.Limiter
}

func New(base string, rps int) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", base)
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 20 * time.Second},
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// ---- Public API ----

type AllocationRequest struct {
	Category  string  `json:"category"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	GuestRef  *string `json:"guest_ref,omitempty"`
}

type Allocation struct {
	BookingID int64  `json:"booking_id"`
	RoomID    int64  `json:"room_id"`
	Category  string `json:"category"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (c *Client) GetAvailability(ctx context.Context, category, startDate, endDate string) (int, error) {
	q := url.Values{"category": {category}, "start_date": {startDate}, "end_date": {endDate}}
	var out struct {
		AvailableCount int `json:"available_count"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/availability?"+q.Encode(), "availability", nil, true, &out)
	return out.AvailableCount, err
}

// CreateAllocation is not idempotent, so it is only retried on answers that
// prove nothing was committed (429, 503).
func (c *Client) CreateAllocation(ctx context.Context, r AllocationRequest) (Allocation, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Allocation{}, err
	}
	var out Allocation
	return out, c.do(ctx, http.MethodPost, "/v1/allocations", "allocations", body, false, &out)
}

func (c *Client) CancelAllocation(ctx context.Context, bookingID int64) error {
	path := "/v1/allocations/" + strconv.FormatInt(bookingID, 10) + "/cancel"
	return c.do(ctx, http.MethodPost, path, "cancel", nil, true, nil)
}

// ---- Internals ----

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// statusError maps a non-2xx answer back onto a domain error.
func statusError(status int, p problem) error {
	msg := strings.TrimSpace(p.Title + ": " + p.Detail)
	switch {
	case status == http.StatusBadRequest && p.Title == "Invalid Interval":
		return fmt.Errorf("%w (%s)", domain.ErrInvalidInterval, msg)
	case status == http.StatusNotFound && p.Title == "Unknown Category":
		return fmt.Errorf("%w (%s)", domain.ErrUnknownCategory, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w (%s)", domain.ErrNotFound, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%w (%s)", domain.ErrNoAvailability, msg)
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (remote %d)", domain.ErrStorageUnavailable, status)
	default:
		return fmt.Errorf("bad status %d: %s", status, msg)
	}
}

// do performs one call with client-side rate limiting, retries and JSON
// decode into out. 429 and 503 are always retried, honoring Retry-After.
// Network errors and other 5xx only when retryAll is set.
func (c *Client) do(ctx context.Context, method, path, endpoint string, body []byte, retryAll bool, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	const attempts = 4
	var lastErr error
	for i := 0; i < attempts; i++ {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "resort-booking-client/1.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal("booking-api", endpoint, 0, time.Since(start))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if retryAll && i < attempts-1 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr
		}
		observability.ObserveExternal("booking-api", endpoint, resp.StatusCode, time.Since(start))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}

		var p problem
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&p)
		resp.Body.Close()
		lastErr = statusError(resp.StatusCode, p)

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable ||
			(retryAll && (resp.StatusCode == http.StatusInternalServerError ||
				resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout))
		if !retryable {
			return lastErr
		}
		wait := retryAfter(resp)
		if wait == 0 {
			wait = backoff(i)
		}
		if i < attempts-1 && sleepCtx(ctx, wait) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return lastErr
	}
	return lastErr
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles from 100ms per attempt with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 100 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}

// IsRetryable reports whether a failed call may succeed if repeated later.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrStorageUnavailable)
}
