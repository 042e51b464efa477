package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the only accepted wire form for calendar dates.
const DateLayout = "2006-01-02"

// Interval is a half-open range of calendar dates [Start, End).
// Checkout on day D and checkin on day D do not overlap.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval truncates both bounds to UTC midnight and rejects start >= end.
func NewInterval(start, end time.Time) (Interval, error) {
	s, e := toDate(start), toDate(end)
	if !s.Before(e) {
		return Interval{}, fmt.Errorf("%w: start %s must be before end %s",
			ErrInvalidInterval, s.Format(DateLayout), e.Format(DateLayout))
	}
	return Interval{Start: s, End: e}, nil
}

// ParseInterval builds an Interval from two YYYY-MM-DD strings.
func ParseInterval(start, end string) (Interval, error) {
	s, err := ParseDate(start)
	if err != nil {
		return Interval{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return Interval{}, err
	}
	return NewInterval(s, e)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidInterval, s)
	}
	return t, nil
}

// Overlaps reports whether a and b share at least one night.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func (i Interval) Overlaps(o Interval) bool { return Overlaps(i, o) }

// Nights is the number of nights covered by the interval.
func (i Interval) Nights() int {
	return int(i.End.Sub(i.Start).Hours() / 24)
}

func (i Interval) String() string {
	return "[" + i.Start.Format(DateLayout) + ", " + i.End.Format(DateLayout) + ")"
}

func toDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
