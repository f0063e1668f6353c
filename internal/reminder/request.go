package reminder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Request is one weekly notification stream.
type Request struct {
	ID      int
	Title   string
	Body    string
	Weekday time.Weekday
	Hour    int
	Minute  int
}

// Validate checks bounds and required text. Callers get ErrOutOfRange or
// ErrMalformedRequest.
func (r Request) Validate() error {
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrOutOfRange, r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: minute %d", ErrOutOfRange, r.Minute)
	}
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return fmt.Errorf("%w: weekday %d", ErrOutOfRange, int(r.Weekday))
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrMalformedRequest)
	}
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("%w: empty body", ErrMalformedRequest)
	}
	return nil
}

// wireRequest uses pointers so a missing field can be told apart from a zero.
type wireRequest struct {
	ID      *int   `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Weekday *int   `json:"weekday"`
	Hour    *int   `json:"hour"`
	Minute  *int   `json:"minute"`
}

// EncodePayload serializes r for a timer or job callback.
func EncodePayload(r Request) ([]byte, error) {
	wd := int(r.Weekday)
	return json.Marshal(wireRequest{
		ID:      &r.ID,
		Title:   r.Title,
		Body:    r.Body,
		Weekday: &wd,
		Hour:    &r.Hour,
		Minute:  &r.Minute,
	})
}

// DecodePayload rebuilds a Request from a callback payload and validates it.
func DecodePayload(b []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if w.ID == nil || w.Weekday == nil || w.Hour == nil || w.Minute == nil {
		return Request{}, fmt.Errorf("%w: missing field", ErrMalformedRequest)
	}
	r := Request{
		ID:      *w.ID,
		Title:   w.Title,
		Body:    w.Body,
		Weekday: time.Weekday(*w.Weekday),
		Hour:    *w.Hour,
		Minute:  *w.Minute,
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts English day names and three-letter abbreviations,
// case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", ErrMalformedRequest, s)
	}
	return wd, nil
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (hour, minute int, err error) {
	t, perr := time.Parse("15:04", strings.TrimSpace(s))
	if perr != nil {
		return 0, 0, fmt.Errorf("%w: time %q, want HH:MM", ErrOutOfRange, s)
	}
	return t.Hour(), t.Minute(), nil
}
