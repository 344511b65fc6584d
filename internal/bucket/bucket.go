// Package bucket defines the calendar-month partitioning unit used by
// the exporter and the reconciler.
package bucket

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidKey is returned when a month key cannot be parsed or is out of range.
var ErrInvalidKey = errors.New("invalid month key")

// Key identifies one calendar month, the unit of export and reconciliation.
type Key struct {
	Year  int
	Month int
}

// Parse parses a key in "2006-01" form.
func Parse(s string) (Key, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key{Year: t.Year(), Month: int(t.Month())}, nil
}

// FromTime returns the key for the month containing t (in UTC).
func FromTime(t time.Time) Key {
	u := t.UTC()
	return Key{Year: u.Year(), Month: int(u.Month())}
}

// Valid reports whether the key denotes a real calendar month.
func (k Key) Valid() bool {
	return k.Year >= 1 && k.Month >= 1 && k.Month <= 12
}

// String renders the key as "2006-01".
func (k Key) String() string {
	return fmt.Sprintf("%d-%02d", k.Year, k.Month)
}

// Dir returns the per-bucket output directory name.
func (k Key) Dir() string {
	return fmt.Sprintf("updated_%d-%02d", k.Year, k.Month)
}

// Next returns the following calendar month.
func (k Key) Next() Key {
	if k.Month == 12 {
		return Key{Year: k.Year + 1, Month: 1}
	}
	return Key{Year: k.Year, Month: k.Month + 1}
}

// Before reports whether k is strictly earlier than other.
func (k Key) Before(other Key) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Month < other.Month
}

// Contains reports whether t (in UTC) falls inside this month.
func (k Key) Contains(t time.Time) bool {
	return FromTime(t) == k
}

// Start returns the inclusive lower bound of the month as an RFC 3339 UTC string.
func (k Key) Start() string {
	return fmt.Sprintf("%d-%02d-01T00:00:00Z", k.Year, k.Month)
}

// End returns the inclusive upper bound of the month as an RFC 3339 UTC string.
// The last day is derived from the calendar, so leap years are handled.
func (k Key) End() string {
	first := time.Date(k.Year, time.Month(k.Month), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return fmt.Sprintf("%d-%02d-%02dT23:59:59Z", k.Year, k.Month, last)
}

// Range returns every month from from to to, inclusive.
func Range(from, to Key) ([]Key, error) {
	if !from.Valid() || !to.Valid() {
		return nil, ErrInvalidKey
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range %s..%s is reversed", ErrInvalidKey, from, to)
	}
	var out []Key
	for k := from; !to.Before(k); k = k.Next() {
		out = append(out, k)
	}
	return out, nil
}
