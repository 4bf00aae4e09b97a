// Package clock provides wall-clock time in the configured site timezone.
// Filenames and API timestamps must agree on one zone regardless of the
// host's locale, so every component takes its time from here.
package clock

import (
	"fmt"
	"time"
)

const (
	// DisplayFormat is used for human-readable timestamps in API responses.
	DisplayFormat = "2006-01-02 15:04:05 MST"
	// FilenameFormat is used for timestamps embedded in recording filenames.
	FilenameFormat = "20060102_150405"
)

// Clock resolves the current time in a fixed timezone.
type Clock struct {
	zone *time.Location
}

// New creates a Clock for the given IANA timezone name.
func New(timezone string) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &Clock{zone: loc}, nil
}

// Now returns the current time in the configured zone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.zone)
}

// Zone returns the configured location.
func (c *Clock) Zone() *time.Location {
	return c.zone
}

// Format renders a timestamp in the display format, converting to the
// configured zone first.
func (c *Clock) Format(t time.Time) string {
	return t.In(c.zone).Format(DisplayFormat)
}

// FilenameStamp renders a timestamp suitable for embedding in filenames.
func (c *Clock) FilenameStamp(t time.Time) string {
	return t.In(c.zone).Format(FilenameFormat)
}

// Parse accepts RFC 3339, the display format, or the filename format.
// Formats without zone information are interpreted in the configured zone.
func (c *Clock) Parse(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(DisplayFormat, s, c.zone); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, c.zone); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(FilenameFormat, s, c.zone); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}
