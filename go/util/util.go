package util

import (
	"io"
	"time"

	"go.lapig.org/tiles/go/sklog"
)

const (
	_          = iota // ignore first value by assigning to blank identifier
	KB float64 = 1 << (10 * iota)
	MB
	GB
	TB
	PB
)

// Close wraps an io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %v", err)
	}
}

// Truncate the given string to the given length. If the string was
// shortened, change the last three characters to ellipses.
func Truncate(s string, length int) string {
	if len(s) > length {
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	}
	return s
}

// TimeStamp returns the current time as nanoseconds since the epoch.
func TimeStamp() int64 {
	return time.Now().UnixNano()
}

// WithinDuration returns true if the two times are within the given duration
// of each other.
func WithinDuration(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}
