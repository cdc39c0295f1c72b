package paloma

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Sortability keeps "latest" queries on traces and sessions index-friendly.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds, the store's canonical
// timestamp.
func NowUnix() int64 {
	return time.Now().Unix()
}

// DayStamp names the activity log for the day containing t.
func DayStamp(t time.Time) string {
	return t.Format("2006-01-02")
}
