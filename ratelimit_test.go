package paloma

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	r := NewRateLimiter(time.Minute, 2)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return now }

	if !r.Allow("user1") || !r.Allow("user1") {
		t.Fatal("first two messages must pass")
	}
	if r.Allow("user1") {
		t.Error("third message inside the window must be dropped")
	}

	// The window slides: once the first entry ages out, one slot frees up.
	now = now.Add(61 * time.Second)
	if !r.Allow("user1") {
		t.Error("message after the window must pass")
	}
}

func TestRateLimiterPerPrincipal(t *testing.T) {
	r := NewRateLimiter(time.Minute, 1)
	if !r.Allow("user1") {
		t.Fatal("first message must pass")
	}
	if !r.Allow("user2") {
		t.Error("another principal has its own window")
	}
	if r.Allow("user1") {
		t.Error("user1 is already at the limit")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(time.Minute, 0)
	for n := 0; n < 100; n++ {
		if !r.Allow("user1") {
			t.Fatal("max <= 0 must accept everything")
		}
	}
}
