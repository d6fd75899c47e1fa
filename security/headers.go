package security

import (
	"net/http"
	"strconv"
	"time"
)

// SetAPIHeaders sets the headers shared by every JSON response the guard
// writes itself: rejections and the admin audit endpoints.
func SetAPIHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	// Guard decisions and audit snapshots are per-caller and must not be cached
	w.Header().Set("Cache-Control", "no-store")
}

// SetRetryAfter sets Retry-After to the window in whole seconds, rounded up.
// Windows shorter than a second are reported as 1.
func SetRetryAfter(w http.ResponseWriter, window time.Duration) {
	secs := int((window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
