package dispatch

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/voicectl/internal/auth"
)

const (
	HeaderCSRF      = "csrf"
	HeaderRequestID = "X-Request-Id"
)

// SessionHeaders builds the per-call request headers from fresh credentials.
func SessionHeaders(creds auth.Credentials, userAgent, requestID string) http.Header {
	h := make(http.Header)
	h.Set("Cookie", creds.Cookie)
	if creds.CSRFToken != "" {
		h.Set(HeaderCSRF, creds.CSRFToken)
	}
	h.Set("Accept", "application/json")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if requestID != "" {
		h.Set(HeaderRequestID, requestID)
	}
	return h
}

// ParseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. It returns false when the header is absent or unusable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
