package cache

import (
	"net/http"
	"time"
)

// DefaultTTL is the fallback TTL when the manager is built without one.
const DefaultTTL = 5 * time.Minute

// Entry represents a cached E-utilities response.
type Entry struct {
	// Data is the response body.
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response.
	StatusCode int `json:"status_code"`

	// Headers are the response headers.
	Headers http.Header `json:"headers"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`
}

// NewEntry builds an Entry from a response body and headers. The expiry is
// assigned by the Manager at Set time from its configured TTL.
func NewEntry(body []byte, statusCode int, headers http.Header) *Entry {
	return &Entry{
		Data:       body,
		StatusCode: statusCode,
		Headers:    headers.Clone(),
		CachedAt:   time.Now(),
	}
}

// IsExpired returns true if the entry has passed its expiry.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
