package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached response by endpoint and caller parameters.
// Credential parameters (tool, email, api_key) are added by the dispatcher
// after key construction and therefore never appear here.
type Key struct {
	// Endpoint is the E-utilities endpoint (e.g. "esearch.fcgi").
	Endpoint string

	// Params are the caller-supplied query parameters.
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: entrez:endpoint:param1=val1:param2=val2
//
// Example:
//
//	entrez:esearch.fcgi:db=pubmed:retmax=50:term=diabetes
func (k Key) String() string {
	parts := []string{"entrez"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.Params) > 0 {
		keys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.Params[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}
