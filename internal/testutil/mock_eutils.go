// Package testutil provides a configurable mock E-utilities server for
// tests: canned envelope responses, request recording, and failure
// injection.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

// TestWebEnv is the environment token the mock History server hands out.
const TestWebEnv = "MCID_TEST_0123456789abcdef"

// RecordedRequest captures one request the mock received.
type RecordedRequest struct {
	Endpoint string
	Method   string
	Params   url.Values
}

// MockEUtils is a configurable mock E-utilities server.
type MockEUtils struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	// failures maps endpoint -> remaining injected failures with status.
	failures map[string]*failureInjection

	// historyKey is the next query key the mock History server assigns.
	historyKey int

	// Requests records every request in arrival order.
	Requests []RecordedRequest
}

type failureInjection struct {
	status    int
	remaining int
}

// NewMockEUtils creates a mock server with default envelope responses for
// esearch, elink, efetch, epost and esummary.
func NewMockEUtils() *MockEUtils {
	mock := &MockEUtils{
		handlers: make(map[string]http.HandlerFunc),
		failures: make(map[string]*failureInjection),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		endpoint := strings.TrimPrefix(r.URL.Path, "/")

		mock.mu.Lock()
		mock.Requests = append(mock.Requests, RecordedRequest{
			Endpoint: endpoint,
			Method:   r.Method,
			Params:   cloneValues(r.Form),
		})
		if inj, ok := mock.failures[endpoint]; ok && inj.remaining != 0 {
			if inj.remaining > 0 {
				inj.remaining--
			}
			status := inj.status
			mock.mu.Unlock()
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":"injected failure"}`)
			return
		}
		handler := mock.handlers[endpoint]
		mock.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		mock.defaultHandler(endpoint, w, r)
	}))

	return mock
}

// URL returns the mock server URL, usable as the client BaseURL.
func (m *MockEUtils) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockEUtils) Close() {
	m.server.Close()
}

// SetHandler installs a custom handler for one endpoint (e.g.
// "esearch.fcgi").
func (m *MockEUtils) SetHandler(endpoint string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[endpoint] = handler
}

// FailNext makes the next n requests to endpoint fail with the given
// status. n < 0 fails every request.
func (m *MockEUtils) FailNext(endpoint string, status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[endpoint] = &failureInjection{status: status, remaining: n}
}

// RequestCount returns how many requests hit the given endpoint, or all
// endpoints when endpoint is empty.
func (m *MockEUtils) RequestCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if endpoint == "" {
		return len(m.Requests)
	}
	count := 0
	for _, r := range m.Requests {
		if r.Endpoint == endpoint {
			count++
		}
	}
	return count
}

// LastRequest returns the most recent request to endpoint, or nil.
func (m *MockEUtils) LastRequest(endpoint string) *RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Requests) - 1; i >= 0; i-- {
		if m.Requests[i].Endpoint == endpoint {
			r := m.Requests[i]
			return &r
		}
	}
	return nil
}

// Reset clears recorded requests, injected failures and the History key
// counter.
func (m *MockEUtils) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = nil
	m.failures = make(map[string]*failureInjection)
	m.historyKey = 0
}

// nextHistoryKey assigns query keys the way the History server does:
// sequentially within the environment.
func (m *MockEUtils) nextHistoryKey() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyKey++
	return m.historyKey
}

// defaultHandler serves canned envelopes per endpoint.
func (m *MockEUtils) defaultHandler(endpoint string, w http.ResponseWriter, r *http.Request) {
	switch endpoint {
	case "esearch.fcgi":
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("usehistory") == "y" {
			key := m.nextHistoryKey()
			fmt.Fprintf(w, `{"esearchresult":{"count":"42","retmax":"20","retstart":"0",`+
				`"idlist":["11111","22222"],"querykey":"%d","webenv":"%s",`+
				`"querytranslation":"mock[all]"}}`, key, TestWebEnv)
			return
		}
		fmt.Fprint(w, `{"esearchresult":{"count":"42","retmax":"20","retstart":"0",`+
			`"idlist":["11111","22222"],"querytranslation":"mock[all]"}}`)

	case "elink.fcgi":
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("cmd") == "neighbor_history" {
			key := m.nextHistoryKey()
			fmt.Fprintf(w, `{"linksets":[{"dbfrom":"%s","webenv":"%s",`+
				`"linksetdbhistories":[{"dbto":"%s","linkname":"mock_link","querykey":"%d"}]}]}`,
				r.Form.Get("dbfrom"), TestWebEnv, r.Form.Get("db"), key)
			return
		}
		fmt.Fprintf(w, `{"linksets":[{"dbfrom":"%s",`+
			`"linksetdbs":[{"dbto":"%s","linkname":"mock_link","links":["33333","44444"]}]}]}`,
			r.Form.Get("dbfrom"), r.Form.Get("db"))

	case "efetch.fcgi":
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><PubmedArticleSet><PubmedArticle/></PubmedArticleSet>`)

	case "epost.fcgi":
		w.Header().Set("Content-Type", "text/xml")
		key := m.nextHistoryKey()
		fmt.Fprintf(w, `<?xml version="1.0"?><ePostResult><QueryKey>%d</QueryKey><WebEnv>%s</WebEnv></ePostResult>`,
			key, TestWebEnv)

	case "esummary.fcgi":
		w.Header().Set("Content-Type", "application/json")
		ids := strings.Split(r.Form.Get("id"), ",")
		var docs []string
		quoted := make([]string, 0, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			quoted = append(quoted, fmt.Sprintf("%q", id))
			docs = append(docs, fmt.Sprintf(`%q:{"uid":%q,"title":"Mock article %s"}`, id, id, id))
		}
		if len(docs) == 0 {
			fmt.Fprint(w, `{"result":{"uids":[]}}`)
			return
		}
		fmt.Fprintf(w, `{"result":{"uids":[%s],%s}}`,
			strings.Join(quoted, ","), strings.Join(docs, ","))

	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":"unknown endpoint %s"}`, endpoint)
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
