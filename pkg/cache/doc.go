// Package cache provides an optional Redis-backed response cache for
// idempotent E-utilities GET requests.
//
// NCBI responses carry no ETag or Expires headers, so entries live under a
// single configured TTL (short by default). The cache is a politeness layer
// that deduplicates identical metadata queries; the orchestration core never
// depends on it, and it is disabled entirely when no Redis client is
// configured.
//
// History-server state (WebEnv/query_key) is never cached here: those
// handles are pipeline-scoped and owned by pkg/history.
package cache
