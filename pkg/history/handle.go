// Package history models Entrez History server handles: server-side result
// sets addressed by an opaque WebEnv environment token and a per-step query
// key. A pipeline holds exactly one evolving handle; handles are never
// shared across pipelines and never mutated after creation.
package history

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerTTL is the documented inactivity window after which NCBI expires a
// History result set. Expiry is the server's job; this package only reports
// it so callers avoid reusing stale handles.
const ServerTTL = time.Hour

// ErrInvalidHandle is returned when a handle fails validation: a malformed
// WebEnv, a mismatched environment on append, or a query key that would
// regress.
var ErrInvalidHandle = errors.New("invalid history handle")

// webEnvPattern matches the token charset NCBI emits (e.g. "MCID_65ab...").
var webEnvPattern = regexp.MustCompile(`^[A-Za-z0-9_.%+-]+$`)

// Handle represents one server-side stored result set.
type Handle struct {
	// WebEnv is the opaque environment token shared by all steps of one
	// pipeline.
	WebEnv string

	// QueryKey identifies the step's result set within the WebEnv.
	// Strictly increasing across appends.
	QueryKey int

	// Count is the number of records in the result set.
	Count int

	// Database is the Entrez database the result set lives in.
	Database string

	// CreatedAt is when this handle was minted locally.
	CreatedAt time.Time
}

// Age returns how long ago the handle was created.
func (h Handle) Age() time.Duration {
	return time.Since(h.CreatedAt)
}

// Expired reports whether the server has likely discarded the result set.
func (h Handle) Expired() bool {
	return h.Age() > ServerTTL
}

// Zero reports whether the handle is the empty value.
func (h Handle) Zero() bool {
	return h.WebEnv == ""
}

func (h Handle) String() string {
	return fmt.Sprintf("history{env=%s key=%d db=%s count=%d}", h.WebEnv, h.QueryKey, h.Database, h.Count)
}

// Store validates server-returned History values and mints handles. It
// retains nothing between calls: durability of the remote result set is the
// History server's responsibility.
type Store struct {
	logger zerolog.Logger
}

// NewStore creates a handle store.
func NewStore() *Store {
	return &Store{
		logger: log.With().Str("component", "history").Logger(),
	}
}

// Create mints the first handle of a pipeline from the WebEnv and query key
// returned by a producing step (ESearch/EPost with usehistory).
func (s *Store) Create(database, webEnv string, queryKey, count int) (Handle, error) {
	if err := validateWebEnv(webEnv); err != nil {
		return Handle{}, err
	}
	if queryKey <= 0 {
		return Handle{}, fmt.Errorf("%w: query key %d must be positive", ErrInvalidHandle, queryKey)
	}

	h := Handle{
		WebEnv:    webEnv,
		QueryKey:  queryKey,
		Count:     count,
		Database:  database,
		CreatedAt: time.Now(),
	}

	s.logger.Debug().
		Str("database", database).
		Int("query_key", queryKey).
		Int("count", count).
		Msg("History session started")

	return h, nil
}

// Append derives the next handle from an existing one using the values a
// subsequent step returned. The environment token must match; the query key
// must advance. A zero queryKey means the server did not echo one (ELink
// neighbor_history does this) and the next sequential key is assumed.
func (s *Store) Append(h Handle, database, webEnv string, queryKey, count int) (Handle, error) {
	if h.Zero() {
		return Handle{}, fmt.Errorf("%w: no active handle to append to", ErrInvalidHandle)
	}
	if webEnv != "" && webEnv != h.WebEnv {
		return Handle{}, fmt.Errorf("%w: environment token changed mid-pipeline", ErrInvalidHandle)
	}
	if queryKey == 0 {
		queryKey = h.QueryKey + 1
	}
	if queryKey <= h.QueryKey {
		return Handle{}, fmt.Errorf("%w: query key %d does not advance past %d",
			ErrInvalidHandle, queryKey, h.QueryKey)
	}

	next := Handle{
		WebEnv:    h.WebEnv,
		QueryKey:  queryKey,
		Count:     count,
		Database:  database,
		CreatedAt: time.Now(),
	}

	s.logger.Debug().
		Str("database", database).
		Int("query_key", queryKey).
		Int("count", count).
		Msg("History step appended")

	return next, nil
}

// validateWebEnv checks the token format.
func validateWebEnv(webEnv string) error {
	if webEnv == "" {
		return fmt.Errorf("%w: empty environment token", ErrInvalidHandle)
	}
	if !webEnvPattern.MatchString(webEnv) {
		return fmt.Errorf("%w: malformed environment token %q", ErrInvalidHandle, webEnv)
	}
	return nil
}
