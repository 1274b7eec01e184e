// Package eutils provides typed wrappers for the E-utilities operations the
// orchestration layers need: ESearch, ELink, EFetch, EPost and ESummary.
//
// Parsing is limited to the response envelope (counts, ID lists, History
// server tokens); article records pass through as opaque payloads for an
// external formatting layer.
package eutils

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/litkit/entrez-client/pkg/client"
)

// MaxSearchResults is the largest retmax NCBI honors for ESearch.
const MaxSearchResults = 10000

// postIDThreshold is the ID count above which requests switch from GET to
// form POST to keep the URL within server limits.
const postIDThreshold = 200

// Service exposes the E-utilities operations over a request dispatcher.
type Service struct {
	client *client.Client
	logger zerolog.Logger
}

// New creates a Service on top of an existing dispatcher.
func New(c *client.Client) *Service {
	return &Service{
		client: c,
		logger: log.With().Str("component", "eutils").Logger(),
	}
}

// Client returns the underlying dispatcher.
func (s *Service) Client() *client.Client {
	return s.client
}

// SearchRequest describes an ESearch call. Query is an opaque E-utilities
// term string; this package performs no syntax validation.
type SearchRequest struct {
	DB       string
	Query    string
	RetMax   int
	RetStart int
	Sort     string

	// UseHistory stores the result set on the History server and returns
	// WebEnv/QueryKey in the result.
	UseHistory bool

	// WebEnv chains this search into an existing History environment.
	WebEnv string

	// Date filters (datetype is e.g. "pdat" or "edat").
	DateType string
	MinDate  string
	MaxDate  string
}

// SearchResult is the parsed ESearch envelope.
type SearchResult struct {
	Count            int
	IDs              []string
	WebEnv           string
	QueryKey         int
	QueryTranslation string
}

// Search runs ESearch against a database.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.DB == "" {
		req.DB = "pubmed"
	}
	retmax := req.RetMax
	if retmax <= 0 {
		retmax = 50
	}
	if retmax > MaxSearchResults {
		retmax = MaxSearchResults
	}

	params := url.Values{}
	params.Set("db", req.DB)
	params.Set("term", req.Query)
	params.Set("retmax", strconv.Itoa(retmax))
	params.Set("retstart", strconv.Itoa(req.RetStart))
	params.Set("retmode", "json")
	if req.Sort != "" {
		params.Set("sort", req.Sort)
	}
	if req.UseHistory {
		params.Set("usehistory", "y")
	}
	if req.WebEnv != "" {
		params.Set("WebEnv", req.WebEnv)
	}
	if req.DateType != "" {
		params.Set("datetype", req.DateType)
	}
	if req.MinDate != "" {
		params.Set("mindate", req.MinDate)
	}
	if req.MaxDate != "" {
		params.Set("maxdate", req.MaxDate)
	}

	resp, err := s.client.Get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	result, err := parseSearchResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("db", req.DB).
		Int("count", result.Count).
		Int("query_key", result.QueryKey).
		Msg("Search completed")

	return result, nil
}

// LinkRequest describes an ELink call. Input is either an explicit ID list
// or a History reference (WebEnv + QueryKey), never both.
type LinkRequest struct {
	FromDB   string
	ToDB     string
	IDs      []string
	LinkName string
	WebEnv   string
	QueryKey int

	// History requests cmd=neighbor_history so the linked set is stored
	// on the History server instead of being returned inline.
	History bool
}

// LinkSet is one group of linked IDs returned inline by ELink.
type LinkSet struct {
	DBTo     string
	LinkName string
	IDs      []string
}

// LinkResult is the parsed ELink envelope.
type LinkResult struct {
	WebEnv   string
	QueryKey int
	Count    int
	LinkSets []LinkSet
}

// Link runs ELink between two databases.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*LinkResult, error) {
	params := url.Values{}
	params.Set("dbfrom", req.FromDB)
	params.Set("db", req.ToDB)
	params.Set("retmode", "json")
	if req.History {
		params.Set("cmd", "neighbor_history")
	} else {
		params.Set("cmd", "neighbor")
	}
	if req.LinkName != "" {
		params.Set("linkname", req.LinkName)
	}

	switch {
	case len(req.IDs) > 0:
		params.Set("id", strings.Join(req.IDs, ","))
	case req.WebEnv != "" && req.QueryKey > 0:
		params.Set("WebEnv", req.WebEnv)
		params.Set("query_key", strconv.Itoa(req.QueryKey))
	default:
		return nil, fmt.Errorf("elink requires ids or a history reference")
	}

	var resp *client.Response
	var err error
	if len(req.IDs) > postIDThreshold {
		resp, err = s.client.PostForm(ctx, "elink.fcgi", params)
	} else {
		resp, err = s.client.Get(ctx, "elink.fcgi", params)
	}
	if err != nil {
		return nil, err
	}

	result, err := parseLinkResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("dbfrom", req.FromDB).
		Str("dbto", req.ToDB).
		Int("count", result.Count).
		Int("query_key", result.QueryKey).
		Msg("Link completed")

	return result, nil
}

// FetchRequest describes an EFetch call. Input is either an explicit ID
// list or a History reference.
type FetchRequest struct {
	DB       string
	IDs      []string
	WebEnv   string
	QueryKey int
	RetType  string
	RetMode  string
	RetMax   int
	RetStart int
}

// Fetch runs EFetch and returns the raw payload (XML, MEDLINE or text
// depending on RetType/RetMode).
func (s *Service) Fetch(ctx context.Context, req FetchRequest) ([]byte, error) {
	if req.DB == "" {
		req.DB = "pubmed"
	}
	retType := req.RetType
	if retType == "" {
		retType = "abstract"
	}
	retMode := req.RetMode
	if retMode == "" {
		retMode = "xml"
	}
	retmax := req.RetMax
	if retmax <= 0 {
		retmax = 500
	}

	params := url.Values{}
	params.Set("db", req.DB)
	params.Set("rettype", retType)
	params.Set("retmode", retMode)
	params.Set("retmax", strconv.Itoa(retmax))
	params.Set("retstart", strconv.Itoa(req.RetStart))

	switch {
	case len(req.IDs) > 0:
		params.Set("id", strings.Join(req.IDs, ","))
	case req.WebEnv != "" && req.QueryKey > 0:
		params.Set("WebEnv", req.WebEnv)
		params.Set("query_key", strconv.Itoa(req.QueryKey))
	default:
		return nil, fmt.Errorf("efetch requires ids or a history reference")
	}

	var resp *client.Response
	var err error
	if len(req.IDs) > postIDThreshold {
		resp, err = s.client.PostForm(ctx, "efetch.fcgi", params)
	} else {
		resp, err = s.client.Get(ctx, "efetch.fcgi", params)
	}
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// PostRequest describes an EPost call: upload an explicit ID list to the
// History server, optionally into an existing environment.
type PostRequest struct {
	DB     string
	IDs    []string
	WebEnv string
}

// PostResult is the parsed EPost envelope.
type PostResult struct {
	WebEnv   string
	QueryKey int
}

// Post runs EPost. Always a form POST: ID lists are unbounded.
func (s *Service) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if len(req.IDs) == 0 {
		return nil, fmt.Errorf("epost requires at least one id")
	}

	params := url.Values{}
	params.Set("db", req.DB)
	params.Set("id", strings.Join(req.IDs, ","))
	if req.WebEnv != "" {
		params.Set("WebEnv", req.WebEnv)
	}

	resp, err := s.client.PostForm(ctx, "epost.fcgi", params)
	if err != nil {
		return nil, err
	}

	return parsePostResponse(resp.Body)
}

// SummaryRequest describes an ESummary call.
type SummaryRequest struct {
	DB      string
	IDs     []string
	Version string
}

// SummaryResult holds document summaries keyed by UID. Docs stay raw: the
// record schema belongs to the formatting layer, not the orchestrator.
type SummaryResult struct {
	UIDs []string
	Docs map[string]json.RawMessage
}

// Summary runs ESummary for a set of UIDs.
func (s *Service) Summary(ctx context.Context, req SummaryRequest) (*SummaryResult, error) {
	if len(req.IDs) == 0 {
		return &SummaryResult{Docs: map[string]json.RawMessage{}}, nil
	}
	if req.DB == "" {
		req.DB = "pubmed"
	}
	version := req.Version
	if version == "" {
		version = "2.0"
	}

	params := url.Values{}
	params.Set("db", req.DB)
	params.Set("id", strings.Join(req.IDs, ","))
	params.Set("version", version)
	params.Set("retmode", "json")

	var resp *client.Response
	var err error
	if len(req.IDs) > postIDThreshold {
		resp, err = s.client.PostForm(ctx, "esummary.fcgi", params)
	} else {
		resp, err = s.client.Get(ctx, "esummary.fcgi", params)
	}
	if err != nil {
		return nil, err
	}

	return parseSummaryResponse(resp.Body)
}
