package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/litkit/entrez-client/internal/testutil"
	"github.com/litkit/entrez-client/pkg/client"
	"github.com/litkit/entrez-client/pkg/eutils"
)

func newTestExecutor(t *testing.T) (*Executor, *testutil.MockEUtils) {
	t.Helper()

	mock := testutil.NewMockEUtils()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig("pipeline-test", "dev@example.org")
	cfg.BaseURL = mock.URL()
	cfg.Retry = client.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return NewExecutor(eutils.New(c)), mock
}

func TestRun_SearchLinkFetch(t *testing.T) {
	exec, mock := newTestExecutor(t)

	result, err := exec.Run(context.Background(), []Step{
		Search{DB: "pubmed", Query: "crispr[title]"},
		Link{ToDB: "protein"},
		Fetch{RetType: "fasta", RetMode: "text"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.State != StateCompleted {
		t.Errorf("State = %q, want %q", result.State, StateCompleted)
	}
	if len(result.Records) == 0 {
		t.Error("expected fetch payload, got none")
	}
	if result.Handle.WebEnv != testutil.TestWebEnv {
		t.Errorf("WebEnv = %q, want %q", result.Handle.WebEnv, testutil.TestWebEnv)
	}
	if result.Handle.QueryKey != 2 {
		t.Errorf("final QueryKey = %d, want 2", result.Handle.QueryKey)
	}
	if result.Handle.Database != "protein" {
		t.Errorf("final Database = %q, want %q", result.Handle.Database, "protein")
	}

	if len(result.Log) != 3 {
		t.Fatalf("Log has %d records, want 3", len(result.Log))
	}
	if result.Log[0].Op != OpSearch || result.Log[0].QueryKey != 1 {
		t.Errorf("Log[0] = %+v, want search with query key 1", result.Log[0])
	}
	if result.Log[1].Op != OpLink || result.Log[1].QueryKey != 2 {
		t.Errorf("Log[1] = %+v, want link with query key 2", result.Log[1])
	}

	// The link must run in history mode within the search's environment.
	linkReq := mock.LastRequest("elink.fcgi")
	if linkReq == nil {
		t.Fatal("no elink request recorded")
	}
	if got := linkReq.Params.Get("cmd"); got != "neighbor_history" {
		t.Errorf("elink cmd = %q, want neighbor_history", got)
	}
	if got := linkReq.Params.Get("WebEnv"); got != testutil.TestWebEnv {
		t.Errorf("elink WebEnv = %q, want %q", got, testutil.TestWebEnv)
	}
	if got := linkReq.Params.Get("dbfrom"); got != "pubmed" {
		t.Errorf("elink dbfrom = %q, want pubmed (inherited from handle)", got)
	}

	// The fetch must address the result set by handle, not by ID list.
	fetchReq := mock.LastRequest("efetch.fcgi")
	if fetchReq == nil {
		t.Fatal("no efetch request recorded")
	}
	if got := fetchReq.Params.Get("query_key"); got != "2" {
		t.Errorf("efetch query_key = %q, want 2", got)
	}
	if got := fetchReq.Params.Get("id"); got != "" {
		t.Errorf("efetch carried id list %q, want handle addressing only", got)
	}
}

func TestRun_CombinedSearch(t *testing.T) {
	exec, mock := newTestExecutor(t)

	result, err := exec.Run(context.Background(), []Step{
		Search{DB: "pubmed", Query: "crispr[title]"},
		Search{DB: "pubmed", Query: "review[pt]", CombineWith: 1, Operator: "AND"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Handle.QueryKey != 2 {
		t.Errorf("final QueryKey = %d, want 2", result.Handle.QueryKey)
	}

	second := mock.LastRequest("esearch.fcgi")
	if second == nil {
		t.Fatal("no esearch request recorded")
	}
	if got := second.Params.Get("term"); got != "#1 AND (review[pt])" {
		t.Errorf("combined term = %q, want %q", got, "#1 AND (review[pt])")
	}
	if got := second.Params.Get("WebEnv"); got != testutil.TestWebEnv {
		t.Errorf("combined search WebEnv = %q, want %q", got, testutil.TestWebEnv)
	}
}

func TestRun_FailedStepAbortsRemaining(t *testing.T) {
	exec, mock := newTestExecutor(t)
	mock.FailNext("elink.fcgi", 400, -1)

	result, err := exec.Run(context.Background(), []Step{
		Search{DB: "pubmed", Query: "crispr[title]"},
		Link{ToDB: "protein"},
		Fetch{},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil on failure", result)
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error %v is not a StepError", err)
	}
	if stepErr.Index != 1 || stepErr.Op != OpLink {
		t.Errorf("failed step = %d/%s, want 1/link", stepErr.Index, stepErr.Op)
	}

	if n := mock.RequestCount("efetch.fcgi"); n != 0 {
		t.Errorf("efetch was called %d times after link failure, want 0", n)
	}
	// 400 is permanent: exactly one elink attempt.
	if n := mock.RequestCount("elink.fcgi"); n != 1 {
		t.Errorf("elink attempts = %d, want 1 for a permanent failure", n)
	}
}

func TestRun_TransientStepFailureRetries(t *testing.T) {
	exec, mock := newTestExecutor(t)
	mock.FailNext("esearch.fcgi", 503, 1)

	result, err := exec.Run(context.Background(), []Step{
		Search{DB: "pubmed", Query: "crispr[title]"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Handle.QueryKey != 1 {
		t.Errorf("QueryKey = %d, want 1", result.Handle.QueryKey)
	}
	if n := mock.RequestCount("esearch.fcgi"); n != 2 {
		t.Errorf("esearch attempts = %d, want 2 (one failure, one retry)", n)
	}
}

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty pipeline", nil},
		{"first step not search", []Step{Link{ToDB: "protein"}}},
		{"fetch before last step", []Step{
			Search{DB: "pubmed", Query: "x"},
			Fetch{},
			Link{ToDB: "protein"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, mock := newTestExecutor(t)
			if _, err := exec.Run(context.Background(), tt.steps); err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if n := mock.RequestCount(""); n != 0 {
				t.Errorf("%d requests dispatched for invalid pipeline, want 0", n)
			}
		})
	}
}

func TestRun_CancelledContext(t *testing.T) {
	exec, mock := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Run(ctx, []Step{Search{DB: "pubmed", Query: "x"}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error %v is not a StepError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not wrap context.Canceled", err)
	}
	if n := mock.RequestCount(""); n != 0 {
		t.Errorf("%d requests dispatched after cancellation, want 0", n)
	}
}
