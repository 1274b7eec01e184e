// Package pipeline executes ordered chains of search/link/fetch steps
// against the Entrez History server. Each step's output (a history handle)
// is the next step's only input, so large intermediate result sets never
// leave NCBI; the pipeline holds exactly one evolving handle for its whole
// lifetime.
package pipeline

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/litkit/entrez-client/pkg/client"
	"github.com/litkit/entrez-client/pkg/eutils"
	"github.com/litkit/entrez-client/pkg/history"
)

// Prometheus metrics for pipeline execution.
var (
	entrezPipelineStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_pipeline_steps_total",
		Help: "Total pipeline steps executed by operation and outcome",
	}, []string{"op", "status"})

	entrezPipelinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_pipelines_total",
		Help: "Total pipelines executed by outcome",
	}, []string{"status"})
)

// Op names a pipeline operation.
type Op string

const (
	OpSearch Op = "search"
	OpLink   Op = "link"
	OpFetch  Op = "fetch"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Step is one pipeline operation. Implementations: Search, Link, Fetch.
type Step interface {
	op() Op
}

// Search runs ESearch. As the first step it opens the History session; as a
// later step it runs inside the existing environment, optionally combining
// with a previous step's result set by query key.
type Search struct {
	DB    string
	Query string

	// CombineWith references an earlier step's query key; when set, the
	// term becomes "#<key> <Operator> (<Query>)".
	CombineWith int

	// Operator joins the combined sets: AND (default), OR or NOT.
	Operator string
}

func (Search) op() Op { return OpSearch }

// Link runs ELink in history mode, projecting the current result set from
// one database into another.
type Link struct {
	FromDB   string
	ToDB     string
	LinkName string
}

func (Link) op() Op { return OpLink }

// Fetch downloads records for the current result set. Must be the terminal
// step: nothing can consume a pipeline's output after its payload leaves
// the History server.
type Fetch struct {
	RetType  string
	RetMode  string
	RetMax   int
	RetStart int
}

func (Fetch) op() Op { return OpFetch }

// StepError reports which step failed and why. Downstream steps are never
// attempted: each step strictly depends on its predecessor's handle.
type StepError struct {
	Index int
	Op    Op
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepRecord is one entry of the execution log.
type StepRecord struct {
	Index    int
	Op       Op
	Database string
	QueryKey int
	Count    int
}

// Result is the outcome of a completed pipeline.
type Result struct {
	// Records is the terminal Fetch payload, nil if the pipeline ended
	// on a producing step.
	Records []byte

	// Handle is the final history handle, still addressable on the
	// History server until its TTL lapses.
	Handle history.Handle

	// Log records every executed step in order.
	Log []StepRecord

	// State is StateCompleted for a returned Result.
	State State
}

// Executor runs pipelines over an E-utilities service. Safe for concurrent
// use: each Run owns its pipeline state and handle exclusively.
type Executor struct {
	svc    *eutils.Service
	store  *history.Store
	retry  client.RetryPolicy
	logger zerolog.Logger
}

// NewExecutor creates a pipeline executor. The retry policy comes from the
// dispatcher configuration.
func NewExecutor(svc *eutils.Service) *Executor {
	return &Executor{
		svc:    svc,
		store:  history.NewStore(),
		retry:  svc.Client().Config().Retry,
		logger: log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the steps strictly in sequence and returns the terminal
// step's result. The first failing step aborts the rest and surfaces a
// StepError. Each step individually passes through the rate governor via
// the dispatcher; pipelines never pre-allocate rate budget.
func (e *Executor) Run(ctx context.Context, steps []Step) (*Result, error) {
	if err := validate(steps); err != nil {
		entrezPipelinesTotal.WithLabelValues(string(StateFailed)).Inc()
		return nil, err
	}

	result := &Result{State: StateRunning}
	var handle history.Handle

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return e.fail(result, i, step.op(), err)
		}

		var err error
		switch s := step.(type) {
		case Search:
			handle, err = e.runSearch(ctx, i, s, handle)
		case Link:
			handle, err = e.runLink(ctx, i, s, handle)
		case Fetch:
			result.Records, err = e.runFetch(ctx, s, handle)
		}
		if err != nil {
			return e.fail(result, i, step.op(), err)
		}

		record := StepRecord{
			Index:    i,
			Op:       step.op(),
			Database: handle.Database,
			QueryKey: handle.QueryKey,
			Count:    handle.Count,
		}
		result.Log = append(result.Log, record)
		entrezPipelineStepsTotal.WithLabelValues(string(step.op()), "ok").Inc()

		e.logger.Debug().
			Int("step", i).
			Str("op", string(step.op())).
			Int("query_key", handle.QueryKey).
			Int("count", handle.Count).
			Msg("Pipeline step completed")
	}

	result.Handle = handle
	result.State = StateCompleted
	entrezPipelinesTotal.WithLabelValues(string(StateCompleted)).Inc()

	e.logger.Info().
		Int("steps", len(steps)).
		Int("final_count", handle.Count).
		Msg("Pipeline completed")

	return result, nil
}

// fail marks the pipeline failed and wraps the cause with step attribution.
func (e *Executor) fail(result *Result, index int, op Op, err error) (*Result, error) {
	result.State = StateFailed
	entrezPipelineStepsTotal.WithLabelValues(string(op), "error").Inc()
	entrezPipelinesTotal.WithLabelValues(string(StateFailed)).Inc()

	stepErr := &StepError{Index: index, Op: op, Err: err}
	e.logger.Warn().
		Err(err).
		Int("step", index).
		Str("op", string(op)).
		Msg("Pipeline step failed, aborting remaining steps")

	return nil, stepErr
}

// validate enforces the structural rules: a pipeline starts with a
// producing Search step and Fetch can only be terminal.
func validate(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("pipeline has no steps")
	}
	if _, ok := steps[0].(Search); !ok {
		return &StepError{Index: 0, Op: steps[0].op(),
			Err: fmt.Errorf("first step must be a search to open the history session")}
	}
	for i, step := range steps[:len(steps)-1] {
		if _, ok := step.(Fetch); ok {
			return &StepError{Index: i, Op: OpFetch,
				Err: fmt.Errorf("fetch must be the terminal step")}
		}
	}
	return nil
}

// runSearch executes a Search step and threads the handle forward.
func (e *Executor) runSearch(ctx context.Context, index int, s Search, handle history.Handle) (history.Handle, error) {
	req := eutils.SearchRequest{
		DB:         s.DB,
		Query:      s.Query,
		UseHistory: true,
	}
	if index > 0 {
		if s.CombineWith > 0 {
			operator := s.Operator
			if operator == "" {
				operator = "AND"
			}
			req.Query = fmt.Sprintf("#%d %s (%s)", s.CombineWith, operator, s.Query)
		}
		req.WebEnv = handle.WebEnv
	}

	var res *eutils.SearchResult
	err := client.Retry(ctx, e.retry, func() error {
		var stepErr error
		res, stepErr = e.svc.Search(ctx, req)
		return stepErr
	})
	if err != nil {
		return history.Handle{}, err
	}

	if index == 0 {
		return e.store.Create(req.DB, res.WebEnv, res.QueryKey, res.Count)
	}
	return e.store.Append(handle, req.DB, res.WebEnv, res.QueryKey, res.Count)
}

// runLink executes a Link step in history mode.
func (e *Executor) runLink(ctx context.Context, index int, l Link, handle history.Handle) (history.Handle, error) {
	if handle.Zero() {
		return history.Handle{}, fmt.Errorf("link step %d has no upstream result set", index)
	}

	req := eutils.LinkRequest{
		FromDB:   l.FromDB,
		ToDB:     l.ToDB,
		LinkName: l.LinkName,
		WebEnv:   handle.WebEnv,
		QueryKey: handle.QueryKey,
		History:  true,
	}
	if req.FromDB == "" {
		req.FromDB = handle.Database
	}

	var res *eutils.LinkResult
	err := client.Retry(ctx, e.retry, func() error {
		var stepErr error
		res, stepErr = e.svc.Link(ctx, req)
		return stepErr
	})
	if err != nil {
		return history.Handle{}, err
	}

	return e.store.Append(handle, l.ToDB, res.WebEnv, res.QueryKey, res.Count)
}

// runFetch executes the terminal Fetch step.
func (e *Executor) runFetch(ctx context.Context, f Fetch, handle history.Handle) ([]byte, error) {
	if handle.Zero() {
		return nil, fmt.Errorf("fetch step has no upstream result set")
	}

	req := eutils.FetchRequest{
		DB:       handle.Database,
		WebEnv:   handle.WebEnv,
		QueryKey: handle.QueryKey,
		RetType:  f.RetType,
		RetMode:  f.RetMode,
		RetMax:   f.RetMax,
		RetStart: f.RetStart,
	}

	var payload []byte
	err := client.Retry(ctx, e.retry, func() error {
		var stepErr error
		payload, stepErr = e.svc.Fetch(ctx, req)
		return stepErr
	})
	return payload, err
}
