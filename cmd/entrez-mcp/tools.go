package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/litkit/entrez-client/pkg/batch"
	"github.com/litkit/entrez-client/pkg/client"
	"github.com/litkit/entrez-client/pkg/eutils"
	"github.com/litkit/entrez-client/pkg/logging"
	"github.com/litkit/entrez-client/pkg/pipeline"
)

// app wires the orchestration layers behind the MCP tool surface.
type app struct {
	svc      *eutils.Service
	batch    *batch.Executor
	pipeline *pipeline.Executor
	logger   zerolog.Logger
}

func newApp(cfg client.Config) (*app, error) {
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	svc := eutils.New(c)
	return &app{
		svc:      svc,
		batch:    batch.NewExecutor(),
		pipeline: pipeline.NewExecutor(svc),
		logger:   logging.NewLogger("mcp"),
	}, nil
}

// serve registers the tools and runs the MCP server over stdio until the
// context is cancelled.
func (a *app) serve(ctx context.Context) error {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "entrez-mcp",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entrez_search",
		Description: "Search an NCBI Entrez database (e.g. pubmed) with an E-utilities term and return matching record IDs.",
	}, a.handleSearch)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entrez_fetch",
		Description: "Fetch full records for a list of Entrez IDs in the requested format (XML, MEDLINE, abstract).",
	}, a.handleFetch)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entrez_summary",
		Description: "Fetch document summaries (title, authors, journal metadata) for a list of Entrez IDs.",
	}, a.handleSummary)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entrez_pipeline",
		Description: "Run a sequential search/link/fetch pipeline on the Entrez History server. Intermediate result sets stay server-side.",
	}, a.handlePipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "entrez_batch",
		Description: "Download summaries for a large ID list in rate-limited chunks with per-chunk retry and failure attribution.",
	}, a.handleBatch)

	return server.Run(ctx, &mcp.StdioTransport{})
}

type searchInput struct {
	DB       string `json:"db,omitempty" jsonschema:"Entrez database, default pubmed"`
	Term     string `json:"term" jsonschema:"E-utilities query term"`
	RetMax   int    `json:"retmax,omitempty" jsonschema:"maximum IDs to return"`
	RetStart int    `json:"retstart,omitempty" jsonschema:"result offset for paging"`
	Sort     string `json:"sort,omitempty" jsonschema:"sort order (e.g. pub_date)"`
	MinDate  string `json:"mindate,omitempty" jsonschema:"lower publication date bound (YYYY/MM/DD)"`
	MaxDate  string `json:"maxdate,omitempty" jsonschema:"upper publication date bound (YYYY/MM/DD)"`
}

type searchOutput struct {
	Count            int      `json:"count"`
	IDs              []string `json:"ids"`
	QueryTranslation string   `json:"query_translation,omitempty"`
}

func (a *app) handleSearch(ctx context.Context, req *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, searchOutput, error) {
	sreq := eutils.SearchRequest{
		DB:       in.DB,
		Query:    in.Term,
		RetMax:   in.RetMax,
		RetStart: in.RetStart,
		Sort:     in.Sort,
		MinDate:  in.MinDate,
		MaxDate:  in.MaxDate,
	}
	if in.MinDate != "" || in.MaxDate != "" {
		sreq.DateType = "pdat"
	}

	res, err := a.svc.Search(ctx, sreq)
	if err != nil {
		return nil, searchOutput{}, err
	}
	return nil, searchOutput{
		Count:            res.Count,
		IDs:              res.IDs,
		QueryTranslation: res.QueryTranslation,
	}, nil
}

type fetchInput struct {
	DB      string   `json:"db,omitempty" jsonschema:"Entrez database, default pubmed"`
	IDs     []string `json:"ids" jsonschema:"record IDs to fetch"`
	RetType string   `json:"rettype,omitempty" jsonschema:"record type (abstract, medline, fasta)"`
	RetMode string   `json:"retmode,omitempty" jsonschema:"serialization (xml, text)"`
}

type fetchOutput struct {
	Records string `json:"records"`
}

func (a *app) handleFetch(ctx context.Context, req *mcp.CallToolRequest, in fetchInput) (*mcp.CallToolResult, fetchOutput, error) {
	if len(in.IDs) == 0 {
		return nil, fetchOutput{}, fmt.Errorf("ids must not be empty")
	}
	payload, err := a.svc.Fetch(ctx, eutils.FetchRequest{
		DB:      in.DB,
		IDs:     in.IDs,
		RetType: in.RetType,
		RetMode: in.RetMode,
	})
	if err != nil {
		return nil, fetchOutput{}, err
	}
	return nil, fetchOutput{Records: string(payload)}, nil
}

type summaryInput struct {
	DB  string   `json:"db,omitempty" jsonschema:"Entrez database, default pubmed"`
	IDs []string `json:"ids" jsonschema:"record IDs to summarize"`
}

type summaryOutput struct {
	UIDs []string                   `json:"uids"`
	Docs map[string]json.RawMessage `json:"docs"`
}

func (a *app) handleSummary(ctx context.Context, req *mcp.CallToolRequest, in summaryInput) (*mcp.CallToolResult, summaryOutput, error) {
	res, err := a.svc.Summary(ctx, eutils.SummaryRequest{DB: in.DB, IDs: in.IDs})
	if err != nil {
		return nil, summaryOutput{}, err
	}
	return nil, summaryOutput{UIDs: res.UIDs, Docs: res.Docs}, nil
}

type pipelineStepInput struct {
	Op          string `json:"op" jsonschema:"step operation: search, link or fetch"`
	DB          string `json:"db,omitempty" jsonschema:"database for search steps"`
	Term        string `json:"term,omitempty" jsonschema:"query term for search steps"`
	CombineWith int    `json:"combine_with,omitempty" jsonschema:"query key of an earlier step to combine with"`
	Operator    string `json:"operator,omitempty" jsonschema:"combination operator: AND, OR, NOT"`
	ToDB        string `json:"to_db,omitempty" jsonschema:"target database for link steps"`
	LinkName    string `json:"link_name,omitempty" jsonschema:"specific Entrez link name"`
	RetType     string `json:"rettype,omitempty" jsonschema:"record type for fetch steps"`
	RetMode     string `json:"retmode,omitempty" jsonschema:"serialization for fetch steps"`
	RetMax      int    `json:"retmax,omitempty" jsonschema:"record limit for fetch steps"`
}

type pipelineInput struct {
	Steps []pipelineStepInput `json:"steps" jsonschema:"ordered pipeline steps; must start with a search"`
}

type pipelineStepOutput struct {
	Op       string `json:"op"`
	Database string `json:"database"`
	QueryKey int    `json:"query_key"`
	Count    int    `json:"count"`
}

type pipelineOutput struct {
	Records string               `json:"records,omitempty"`
	Log     []pipelineStepOutput `json:"log"`
	Count   int                  `json:"count"`
}

func (a *app) handlePipeline(ctx context.Context, req *mcp.CallToolRequest, in pipelineInput) (*mcp.CallToolResult, pipelineOutput, error) {
	steps := make([]pipeline.Step, 0, len(in.Steps))
	for i, s := range in.Steps {
		switch s.Op {
		case "search":
			steps = append(steps, pipeline.Search{
				DB:          s.DB,
				Query:       s.Term,
				CombineWith: s.CombineWith,
				Operator:    s.Operator,
			})
		case "link":
			steps = append(steps, pipeline.Link{
				FromDB:   s.DB,
				ToDB:     s.ToDB,
				LinkName: s.LinkName,
			})
		case "fetch":
			steps = append(steps, pipeline.Fetch{
				RetType: s.RetType,
				RetMode: s.RetMode,
				RetMax:  s.RetMax,
			})
		default:
			return nil, pipelineOutput{}, fmt.Errorf("step %d: unknown op %q", i, s.Op)
		}
	}

	res, err := a.pipeline.Run(ctx, steps)
	if err != nil {
		return nil, pipelineOutput{}, err
	}

	out := pipelineOutput{
		Records: string(res.Records),
		Count:   res.Handle.Count,
	}
	for _, record := range res.Log {
		out.Log = append(out.Log, pipelineStepOutput{
			Op:       string(record.Op),
			Database: record.Database,
			QueryKey: record.QueryKey,
			Count:    record.Count,
		})
	}
	return nil, out, nil
}

type batchInput struct {
	DB          string   `json:"db,omitempty" jsonschema:"Entrez database, default pubmed"`
	IDs         []string `json:"ids" jsonschema:"record IDs to download"`
	ChunkSize   int      `json:"chunk_size,omitempty" jsonschema:"IDs per request, default 100, max 500"`
	Concurrency int      `json:"concurrency,omitempty" jsonschema:"parallel chunk workers, default 3"`
}

type batchChunkOutput struct {
	Index     int      `json:"index"`
	Status    string   `json:"status"`
	FailedIDs []string `json:"failed_ids,omitempty"`
	Error     string   `json:"error,omitempty"`
	Attempts  int      `json:"attempts"`
}

type batchOutput struct {
	Records []json.RawMessage  `json:"records"`
	Chunks  []batchChunkOutput `json:"chunks"`
}

func (a *app) handleBatch(ctx context.Context, req *mcp.CallToolRequest, in batchInput) (*mcp.CallToolResult, batchOutput, error) {
	if len(in.IDs) == 0 {
		return nil, batchOutput{}, fmt.Errorf("ids must not be empty")
	}

	cfg := a.svc.Client().Config()
	job := batch.Job{
		IDs:            in.IDs,
		ChunkSize:      in.ChunkSize,
		MaxConcurrency: in.Concurrency,
		Retry:          cfg.Retry,
	}
	if job.ChunkSize <= 0 {
		job.ChunkSize = cfg.DefaultChunkSize
	}
	if job.MaxConcurrency <= 0 {
		job.MaxConcurrency = cfg.MaxConcurrency
	}

	results, err := a.batch.Run(ctx, job, func(ctx context.Context, ids []string) (*batch.ChunkData, error) {
		res, err := a.svc.Summary(ctx, eutils.SummaryRequest{DB: in.DB, IDs: ids})
		if err != nil {
			return nil, err
		}
		data := &batch.ChunkData{}
		for _, id := range ids {
			if doc, ok := res.Docs[id]; ok {
				data.Records = append(data.Records, doc)
			} else {
				data.FailedIDs = append(data.FailedIDs, id)
			}
		}
		return data, nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Batch job interrupted")
	}

	out := batchOutput{}
	for _, r := range results {
		chunk := batchChunkOutput{
			Index:     r.Index,
			Status:    string(r.Status),
			FailedIDs: r.FailedIDs,
			Attempts:  r.Attempts,
		}
		if r.Err != nil {
			chunk.Error = r.Err.Error()
		}
		out.Records = append(out.Records, r.Records...)
		out.Chunks = append(out.Chunks, chunk)
	}
	return nil, out, nil
}
