// Package batch splits large identifier sets into size-bounded chunks,
// dispatches them through the rate-limited client with per-chunk retry, and
// aggregates results in original order with per-chunk error attribution.
//
// Chunks are independent: a batch job operates on an explicit ID list, never
// on History server handles, so no chunk depends on another's outcome and a
// failed chunk never aborts the job.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/litkit/entrez-client/pkg/client"
)

// Prometheus metrics for batch execution.
var (
	entrezBatchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_batch_chunks_total",
		Help: "Total batch chunks processed by outcome",
	}, []string{"status"})

	entrezBatchChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "entrez_batch_chunk_duration_seconds",
		Help:    "Duration of one chunk dispatch including retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Defaults applied when a Job leaves fields zero.
const (
	DefaultChunkSize      = 100
	DefaultMaxConcurrency = 3
)

// ChunkStatus tags the outcome of one chunk.
type ChunkStatus string

const (
	// StatusSuccess means every identifier in the chunk was processed.
	StatusSuccess ChunkStatus = "success"

	// StatusPartial means some identifiers were rejected by the remote
	// service while others succeeded.
	StatusPartial ChunkStatus = "partial"

	// StatusFailure means the chunk produced no usable records.
	StatusFailure ChunkStatus = "failure"
)

// ChunkData is what a dispatch returns: opaque records plus any identifiers
// the remote service rejected individually.
type ChunkData struct {
	Records   []json.RawMessage
	FailedIDs []string
}

// ChunkFunc dispatches one chunk of identifiers. Implementations call the
// request dispatcher (which owns rate-limit acquisition) exactly once per
// invocation; the executor drives the retry loop around it.
type ChunkFunc func(ctx context.Context, ids []string) (*ChunkData, error)

// ChunkResult is the outcome of one chunk, indexed by its position in the
// original ID order. Every chunk of a job appears in the aggregate exactly
// once, whatever its outcome.
type ChunkResult struct {
	Index     int
	IDs       []string
	Status    ChunkStatus
	Records   []json.RawMessage
	FailedIDs []string
	Err       error

	// Attempts is how many dispatch attempts the chunk consumed.
	Attempts int
}

// Job describes one bulk operation over an ordered identifier list.
type Job struct {
	// IDs is the full, ordered identifier list.
	IDs []string

	// ChunkSize bounds each sub-request. Clamped to the NCBI batch limit.
	ChunkSize int

	// MaxConcurrency bounds parallel chunk dispatches.
	MaxConcurrency int

	// Retry applies per chunk; transient failures only.
	Retry client.RetryPolicy
}

// normalized fills defaults and clamps the chunk size to the service limit.
func (j Job) normalized() Job {
	if j.ChunkSize <= 0 {
		j.ChunkSize = DefaultChunkSize
	}
	if j.ChunkSize > client.MaxBatchSize {
		j.ChunkSize = client.MaxBatchSize
	}
	if j.MaxConcurrency <= 0 {
		j.MaxConcurrency = DefaultMaxConcurrency
	}
	return j
}

// Chunks returns the ID partitions in order: every chunk has exactly
// ChunkSize identifiers except possibly the last.
func (j Job) Chunks() [][]string {
	j = j.normalized()
	if len(j.IDs) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(j.IDs)+j.ChunkSize-1)/j.ChunkSize)
	for start := 0; start < len(j.IDs); start += j.ChunkSize {
		end := start + j.ChunkSize
		if end > len(j.IDs) {
			end = len(j.IDs)
		}
		chunks = append(chunks, j.IDs[start:end])
	}
	return chunks
}

// Executor runs batch jobs through a worker pool.
type Executor struct {
	logger zerolog.Logger
}

// NewExecutor creates a batch executor.
func NewExecutor() *Executor {
	return &Executor{
		logger: log.With().Str("component", "batch").Logger(),
	}
}

// Run executes the job and returns one ChunkResult per chunk, in original
// item order regardless of completion order. The job is never aborted by a
// failing chunk; the caller decides how to treat mixed outcomes.
//
// Cancelling ctx stops new chunk dispatches promptly. Requests already sent
// run to completion under their own per-request timeout; chunks never
// dispatched are recorded as failures carrying the context error. The
// returned error is ctx.Err() when the job was cut short, nil otherwise.
func (e *Executor) Run(ctx context.Context, job Job, dispatch ChunkFunc) ([]ChunkResult, error) {
	job = job.normalized()
	chunks := job.Chunks()
	if len(chunks) == 0 {
		return nil, nil
	}

	start := time.Now()
	e.logger.Info().
		Int("items", len(job.IDs)).
		Int("chunks", len(chunks)).
		Int("chunk_size", job.ChunkSize).
		Int("max_concurrency", job.MaxConcurrency).
		Msg("Starting batch job")

	results := make([]ChunkResult, len(chunks))
	queue := make(chan int, len(chunks))
	for i := range chunks {
		queue <- i
	}
	close(queue)

	workers := job.MaxConcurrency
	if workers > len(chunks) {
		workers = len(chunks)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				results[idx] = e.runChunk(ctx, job, idx, chunks[idx], dispatch)
			}
		}()
	}
	wg.Wait()

	var success, partial, failure int
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			success++
		case StatusPartial:
			partial++
		default:
			failure++
		}
	}

	e.logger.Info().
		Int("success", success).
		Int("partial", partial).
		Int("failure", failure).
		Dur("duration", time.Since(start)).
		Msg("Batch job complete")

	return results, ctx.Err()
}

// runChunk dispatches one chunk with retry. A cancelled context before the
// first attempt yields a failure without dispatching.
func (e *Executor) runChunk(ctx context.Context, job Job, idx int, ids []string, dispatch ChunkFunc) ChunkResult {
	result := ChunkResult{Index: idx, IDs: ids}

	if err := ctx.Err(); err != nil {
		result.Status = StatusFailure
		result.Err = err
		entrezBatchChunksTotal.WithLabelValues(string(StatusFailure)).Inc()
		e.logger.Debug().Int("chunk", idx).Msg("Chunk skipped, job cancelled")
		return result
	}

	chunkStart := time.Now()
	var data *ChunkData

	err := client.Retry(ctx, job.Retry, func() error {
		result.Attempts++
		// A request already on the wire completes under its own timeout
		// even if the job is cancelled mid-flight.
		var dispatchErr error
		data, dispatchErr = dispatch(context.WithoutCancel(ctx), ids)
		return dispatchErr
	})

	entrezBatchChunkDuration.Observe(time.Since(chunkStart).Seconds())

	if err != nil {
		result.Status = StatusFailure
		result.Err = err
		entrezBatchChunksTotal.WithLabelValues(string(StatusFailure)).Inc()
		e.logger.Warn().
			Err(err).
			Int("chunk", idx).
			Int("attempts", result.Attempts).
			Msg("Chunk failed")
		return result
	}

	if data == nil {
		data = &ChunkData{}
	}
	result.Records = data.Records
	result.FailedIDs = data.FailedIDs
	if len(data.FailedIDs) >= len(ids) && len(data.Records) == 0 {
		// Every identifier rejected: that is a failed chunk, not a
		// partial one.
		result.Status = StatusFailure
		entrezBatchChunksTotal.WithLabelValues(string(StatusFailure)).Inc()
		e.logger.Warn().
			Int("chunk", idx).
			Int("failed_ids", len(data.FailedIDs)).
			Msg("Chunk failed, all identifiers rejected")
		return result
	}
	if len(data.FailedIDs) > 0 {
		result.Status = StatusPartial
		entrezBatchChunksTotal.WithLabelValues(string(StatusPartial)).Inc()
		e.logger.Warn().
			Int("chunk", idx).
			Int("failed_ids", len(data.FailedIDs)).
			Msg("Chunk partially failed")
		return result
	}

	result.Status = StatusSuccess
	entrezBatchChunksTotal.WithLabelValues(string(StatusSuccess)).Inc()
	return result
}
