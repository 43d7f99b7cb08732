package search

import (
	"context"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
	"github.com/lakesignal/corepipe/internal/obslog"
)

// Result is the coordinator's final answer, the search response body
// minus the HTTP wrapper.
type Result struct {
	TraceID    string
	Took       time.Duration
	Total      int
	ScanSize   int64
	Hits       []ArrowLike
	Aggregates map[string]float64
}

// Coordinator executes a query end to end: admission, plan, fan-out,
// merge, limit/offset, metrics.
type Coordinator struct {
	Planner    *Planner
	Dispatcher *Dispatcher
	Admission  *Admission
	CancelBus  CancelBus

	EnqueueTimeout time.Duration
	SketchMerge    func(a, b []byte) []byte
}

// Execute runs one query end to end. The caller's ctx should already
// carry the query's overall timeout; every long-running operation here
// carries the query's trace_id and a cancellation token derived from it.
func (c *Coordinator) Execute(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	log := obslog.L().WithField("trace_id", q.TraceID).WithField("org", q.Org)

	release, err := c.Admission.Enter(ctx, q.Org, q.User, q.WorkGroup, q.TraceID, c.EnqueueTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			log.WithError(releaseErr).Warn("search: admission release failed")
		}
	}()

	runCtx, cancellable := NewCancellable(ctx, c.CancelBus, q.TraceID)
	_ = cancellable // neither returned nor stored: OnRemoteCancel is not wired here, so runCtx ends only when ctx does

	plan, err := c.Planner.Build(q)
	if err != nil {
		return nil, err
	}

	perPartition, err := c.Dispatcher.Run(runCtx, q.TraceID, plan)
	if err != nil {
		return nil, errs.New(errs.Search, "search.Coordinator.Execute", q.TraceID, err)
	}

	result := &Result{TraceID: q.TraceID}
	switch plan.Classification {
	case Aggregation:
		state, err := MergeAggregate(perPartition, c.SketchMerge)
		if err != nil {
			return nil, err
		}
		result.Aggregates = state.Finalize()
		result.Total = 1
	default:
		hits, err := MergeScan(perPartition, q.OrderBy)
		if err != nil {
			return nil, err
		}
		result.Hits = applyLimitOffset(hits, q.From, q.Size)
		result.Total = len(hits)
	}

	for _, batches := range perPartition {
		for _, b := range batches {
			for _, rec := range b.Records {
				result.ScanSize += recordApproxBytes(rec)
			}
		}
	}

	result.Took = time.Since(start)
	log.WithField("took_ms", result.Took.Milliseconds()).Info("search: query completed")
	return result, nil
}

// applyLimitOffset applies LIMIT/OFFSET after merge, i.e. once the
// k-way merge has already produced global order, not per-partition.
func applyLimitOffset(hits []ArrowLike, from, size int) []ArrowLike {
	if from < 0 {
		from = 0
	}
	if from >= len(hits) {
		return nil
	}
	end := len(hits)
	if size > 0 && from+size < end {
		end = from + size
	}
	return hits[from:end]
}

func recordApproxBytes(rec ArrowLike) int64 {
	var total int64
	for i := 0; i < int(rec.NumCols()); i++ {
		col := rec.Column(i)
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
