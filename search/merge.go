package search

import (
	"container/heap"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"

	"github.com/lakesignal/corepipe/internal/errs"
)

// ArrowLike is the record batch type returned by a querier's
// ResultStream; aliased rather than redeclared so callers outside this
// package never need to know search's internal merge machinery uses
// apache/arrow directly.
type ArrowLike = arrow.Record

// AggState is one partition's partial aggregation result per output
// column. Column order matches the query's SELECT list; Op names the
// combine rule for that column.
type AggState struct {
	Columns []AggColumn
}

// AggOp is the closed set of combine rules an aggregate column can use.
type AggOp int

const (
	AggSum AggOp = iota
	AggMin
	AggMax
	AggAvg          // carries Sum and Count; final value is Sum/Count
	AggPercentile   // carries an opaque sketch blob to be merged, not combined numerically
)

// AggColumn is one column's partial state.
type AggColumn struct {
	Name   string
	Op     AggOp
	Sum    float64
	Count  int64
	Min    float64
	Max    float64
	Sketch []byte // approx_percentile_cont: opaque mergeable sketch (e.g. t-digest bytes)
}

// MergeScan merges each partition's already-time-ordered record
// batches via a k-way merge, honoring orderBy (defaulting to ascending
// _timestamp when unspecified, so results stay deterministic even
// without an explicit ORDER BY).
func MergeScan(perPartition [][]Batch, orderBy []OrderTerm) ([]arrow.Record, error) {
	column := "_timestamp"
	descending := false
	if len(orderBy) > 0 {
		column = orderBy[0].Column
		descending = orderBy[0].Descending
	}

	var cursors []*scanCursor
	for _, batches := range perPartition {
		for _, b := range batches {
			for _, rec := range b.Records {
				if rec.NumRows() == 0 {
					continue
				}
				vals, err := int64Column(rec, column)
				if err != nil {
					return nil, err
				}
				cursors = append(cursors, &scanCursor{rec: rec, key: vals, pos: 0})
			}
		}
	}

	h := &scanHeap{descending: descending}
	for _, c := range cursors {
		if c.pos < len(c.key) {
			heap.Push(h, c)
		}
	}

	var out []arrow.Record
	for h.Len() > 0 {
		c := heap.Pop(h).(*scanCursor)
		out = append(out, sliceRow(c.rec, c.pos))
		c.pos++
		if c.pos < len(c.key) {
			heap.Push(h, c)
		}
	}
	return out, nil
}

func int64Column(rec arrow.Record, name string) ([]int64, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, errs.New(errs.Search, "search.int64Column", name, errs.ErrNotFound)
	}
	col, ok := rec.Column(idx[0]).(*array.Int64)
	if !ok {
		return nil, errs.New(errs.Search, "search.int64Column", name, errs.ErrNotFound)
	}
	out := make([]int64, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out, nil
}

// sliceRow returns a single-row record view via Record.NewSlice, cheap
// because it shares the underlying buffers rather than copying them.
func sliceRow(rec arrow.Record, row int) arrow.Record {
	return rec.NewSlice(int64(row), int64(row+1))
}

type scanCursor struct {
	rec arrow.Record
	key []int64
	pos int
}

type scanHeap struct {
	items      []*scanCursor
	descending bool
}

func (h scanHeap) Len() int { return len(h.items) }
func (h scanHeap) Less(i, j int) bool {
	a, b := h.items[i].key[h.items[i].pos], h.items[j].key[h.items[j].pos]
	if h.descending {
		return a > b
	}
	return a < b
}
func (h scanHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *scanHeap) Push(x interface{}) { h.items = append(h.items, x.(*scanCursor)) }
func (h *scanHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// MergeAggregate runs a final combine pass over every partition's
// partial AggState, one
// combine rule per column (count/sum -> sum, min -> min, max -> max,
// avg -> weighted mean of sum/count, approx_percentile -> sketch merge
// left to the pluggable sketchMerge func since the sketch format is opaque to
// this package).
func MergeAggregate(perPartition [][]Batch, sketchMerge func(a, b []byte) []byte) (*AggState, error) {
	var combined *AggState
	for _, batches := range perPartition {
		for _, b := range batches {
			if b.Partial == nil {
				continue
			}
			if combined == nil {
				combined = &AggState{Columns: append([]AggColumn(nil), b.Partial.Columns...)}
				continue
			}
			if err := combineInto(combined, b.Partial, sketchMerge); err != nil {
				return nil, err
			}
		}
	}
	if combined == nil {
		combined = &AggState{}
	}
	return combined, nil
}

func combineInto(dst *AggState, src *AggState, sketchMerge func(a, b []byte) []byte) error {
	if len(dst.Columns) != len(src.Columns) {
		return errs.New(errs.Search, "search.combineInto", "", errs.ErrNotFound)
	}
	for i := range dst.Columns {
		d, s := &dst.Columns[i], src.Columns[i]
		switch d.Op {
		case AggSum:
			d.Sum += s.Sum
		case AggMin:
			if s.Min < d.Min {
				d.Min = s.Min
			}
		case AggMax:
			if s.Max > d.Max {
				d.Max = s.Max
			}
		case AggAvg:
			d.Sum += s.Sum
			d.Count += s.Count
		case AggPercentile:
			if sketchMerge != nil {
				d.Sketch = sketchMerge(d.Sketch, s.Sketch)
			}
		}
	}
	return nil
}

// Finalize converts combined partial state into the scalar each column
// reports to the caller. avg divides sum by count here, at the very
// end, never per-partition, so the result is a correctly weighted mean
// across partitions of uneven size.
func (s *AggState) Finalize() map[string]float64 {
	out := make(map[string]float64, len(s.Columns))
	for _, c := range s.Columns {
		switch c.Op {
		case AggAvg:
			if c.Count > 0 {
				out[c.Name] = c.Sum / float64(c.Count)
			}
		case AggSum:
			out[c.Name] = c.Sum
		case AggMin:
			out[c.Name] = c.Min
		case AggMax:
			out[c.Name] = c.Max
		}
	}
	return out
}
