// Package search implements the distributed search coordinator: it
// classifies a query's shape (not its SQL grammar — that belongs to
// the existing columnar query engine, an external collaborator),
// resolves the scan set from the file-list catalog and any live
// in-memory arrow partitions, partitions it across queriers, dispatches
// sub-queries over gRPC, and merges results.
//
// Grounded on the teacher's storage/partition.go iterateShards fan-out
// (in-process goroutine pool over local shards), generalized here to a
// remote dispatch over a fixed-size partition set rather than an
// in-process shard list.
package search

import (
	"strings"

	"github.com/apache/arrow/go/v16/arrow"
)

// Classification distinguishes a query that only needs rows streamed
// back in order (Scan) from one whose results must be combined across
// partitions before they mean anything (Aggregation).
type Classification int

const (
	Scan Classification = iota
	Aggregation
)

// aggregateFuncs is the closed set of functions whose presence in a
// query marks it Aggregation.
var aggregateFuncs = []string{
	"min", "max", "count", "avg", "sum", "array_agg", "approx_percentile_cont",
}

// Query is the coordinator's input, the search request body minus the
// HTTP envelope — routing and auth are the external collaborator's job.
type Query struct {
	Org          string
	Streams      []string
	SQL          string
	StartTime    int64 // inclusive, micros since epoch
	EndTime      int64 // exclusive, micros since epoch
	From         int
	Size         int
	OrderBy      []OrderTerm
	Regions      []string
	Clusters     []string
	Timeout      int64 // seconds
	TraceID      string
	User         string
	WorkGroup    string
	UseCache     bool
}

// OrderTerm is one ORDER BY clause term.
type OrderTerm struct {
	Column     string
	Descending bool
}

// File is one scan-set entry: a parquet object plus its catalog-known
// time range, used to build partitions without re-querying the catalog
// per partition.
type File struct {
	Account  string
	Path     string
	MinTS    int64
	MaxTS    int64
	Bytes    int64
}

// MemSource is the freshest data: a live arrow partition on some
// ingester, addressed by node so a sub-query can be routed there
// directly instead of waiting for it to flush to parquet.
type MemSource struct {
	NodeID string
	Stream string
	MinTS  int64
	MaxTS  int64
}

// Partition is one disjoint slice of the scan set, the unit of dispatch.
type Partition struct {
	Index      int
	Files      []File
	MemSources []MemSource
	MinTS      int64
	MaxTS      int64
}

// Plan is the coordinator's full fan-out plan for one query.
type Plan struct {
	Query          Query
	Classification Classification
	Schema         *arrow.Schema
	Partitions     []Partition
}

// Job tracks one query's partition-jobs end to end.
type Job struct {
	TraceID    string
	Partitions []PartitionJob
}

// JobStatus is the closed set of partition-job states.
type JobStatus int

const (
	JobWaiting JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

// PartitionJob is one partition's assignment and lifecycle.
type PartitionJob struct {
	Partition  Partition
	NodeID     string
	Status     JobStatus
	Attempts   int
	ResultPath string
}

// classify does a substring search over the closed aggregateFuncs set;
// this is deliberately not a SQL parser (that belongs to the query
// engine), just enough signal to decide whether the merge step needs a
// k-way merge or a partial-aggregation combine.
func classify(sql string) Classification {
	lower := strings.ToLower(sql)
	for _, fn := range aggregateFuncs {
		if containsCall(lower, fn) {
			return Aggregation
		}
	}
	return Scan
}

// containsCall reports whether fn appears in s immediately followed by
// '(' (as a function call), so a stream or column merely named "count"
// doesn't misclassify the query.
func containsCall(s, fn string) bool {
	idx := 0
	for {
		rest := s[idx:]
		pos := strings.Index(rest, fn)
		if pos < 0 {
			return false
		}
		after := idx + pos + len(fn)
		if after < len(s) && s[after] == '(' {
			return true
		}
		idx += pos + 1
	}
}
