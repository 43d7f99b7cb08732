package search

import (
	"sort"

	"github.com/apache/arrow/go/v16/arrow"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Catalog is the subset of filelist.Store plan-building needs.
type Catalog interface {
	Files(org, stream string, start, end int64) ([]File, error)
}

// SchemaResolver is the subset of schemareg.Registry plan-building
// needs: resolve, per stream, the schema covering the time range,
// unioned across versions.
type SchemaResolver interface {
	Resolve(org, stream string, start, end int64) (*arrow.Schema, error)
}

// MemSources reports the live arrow partitions on ingester peers that
// fall in the query's time range, collected via the cluster membership
// view so the coordinator doesn't have to poll every node.
type MemSources interface {
	Live(org, stream string, start, end int64) ([]MemSource, error)
}

// Planner builds a Plan from a Query, resolving streams with no
// dependency on any live node beyond the catalog/registry/mem-source
// lookups.
type Planner struct {
	Catalog     Catalog
	Schemas     SchemaResolver
	Mem         MemSources
	MaxParts    int
	NumQueriers int
	Concurrency int
}

// Build resolves a query's schema and scan set and partitions it for
// dispatch.
func (p *Planner) Build(q Query) (*Plan, error) {
	if len(q.Streams) == 0 {
		return nil, errs.New(errs.Validation, "search.Planner.Build", "", errs.ErrNotFound)
	}

	var schema *arrow.Schema
	var files []File
	var mem []MemSource
	for _, stream := range q.Streams {
		s, err := p.Schemas.Resolve(q.Org, stream, q.StartTime, q.EndTime)
		if err != nil {
			return nil, err
		}
		if schema == nil {
			schema = s
		}
		fs, err := p.Catalog.Files(q.Org, stream, q.StartTime, q.EndTime)
		if err != nil {
			return nil, err
		}
		files = append(files, fs...)
		if p.Mem != nil {
			ms, err := p.Mem.Live(q.Org, stream, q.StartTime, q.EndTime)
			if err != nil {
				return nil, err
			}
			mem = append(mem, ms...)
		}
	}

	k := p.groupCount(len(files) + len(mem))
	partitions := partitionScanSet(files, mem, k)

	return &Plan{
		Query:          q,
		Classification: classify(q.SQL),
		Schema:         schema,
		Partitions:     partitions,
	}, nil
}

// groupCount computes K = min(num_queriers × concurrency,
// max_partitions), clamped to the scan-set size and at least 1.
func (p *Planner) groupCount(scanSetSize int) int {
	k := p.NumQueriers * p.Concurrency
	if k <= 0 {
		k = 1
	}
	if p.MaxParts > 0 && k > p.MaxParts {
		k = p.MaxParts
	}
	if k > scanSetSize && scanSetSize > 0 {
		k = scanSetSize
	}
	if k < 1 {
		k = 1
	}
	return k
}

// partitionScanSet splits files+mem sources into k groups of roughly
// equal byte size. Files are time-sorted first so each group's MinTS/
// MaxTS range is computed from a consistent walk order, but the greedy
// round-robin assignment below interleaves time-adjacent files across
// groups rather than keeping each group a contiguous time range — the
// global order guarantee comes from MergeScan's k-way merge across all
// groups, not from any per-group ordering property.
func partitionScanSet(files []File, mem []MemSource, k int) []Partition {
	sort.Slice(files, func(i, j int) bool {
		if files[i].MinTS != files[j].MinTS {
			return files[i].MinTS < files[j].MinTS
		}
		return files[i].MaxTS < files[j].MaxTS
	})

	parts := make([]Partition, k)
	for i := range parts {
		parts[i].Index = i
		parts[i].MinTS = int64(^uint64(0) >> 1)
		parts[i].MaxTS = -1 << 63
	}

	// Greedy round-robin by running byte total keeps each partition
	// close to equal size without needing a full bin-packing pass; file
	// order is already time-sorted so partitions still respect ordering
	// within themselves.
	totals := make([]int64, k)
	for _, f := range files {
		idx := smallestIndex(totals)
		parts[idx].Files = append(parts[idx].Files, f)
		totals[idx] += f.Bytes
		extendRange(&parts[idx].MinTS, &parts[idx].MaxTS, f.MinTS, f.MaxTS)
	}
	for _, m := range mem {
		idx := smallestIndex(totals)
		parts[idx].MemSources = append(parts[idx].MemSources, m)
		totals[idx] += 1 // mem sources carry no known byte size yet; weight them as one unit
		extendRange(&parts[idx].MinTS, &parts[idx].MaxTS, m.MinTS, m.MaxTS)
	}

	// Drop partitions that ended up empty (k was an upper bound, not a
	// promise every group gets work).
	out := parts[:0]
	for _, pt := range parts {
		if len(pt.Files) > 0 || len(pt.MemSources) > 0 {
			out = append(out, pt)
		}
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}

func smallestIndex(totals []int64) int {
	idx := 0
	for i, t := range totals {
		if t < totals[idx] {
			idx = i
		}
	}
	return idx
}

func extendRange(minTS, maxTS *int64, lo, hi int64) {
	if lo < *minTS {
		*minTS = lo
	}
	if hi > *maxTS {
		*maxTS = hi
	}
}
