package search

import (
	"context"
	"hash/fnv"
	"runtime"
	"sort"
	"sync"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Querier is the dispatch target for one partition: a sub-query over
// gRPC, with result batches streamed back through ResultStream. Kept
// as an interface — the wire handlers themselves are an external
// collaborator's concern; this module only needs something it can fan
// a partition out to and read results from.
type Querier interface {
	NodeID() string
	RunPartition(ctx context.Context, traceID string, part Partition, classification Classification) (ResultStream, error)
}

// ResultStream yields the record batches (or partial aggregation state)
// a querier produces for one partition.
type ResultStream interface {
	Next() (Batch, bool, error)
	Close() error
}

// Batch is one unit of streamed result data.
type Batch struct {
	Records []ArrowLike
	Partial *AggState
}

// ArrowLike keeps this file free of a direct arrow.Record dependency in
// the exported surface beyond what merge.go already needs; defined
// there as a type alias to arrow.Record.

// ring is a consistent-hash ring over querier node IDs, so repeated
// queries for the same (stream, partition_index) land on the same
// querier and hit its warm cache.
type ring struct {
	nodes []string
}

func newRing(queriers []Querier) *ring {
	ids := make([]string, len(queriers))
	for i, q := range queriers {
		ids[i] = q.NodeID()
	}
	sort.Strings(ids)
	return &ring{nodes: ids}
}

func (r *ring) assign(stream string, partitionIndex int) string {
	if len(r.nodes) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(stream))
	h.Write([]byte{byte(partitionIndex), byte(partitionIndex >> 8), byte(partitionIndex >> 16), byte(partitionIndex >> 24)})
	return r.nodes[h.Sum32()%uint32(len(r.nodes))]
}

// Dispatcher fans a plan's partitions out to queriers and collects raw
// per-partition results, bounding goroutine fan-out the way the
// teacher's iterateShards does: one goroutine per partition when the
// partition count is small, otherwise a fixed worker pool.
type Dispatcher struct {
	byNode map[string]Querier
	ring   *ring
}

// NewDispatcher indexes queriers by node id for ring assignment.
func NewDispatcher(queriers []Querier) *Dispatcher {
	byNode := make(map[string]Querier, len(queriers))
	for _, q := range queriers {
		byNode[q.NodeID()] = q
	}
	return &Dispatcher{byNode: byNode, ring: newRing(queriers)}
}

// partitionResult pairs a partition's outcome with its index so callers
// can reassemble results in partition order regardless of completion
// order.
type partitionResult struct {
	index   int
	nodeID  string
	batches []Batch
	err     error
}

// Run dispatches every partition of plan, retrying a failed partition
// on one alternate querier, and returns results ordered by partition
// index. ctx cancellation aborts in-flight dispatches.
func (d *Dispatcher) Run(ctx context.Context, traceID string, plan *Plan) ([][]Batch, error) {
	n := len(plan.Partitions)
	results := make([]partitionResult, n)

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	if n <= workers {
		wg.Add(n)
		for i, part := range plan.Partitions {
			go func(i int, part Partition) {
				defer wg.Done()
				results[i] = d.runOne(ctx, traceID, part, plan.Classification)
			}(i, part)
		}
	} else {
		jobs := make(chan int, n)
		wg.Add(n)
		for w := 0; w < workers; w++ {
			go func() {
				for i := range jobs {
					results[i] = d.runOne(ctx, traceID, plan.Partitions[i], plan.Classification)
					wg.Done()
				}
			}()
		}
		for i := range plan.Partitions {
			jobs <- i
		}
		close(jobs)
	}
	wg.Wait()

	out := make([][]Batch, n)
	for _, r := range results {
		if r.err != nil {
			return nil, errs.New(errs.Search, "search.Dispatcher.Run", r.nodeID, r.err)
		}
		out[r.index] = r.batches
	}
	return out, nil
}

// runOne dispatches one partition, retrying once on a different node
// on failure: if a querier fails mid-stream, its partition is
// re-dispatched to another querier once; a second failure surfaces the
// error.
func (d *Dispatcher) runOne(ctx context.Context, traceID string, part Partition, classification Classification) partitionResult {
	streamName := partitionStreamKey(part)
	primary := d.ring.assign(streamName, part.Index)

	batches, err := d.dispatchTo(ctx, traceID, primary, part, classification)
	if err == nil {
		return partitionResult{index: part.Index, nodeID: primary, batches: batches}
	}

	for nodeID := range d.byNode {
		if nodeID == primary {
			continue
		}
		batches, retryErr := d.dispatchTo(ctx, traceID, nodeID, part, classification)
		if retryErr == nil {
			return partitionResult{index: part.Index, nodeID: nodeID, batches: batches}
		}
		return partitionResult{index: part.Index, nodeID: nodeID, err: retryErr}
	}
	return partitionResult{index: part.Index, nodeID: primary, err: err}
}

func (d *Dispatcher) dispatchTo(ctx context.Context, traceID, nodeID string, part Partition, classification Classification) ([]Batch, error) {
	q, ok := d.byNode[nodeID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	stream, err := q.RunPartition(ctx, traceID, part, classification)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var batches []Batch
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		b, more, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func partitionStreamKey(part Partition) string {
	if len(part.Files) > 0 {
		return part.Files[0].Path
	}
	if len(part.MemSources) > 0 {
		return part.MemSources[0].Stream
	}
	return ""
}
