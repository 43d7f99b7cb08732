package search

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/stretchr/testify/require"
)

func TestClassifyDetectsAggregateFunctions(t *testing.T) {
	require.Equal(t, Aggregation, classify("SELECT count(*) FROM app"))
	require.Equal(t, Aggregation, classify("select avg(latency) from app"))
	require.Equal(t, Scan, classify("SELECT * FROM app WHERE level = 'error'"))
	require.Equal(t, Scan, classify("SELECT count_col FROM app")) // column named like a function, no call
}

type fakeCatalog struct{ files map[string][]File }

func (f *fakeCatalog) Files(org, stream string, start, end int64) ([]File, error) {
	return f.files[org+"/"+stream], nil
}

type fakeSchemas struct{ schema *arrow.Schema }

func (f *fakeSchemas) Resolve(org, stream string, start, end int64) (*arrow.Schema, error) {
	return f.schema, nil
}

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "_timestamp", Type: arrow.PrimitiveTypes.Int64},
		{Name: "message", Type: arrow.BinaryTypes.String},
	}, nil)
}

func TestPlannerPartitionsScanSetByByteSizeAndRespectsMaxParts(t *testing.T) {
	files := []File{
		{Path: "f1", MinTS: 1, MaxTS: 5, Bytes: 100},
		{Path: "f2", MinTS: 2, MaxTS: 6, Bytes: 100},
		{Path: "f3", MinTS: 3, MaxTS: 7, Bytes: 100},
	}
	p := &Planner{
		Catalog:     &fakeCatalog{files: map[string][]File{"org1/app": files}},
		Schemas:     &fakeSchemas{schema: testSchema()},
		MaxParts:    2,
		NumQueriers: 10,
		Concurrency: 10,
	}
	plan, err := p.Build(Query{Org: "org1", Streams: []string{"app"}, SQL: "SELECT * FROM app"})
	require.NoError(t, err)
	require.LessOrEqual(t, len(plan.Partitions), 2)

	total := 0
	for _, part := range plan.Partitions {
		total += len(part.Files)
	}
	require.Equal(t, 3, total, "every file must land in exactly one partition")
}

type fakeQuerier struct {
	id      string
	records map[int][]arrow.Record // partition index -> records
	fail    bool
}

func (q *fakeQuerier) NodeID() string { return q.id }

func (q *fakeQuerier) RunPartition(ctx context.Context, traceID string, part Partition, classification Classification) (ResultStream, error) {
	if q.fail {
		return nil, os.ErrClosed
	}
	return &fakeStream{batches: []Batch{{Records: toArrowLike(q.records[part.Index])}}}, nil
}

func toArrowLike(recs []arrow.Record) []ArrowLike {
	out := make([]ArrowLike, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out
}

type fakeStream struct {
	batches []Batch
	pos     int
}

func (s *fakeStream) Next() (Batch, bool, error) {
	if s.pos >= len(s.batches) {
		return Batch{}, false, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, true, nil
}
func (s *fakeStream) Close() error { return nil }

func buildRecord(t *testing.T, ts []int64, msg string) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, testSchema())
	defer b.Release()
	tb := b.Field(0).(*array.Int64Builder)
	mb := b.Field(1).(*array.StringBuilder)
	for _, v := range ts {
		tb.Append(v)
		mb.Append(msg)
	}
	return b.NewRecord()
}

func TestDispatcherRetriesOnceOnQuerierFailure(t *testing.T) {
	rec := buildRecord(t, []int64{1, 2}, "ok")
	good := &fakeQuerier{id: "node-b", records: map[int][]arrow.Record{0: {rec}}}
	bad := &fakeQuerier{id: "node-a", fail: true}

	d := NewDispatcher([]Querier{bad, good})
	plan := &Plan{
		Partitions: []Partition{{Index: 0, Files: []File{{Path: "f1"}}}},
	}
	results, err := d.Run(context.Background(), "trace-1", plan)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 1)
}

func TestMergeScanOrdersAcrossPartitions(t *testing.T) {
	r1 := buildRecord(t, []int64{10, 30}, "a")
	r2 := buildRecord(t, []int64{20, 40}, "b")
	perPartition := [][]Batch{
		{{Records: []ArrowLike{r1}}},
		{{Records: []ArrowLike{r2}}},
	}
	merged, err := MergeScan(perPartition, nil)
	require.NoError(t, err)
	require.Len(t, merged, 4)

	var got []int64
	for _, rec := range merged {
		col := rec.Column(0).(*array.Int64)
		got = append(got, col.Value(0))
	}
	require.Equal(t, []int64{10, 20, 30, 40}, got)
}

func TestMergeAggregateCombinesSumAndAvg(t *testing.T) {
	perPartition := [][]Batch{
		{{Partial: &AggState{Columns: []AggColumn{
			{Name: "total", Op: AggSum, Sum: 10},
			{Name: "latency", Op: AggAvg, Sum: 100, Count: 10},
		}}}},
		{{Partial: &AggState{Columns: []AggColumn{
			{Name: "total", Op: AggSum, Sum: 5},
			{Name: "latency", Op: AggAvg, Sum: 50, Count: 5},
		}}}},
	}
	combined, err := MergeAggregate(perPartition, nil)
	require.NoError(t, err)
	out := combined.Finalize()
	require.Equal(t, float64(15), out["total"])
	require.InDelta(t, 10.0, out["latency"], 0.001) // (100+50)/(10+5)
}

func TestAdmissionRejectsAfterEnqueueTimeoutWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenAdmission(dir+"/admission.db", 1)
	require.NoError(t, err)
	defer a.Close()

	release, err := a.Enter(context.Background(), "org1", "u1", "wg1", "trace-1", time.Second)
	require.NoError(t, err)

	_, err = a.Enter(context.Background(), "org1", "u1", "wg1", "trace-2", 50*time.Millisecond)
	require.Error(t, err)

	require.NoError(t, release())

	release2, err := a.Enter(context.Background(), "org1", "u1", "wg1", "trace-3", time.Second)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestAdmissionWakesWaiterOnRelease(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenAdmission(dir+"/admission.db", 1)
	require.NoError(t, err)
	defer a.Close()

	release, err := a.Enter(context.Background(), "org1", "u1", "wg1", "trace-1", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		rel, err := a.Enter(context.Background(), "org1", "u1", "wg1", "trace-2", 2*time.Second)
		if err != nil {
			done <- err
			return
		}
		done <- rel()
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, release())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never admitted after release")
	}
}
