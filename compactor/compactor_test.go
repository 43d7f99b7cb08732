package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/lakesignal/corepipe/filelist"
	"github.com/lakesignal/corepipe/objectstore"
)

// fakeCodec avoids pulling the real parquet writer/reader into unit
// tests: Encode stashes the records under a synthetic key and returns
// that key as the "bytes"; Decode looks the records back up. This
// exercises the compaction orchestration (grouping, bin-packing,
// merge-sort, catalog flip) without needing a real parquet file.
type fakeCodec struct {
	next  int
	store map[string][]arrow.Record
	schem map[string]*arrow.Schema
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{store: make(map[string][]arrow.Record), schem: make(map[string]*arrow.Schema)}
}

func (f *fakeCodec) Encode(records []arrow.Record, schema *arrow.Schema, _ string) ([]byte, error) {
	f.next++
	key := string(rune('a' + f.next))
	f.store[key] = records
	f.schem[key] = schema
	return []byte(key), nil
}

func (f *fakeCodec) Decode(data []byte) ([]arrow.Record, *arrow.Schema, error) {
	return f.store[string(data)], f.schem[string(data)], nil
}

func schemaOf(fields ...string) *arrow.Schema {
	fs := make([]arrow.Field, len(fields))
	for i, name := range fields {
		fs[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64, Nullable: true}
	}
	return arrow.NewSchema(fs, nil)
}

func recordWithTimestamps(t *testing.T, ts []int64) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, schemaOf("_timestamp"))
	defer b.Release()
	tb := b.Field(0).(*array.Int64Builder)
	for _, v := range ts {
		tb.Append(v)
	}
	return b.NewRecord()
}

type fakeObjectStore struct {
	objects map[string][]byte
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Get(_ context.Context, path string) ([]byte, error) { return f.objects[path], nil }
func (f *fakeObjectStore) Put(_ context.Context, path string, data []byte) error {
	f.objects[path] = data
	return nil
}
func (f *fakeObjectStore) Delete(_ context.Context, paths []string) error {
	f.deleted = append(f.deleted, paths...)
	return nil
}
func (f *fakeObjectStore) List(_ context.Context, _ string) ([]string, error) { return nil, nil }
func (f *fakeObjectStore) Head(_ context.Context, _ string) (objectstore.Meta, error) {
	return objectstore.Meta{}, nil
}

type fakeLocker struct{}
type fakeUnlock struct{}

func (fakeUnlock) Unlock(context.Context) error { return nil }
func (fakeLocker) Lock(context.Context, string, time.Duration) (Unlocker, error) {
	return fakeUnlock{}, nil
}

type fakeOffsets struct{ offsets map[string]int64 }

func newFakeOffsets() *fakeOffsets { return &fakeOffsets{offsets: make(map[string]int64)} }
func (f *fakeOffsets) Offset(org, stream string) (int64, error) { return f.offsets[org+"/"+stream], nil }
func (f *fakeOffsets) AdvanceOffset(org, stream string, offset int64) error {
	f.offsets[org+"/"+stream] = offset
	return nil
}

type fakeCatalog struct {
	rows    []filelist.Row
	nextID  int64
	deleted map[string]bool
}

func newFakeCatalog(rows []filelist.Row) *fakeCatalog {
	return &fakeCatalog{rows: rows, nextID: 1000, deleted: make(map[string]bool)}
}

func (f *fakeCatalog) Query(org, streamType, stream string, start, end int64) ([]filelist.Row, error) {
	var out []filelist.Row
	for _, r := range f.rows {
		if r.Deleted || r.OrgID != org || r.StreamType != streamType || r.Stream != stream {
			continue
		}
		if r.MaxTS < start || r.MinTS > end {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeCatalog) Add(account, file string, m filelist.Meta) error {
	f.nextID++
	f.rows = append(f.rows, filelist.Row{ID: f.nextID, Meta: m, Account: account, File: file})
	return nil
}

func (f *fakeCatalog) MarkDeleted(files []filelist.AccountFile) error {
	for _, af := range files {
		for i := range f.rows {
			if f.rows[i].Account == af.Account && f.rows[i].File == af.File {
				f.rows[i].Deleted = true
			}
		}
		f.deleted[af.Account+"/"+af.File] = true
	}
	return nil
}

func (f *fakeCatalog) PurgeDeleted(files []filelist.AccountFile) error { return nil }

func TestCompactorMergesFilesPreservingRowsAndOrder(t *testing.T) {
	codec := newFakeCodec()
	store := newFakeObjectStore()

	r1 := recordWithTimestamps(t, []int64{10, 30, 50})
	r2 := recordWithTimestamps(t, []int64{20, 40})
	data1, err := codec.Encode([]arrow.Record{r1}, schemaOf("_timestamp"), "snappy")
	require.NoError(t, err)
	data2, err := codec.Encode([]arrow.Record{r2}, schemaOf("_timestamp"), "snappy")
	require.NoError(t, err)

	const account = "acct1"
	store.objects[objectPath(account, "org1", "logs", "app", "f1.parquet")] = data1
	store.objects[objectPath(account, "org1", "logs", "app", "f2.parquet")] = data2

	rows := []filelist.Row{
		{ID: 1, Account: account, File: "f1.parquet", Meta: filelist.Meta{OrgID: "org1", StreamType: "logs", Stream: "app", MinTS: 10, MaxTS: 50, Rows: 3, CompressedSize: 100, OriginalSize: 100}},
		{ID: 2, Account: account, File: "f2.parquet", Meta: filelist.Meta{OrgID: "org1", StreamType: "logs", Stream: "app", MinTS: 20, MaxTS: 40, Rows: 2, CompressedSize: 100, OriginalSize: 100}},
	}
	catalog := newFakeCatalog(rows)
	offsets := newFakeOffsets()

	c := New(fakeLocker{}, store, catalog, offsets, codec, Config{
		StepSeconds: 86400, SafetyWindow: 0, TargetFileBytes: 1 << 20, Compression: "snappy",
	})

	err = c.RunOnce(context.Background(), Target{Org: "org1", StreamType: "logs", Stream: "app", Account: account})
	require.NoError(t, err)

	require.True(t, catalog.deleted[account+"/f1.parquet"])
	require.True(t, catalog.deleted[account+"/f2.parquet"])

	var merged *filelist.Row
	for i := range catalog.rows {
		if !catalog.rows[i].Deleted && catalog.rows[i].ID >= 1000 {
			merged = &catalog.rows[i]
		}
	}
	require.NotNil(t, merged, "expected a new merged row")
	require.Equal(t, int64(5), merged.Rows, "row count must be preserved across compaction")
	require.Equal(t, int64(10), merged.MinTS)
	require.Equal(t, int64(50), merged.MaxTS)

	mergedRecords, _, _ := codec.Decode(store.objects[objectPath(account, merged.OrgID, merged.StreamType, merged.Stream, merged.File)])
	var ts []int64
	for _, rec := range mergedRecords {
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ts = append(ts, col.Value(i))
		}
	}
	require.Equal(t, []int64{10, 20, 30, 40, 50}, ts, "output must be sorted by _timestamp")
}

func TestBinPackRespectsTargetSize(t *testing.T) {
	rows := []filelist.Row{
		{ID: 1, Meta: filelist.Meta{MinTS: 1, CompressedSize: 40}},
		{ID: 2, Meta: filelist.Meta{MinTS: 2, CompressedSize: 40}},
		{ID: 3, Meta: filelist.Meta{MinTS: 3, CompressedSize: 40}},
	}
	batches := binPack(rows, 70)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 1)
	require.Len(t, batches[1], 1)
}
