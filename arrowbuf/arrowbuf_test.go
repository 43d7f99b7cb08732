package arrowbuf

import (
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/lakesignal/corepipe/wal"
)

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "_timestamp", Type: arrow.PrimitiveTypes.Int64},
		{Name: "message", Type: arrow.BinaryTypes.String},
	}, nil)
}

func buildRecord(t *testing.T, minTS, maxTS int64, n int) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, testSchema())
	defer b.Release()
	tsBuilder := b.Field(0).(*array.Int64Builder)
	msgBuilder := b.Field(1).(*array.StringBuilder)
	step := int64(1)
	if n > 1 {
		step = (maxTS - minTS) / int64(n-1)
	}
	for i := 0; i < n; i++ {
		tsBuilder.Append(minTS + step*int64(i))
		msgBuilder.Append("line")
	}
	return b.NewRecord()
}

func TestPartitionWriteAccumulatesBytesAndRange(t *testing.T) {
	p := newPartition(Key{Org: "o1", StreamType: wal.StreamLogs, Stream: "default", SchemaHash: "h1"}, nil)

	r1 := buildRecord(t, 100, 200, 5)
	defer r1.Release()
	n1 := p.Write(r1, 100, 200)
	require.Greater(t, n1, int64(0))

	r2 := buildRecord(t, 50, 90, 3)
	defer r2.Release()
	n2 := p.Write(r2, 50, 90)
	require.Greater(t, n2, n1)

	batches, minTS, maxTS := p.Snapshot()
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	require.Len(t, batches, 2)
	require.Equal(t, int64(50), minTS)
	require.Equal(t, int64(200), maxTS)
	require.Equal(t, int64(8), p.Rows())
}

func TestPartitionSwapOutResetsAccounting(t *testing.T) {
	p := newPartition(Key{Org: "o1", StreamType: wal.StreamLogs, Stream: "default", SchemaHash: "h1"}, nil)
	r := buildRecord(t, 1, 2, 2)
	defer r.Release()
	p.Write(r, 1, 2)
	require.Greater(t, p.Bytes(), int64(0))

	batches, _, rows := p.SwapOut()
	require.Len(t, batches, 1)
	require.Equal(t, int64(2), rows)
	for _, b := range batches {
		b.Release()
	}

	require.Equal(t, int64(0), p.Bytes())
	require.Equal(t, int64(0), p.Rows())
}

func TestBufferEnforceBudgetFlushesLargest(t *testing.T) {
	var flushed []Key
	b := NewBuffer(10, func(p *Partition) error {
		flushed = append(flushed, p.Key())
		batches, _, _ := p.SwapOut()
		for _, r := range batches {
			r.Release()
		}
		return nil
	})

	small := b.Partition(Key{Org: "o1", Stream: "small", SchemaHash: "h"})
	big := b.Partition(Key{Org: "o1", Stream: "big", SchemaHash: "h"})

	r1 := buildRecord(t, 1, 2, 1)
	small.Write(r1, 1, 2)
	r1.Release()

	r2 := buildRecord(t, 1, 2, 50)
	big.Write(r2, 1, 2)
	r2.Release()

	require.NoError(t, b.EnforceBudget())
	require.Contains(t, flushed, big.Key())
	require.LessOrEqual(t, b.TotalBytes(), int64(10))
}
