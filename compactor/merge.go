package compactor

import (
	"sort"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"

	"github.com/lakesignal/corepipe/internal/errs"
)

// timestampColumn reads the _timestamp column as a []int64, the sort key
// every compaction merge orders by.
func timestampColumn(rec arrow.Record) ([]int64, error) {
	idx := rec.Schema().FieldIndices("_timestamp")
	if len(idx) == 0 {
		return nil, errs.New(errs.Validation, "compactor.timestampColumn", "", errs.ErrNotFound)
	}
	col, ok := rec.Column(idx[0]).(*array.Int64)
	if !ok {
		return nil, errs.New(errs.Validation, "compactor.timestampColumn", "", errs.ErrNotFound)
	}
	out := make([]int64, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out, nil
}

// rowRef locates one row within the concatenated input set.
type rowRef struct {
	recordIdx int
	rowIdx    int
	ts        int64
}

// mergeSorted performs a stable merge-sort on _timestamp across every
// record of every input file (inputs must already be ordered ascending
// by source file id, as compactBatch does, so rows with equal timestamps
// keep the lower-id file's row first), and
// rebuilds batches of at most batchRows rows each against the unioned
// output schema.
func mergeSorted(schema *arrow.Schema, records []arrow.Record, pool memory.Allocator, batchRows int) ([]arrow.Record, error) {
	var refs []rowRef
	tsByRecord := make([][]int64, len(records))
	for ri, rec := range records {
		ts, err := timestampColumn(rec)
		if err != nil {
			return nil, err
		}
		tsByRecord[ri] = ts
		for row, t := range ts {
			refs = append(refs, rowRef{recordIdx: ri, rowIdx: row, ts: t})
		}
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].ts < refs[j].ts })

	var out []arrow.Record
	for start := 0; start < len(refs); start += batchRows {
		end := start + batchRows
		if end > len(refs) {
			end = len(refs)
		}
		rec, err := buildRecord(schema, records, refs[start:end], pool)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// buildRecord materializes one output batch by copying, field by field,
// the values referenced by rows into fresh typed builders. Supports the
// scalar column types observability records are built from; a field type
// outside this set fails loudly rather than silently dropping data.
func buildRecord(schema *arrow.Schema, records []arrow.Record, rows []rowRef, pool memory.Allocator) (arrow.Record, error) {
	builders := make([]array.Builder, schema.NumFields())
	for i, f := range schema.Fields() {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		rec := records[row.recordIdx]
		for i, f := range schema.Fields() {
			idx := rec.Schema().FieldIndices(f.Name)
			if len(idx) == 0 {
				builders[i].AppendNull()
				continue
			}
			if err := appendFromArray(builders[i], rec.Column(idx[0]), row.rowIdx); err != nil {
				return nil, err
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
	}
	return array.NewRecord(schema, cols, int64(len(rows))), nil
}

// appendFromArray copies the value at row i of src into dst, or appends
// null if src is null at i or the row index is out of range (the field
// is absent from this particular batch's own narrower schema).
func appendFromArray(dst array.Builder, src arrow.Array, i int) error {
	if i >= src.Len() || src.IsNull(i) {
		dst.AppendNull()
		return nil
	}
	switch s := src.(type) {
	case *array.Int32:
		dst.(*array.Int32Builder).Append(s.Value(i))
	case *array.Int64:
		dst.(*array.Int64Builder).Append(s.Value(i))
	case *array.Float32:
		dst.(*array.Float32Builder).Append(s.Value(i))
	case *array.Float64:
		dst.(*array.Float64Builder).Append(s.Value(i))
	case *array.String:
		dst.(*array.StringBuilder).Append(s.Value(i))
	case *array.Binary:
		dst.(*array.BinaryBuilder).Append(s.Value(i))
	case *array.Boolean:
		dst.(*array.BooleanBuilder).Append(s.Value(i))
	case *array.Timestamp:
		dst.(*array.TimestampBuilder).Append(s.Value(i))
	default:
		return errs.New(errs.Validation, "compactor.appendFromArray", src.DataType().Name(), errs.ErrNotFound)
	}
	return nil
}
