package compactor

import (
	"bytes"
	"context"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/apache/arrow/go/v16/parquet"
	"github.com/apache/arrow/go/v16/parquet/file"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Codec encodes/decodes the parquet object bytes the catalog addresses
// by path. Expressed as an interface so the algorithm in compactor.go
// is testable against a trivial fake without pulling the full
// parquet/arrow machinery into every test.
type Codec interface {
	Decode(data []byte) (records []arrow.Record, schema *arrow.Schema, err error)
	Encode(records []arrow.Record, schema *arrow.Schema, compression string) ([]byte, error)
}

// ArrowCodec is the production Codec, built on
// apache/arrow/go/v16/parquet/pqarrow — the same library arrowbuf uses
// for its record batches, so a decoded record requires no conversion
// before feeding the merge-sort step.
type ArrowCodec struct {
	Alloc memory.Allocator
}

// NewArrowCodec returns a Codec using the default Go allocator.
func NewArrowCodec() *ArrowCodec {
	return &ArrowCodec{Alloc: memory.DefaultAllocator}
}

func compressionFor(name string) compressCodec {
	switch name {
	case "zstd":
		return compressZstd
	default:
		return compressSnappy
	}
}

func (c *ArrowCodec) Decode(data []byte) ([]arrow.Record, *arrow.Schema, error) {
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errs.New(errs.Storage, "compactor.ArrowCodec.Decode", "", err)
	}
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, c.Alloc)
	if err != nil {
		return nil, nil, errs.New(errs.Storage, "compactor.ArrowCodec.Decode", "", err)
	}
	tbl, err := reader.ReadTable(context.Background())
	if err != nil {
		return nil, nil, errs.New(errs.Storage, "compactor.ArrowCodec.Decode", "", err)
	}
	defer tbl.Release()

	schema := tbl.Schema()
	tr := array.NewTableReader(tbl, tbl.NumRows())
	defer tr.Release()

	var records []arrow.Record
	for tr.Next() {
		rec := tr.Record()
		rec.Retain()
		records = append(records, rec)
	}
	return records, schema, nil
}

func (c *ArrowCodec) Encode(records []arrow.Record, schema *arrow.Schema, compression string) ([]byte, error) {
	var buf bytes.Buffer
	codec := compressionFor(compression)

	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("corepipe"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, &buf, props, arrowProps)
	if err != nil {
		return nil, errs.New(errs.Storage, "compactor.ArrowCodec.Encode", "", err)
	}
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return nil, errs.New(errs.Storage, "compactor.ArrowCodec.Encode", "", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, errs.New(errs.Storage, "compactor.ArrowCodec.Encode", "", err)
	}
	return buf.Bytes(), nil
}

// compressCodec aliases the parquet package's compression enum so
// compressionFor doesn't need to import parquet/compress directly in
// every caller.
type compressCodec = parquet.Compression

const (
	compressSnappy compressCodec = parquet.Compressions.Snappy
	compressZstd   compressCodec = parquet.Compressions.Zstd
)
