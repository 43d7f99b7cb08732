// Package arrowbuf implements the in-RAM record-batch accumulator:
// per (stream, schema-hash) Arrow partitions, bounded by a global byte
// budget, flushable to parquet on trigger.
//
// Grounded on the teacher's storage/shard.go delta-storage model (an
// append-only slice of inserts behind a single writer lock, with readers
// taking their own reference) generalized from per-column scalar storage
// to whole arrow.Record batches, and on storage/cache.go's CacheManager
// for the budget/eviction half.
package arrowbuf

import (
	"sync"
	"time"

	"github.com/apache/arrow/go/v16/arrow"

	"github.com/lakesignal/corepipe/wal"
)

// Key identifies one arrow partition.
type Key struct {
	Org        string
	StreamType wal.StreamType
	Stream     string
	SchemaHash string
}

// Partition is an in-memory accumulator of record batches for one
// (stream, schema-hash) combination, with an attached open WAL segment.
// Exactly one writer goroutine owns Write/rotate; readers take Arc-like
// shared handles via Snapshot (arrow.Record.Retain keeps the underlying
// buffers alive after the writer swaps them out).
type Partition struct {
	mu      sync.Mutex
	key     Key
	batches []arrow.Record
	bytes   int64
	rows    int64
	minTS   int64
	maxTS   int64
	created time.Time
	wal     *wal.Writer
	walPath string
}

func newPartition(key Key, w *wal.Writer) *Partition {
	return &Partition{key: key, wal: w, created: time.Now(), minTS: int64(^uint64(0) >> 1), maxTS: -1 << 63}
}

// Write appends batch to the partition, extends the partition's
// (min_ts, max_ts), and returns the partition's new total byte size.
// minTS/maxTS are the batch's own extremes, precomputed by the caller
// from its _timestamp column (arrowbuf has no SQL awareness of which
// column that is).
func (p *Partition) Write(batch arrow.Record, minTS, maxTS int64) int64 {
	batch.Retain()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	p.bytes += recordByteSize(batch)
	p.rows += batch.NumRows()
	if minTS < p.minTS {
		p.minTS = minTS
	}
	if maxTS > p.maxTS {
		p.maxTS = maxTS
	}
	return p.bytes
}

// Snapshot returns a Retain'd copy of the current batch list for readers
// (search can traverse in-memory partitions for the freshest data without
// copying bytes) plus the partition's current time range.
func (p *Partition) Snapshot() (batches []arrow.Record, minTS, maxTS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]arrow.Record, len(p.batches))
	for i, b := range p.batches {
		b.Retain()
		out[i] = b
	}
	return out, p.minTS, p.maxTS
}

// SwapOut atomically detaches the current batch list under a short lock
// (so a flush can run without blocking concurrent writers/readers for
// long) and returns it along with the partition's WAL path so the caller
// can move that segment to a "done" state once the parquet persist is
// durable.
func (p *Partition) SwapOut() (batches []arrow.Record, walPath string, rows int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.batches
	p.batches = nil
	rows = p.rows
	p.rows = 0
	p.bytes = 0
	p.minTS = int64(^uint64(0) >> 1)
	p.maxTS = -1 << 63
	p.created = time.Now()
	return out, p.walPath, rows
}

// Bytes reports the partition's current resident byte size (used by
// Buffer for budget accounting and victim selection).
func (p *Partition) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Age reports how long this partition has been accumulating since
// creation (or since its last SwapOut), for age-triggered rotation.
func (p *Partition) Age() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.created)
}

// Rows reports the partition's current resident row count.
func (p *Partition) Rows() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows
}

// Key returns the partition's identity.
func (p *Partition) Key() Key { return p.key }

// recordByteSize sums the backing buffer lengths of every column; this is
// an approximation of resident bytes (shared dictionaries may be counted
// more than once), which is acceptable for a soft budget.
func recordByteSize(r arrow.Record) int64 {
	var total int64
	for i := 0; i < int(r.NumCols()); i++ {
		col := r.Column(i)
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
