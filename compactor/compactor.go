// Package compactor implements background compaction: merging small
// parquet files per (org, stream, hour) into larger ones and
// reclaiming space from deleted rows, under a distributed lock.
//
// Grounded on the teacher's storage/shard.go compaction pass (which
// folds an append-only insert delta into a shard's base columns under a
// shard-local lock) generalized from an in-process column fold to a
// cross-file, object-store-backed merge under a cluster-wide lock
// (the Locker interface, served by cluster.Coordinator.Lock), since compaction here must coordinate across nodes
// rather than goroutines in one process.
package compactor

import (
	"context"
	"sort"
	"time"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/google/uuid"

	"github.com/lakesignal/corepipe/filelist"
	"github.com/lakesignal/corepipe/internal/errs"
	"github.com/lakesignal/corepipe/internal/obslog"
	"github.com/lakesignal/corepipe/objectstore"
	"github.com/lakesignal/corepipe/schemareg"
)

// Unlocker is the subset of cluster.Lock's surface compaction needs.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker is the subset of cluster.Coordinator's surface compaction needs:
// acquiring a distributed lock keyed by (org, stream) before touching
// that stream's files.
type Locker interface {
	Lock(ctx context.Context, key string, waitTTL time.Duration) (Unlocker, error)
}

// ObjectStore is the subset of objectstore.Router compaction needs to
// read input files and write merged output.
type ObjectStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, paths []string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Head(ctx context.Context, path string) (objectstore.Meta, error)
}

// Catalog is the subset of filelist.Store compaction needs.
type Catalog interface {
	Query(org, streamType, stream string, start, end int64) ([]filelist.Row, error)
	Add(account, file string, m filelist.Meta) error
	MarkDeleted(files []filelist.AccountFile) error
	PurgeDeleted(files []filelist.AccountFile) error
}

// OffsetStore tracks each (org, stream)'s compaction high-water mark,
// persisted so a restart resumes rather than re-scanning from the
// beginning.
type OffsetStore interface {
	Offset(org, stream string) (int64, error)
	AdvanceOffset(org, stream string, offset int64) error
}

// Target identifies one (org, stream_type, stream) this compactor run
// should consider.
type Target struct {
	Org        string
	StreamType string
	Stream     string
	Account    string
}

// Config bounds one compaction pass.
type Config struct {
	StepSeconds     int64
	SafetyWindow    time.Duration
	TargetFileBytes int64
	BatchRows       int
	Compression     string
}

// Compactor runs the merge-and-reclaim algorithm for a set of targets.
type Compactor struct {
	locker  Locker
	store   ObjectStore
	catalog Catalog
	offsets OffsetStore
	codec   Codec
	cfg     Config
	pool    memory.Allocator
}

// New builds a Compactor.
func New(locker Locker, store ObjectStore, catalog Catalog, offsets OffsetStore, codec Codec, cfg Config) *Compactor {
	if cfg.BatchRows <= 0 {
		cfg.BatchRows = 250_000
	}
	return &Compactor{locker: locker, store: store, catalog: catalog, offsets: offsets, codec: codec, cfg: cfg, pool: memory.DefaultAllocator}
}

// RunOnce executes one compaction step for target: lock, scan the
// offset window, bin-pack by hour, merge, flip the catalog, advance the
// offset. It is idempotent: a crash between writing the merged file and
// flipping input rows to deleted is safe to retry, because the offset
// only advances after the flip succeeds.
func (c *Compactor) RunOnce(ctx context.Context, t Target) error {
	log := obslog.L().WithFields(map[string]interface{}{"org": t.Org, "stream": t.Stream})

	offset, err := c.offsets.Offset(t.Org, t.Stream)
	if err != nil {
		return err
	}
	now := time.Now().UnixMicro()
	safetyMicros := c.cfg.SafetyWindow.Microseconds()
	if offset >= now-safetyMicros {
		return nil // nothing old enough yet
	}

	lockKey := "/compact/" + t.Org + "/" + t.Stream
	lock, err := c.locker.Lock(ctx, lockKey, 0)
	if err != nil {
		return err
	}
	defer lock.Unlock(ctx)

	stepEnd := offset + c.cfg.StepSeconds*1_000_000
	rows, err := c.catalog.Query(t.Org, t.StreamType, t.Stream, offset, stepEnd)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return c.offsets.AdvanceOffset(t.Org, t.Stream, stepEnd)
	}

	groups := groupByHour(rows)
	hourKeys := make([]string, 0, len(groups))
	for k := range groups {
		hourKeys = append(hourKeys, k)
	}
	sort.Strings(hourKeys)

	for _, hour := range hourKeys {
		batches := binPack(groups[hour], c.cfg.TargetFileBytes)
		for _, batch := range batches {
			if len(batch) < 2 {
				continue // skip singleton batches, nothing to merge
			}
			if err := c.compactBatch(ctx, t, batch); err != nil {
				log.WithError(err).WithField("hour", hour).Warn("compactor: batch failed, will retry next pass")
				return err
			}
		}
	}

	return c.offsets.AdvanceOffset(t.Org, t.Stream, stepEnd)
}

// compactBatch executes steps 4-5 for one batch of input rows: download,
// union schema, stable merge-sort by _timestamp, upload, then flip the
// catalog atomically (new row in, inputs marked deleted).
func (c *Compactor) compactBatch(ctx context.Context, t Target, batch []filelist.Row) error {
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID }) // ascending id, see merge.go tie-break note

	var schema *arrow.Schema
	var allRecords []arrow.Record
	var totalOriginal int64
	minTS, maxTS := int64(1<<62), int64(-(1 << 62))

	for _, row := range batch {
		path := objectPath(t.Account, row.OrgID, row.StreamType, row.Stream, row.File)
		data, err := c.store.Get(ctx, path)
		if err != nil {
			return err
		}
		records, recSchema, err := c.codec.Decode(data)
		if err != nil {
			return err
		}
		if schema == nil {
			schema = recSchema
		} else {
			schema, err = schemareg.Union(schema, recSchema)
			if err != nil {
				return errs.New(errs.Validation, "compactor.compactBatch", row.File, err)
			}
		}
		allRecords = append(allRecords, records...)
		totalOriginal += row.OriginalSize
		if row.MinTS < minTS {
			minTS = row.MinTS
		}
		if row.MaxTS > maxTS {
			maxTS = row.MaxTS
		}
	}

	merged, err := mergeSorted(schema, allRecords, c.pool, c.cfg.BatchRows)
	if err != nil {
		return err
	}

	data, err := c.codec.Encode(merged, schema, c.cfg.Compression)
	if err != nil {
		return err
	}

	outID := newFileID()
	outPath := objectPath(t.Account, t.Org, t.StreamType, t.Stream, outID+".parquet")
	if err := c.store.Put(ctx, outPath, data); err != nil {
		return err
	}

	var mergedRows int64
	for _, r := range merged {
		mergedRows += r.NumRows()
	}

	if err := c.catalog.Add(t.Account, outID+".parquet", filelist.Meta{
		OrgID: t.Org, StreamType: t.StreamType, Stream: t.Stream,
		MinTS: minTS, MaxTS: maxTS, Rows: mergedRows,
		OriginalSize: totalOriginal, CompressedSize: int64(len(data)),
	}); err != nil {
		return err
	}

	toDelete := make([]filelist.AccountFile, len(batch))
	for i, row := range batch {
		toDelete[i] = filelist.AccountFile{Account: row.Account, File: row.File}
	}
	return c.catalog.MarkDeleted(toDelete)
}

// groupByHour buckets rows by their min_ts's hour key.
func groupByHour(rows []filelist.Row) map[string][]filelist.Row {
	out := make(map[string][]filelist.Row)
	for _, r := range rows {
		key := hourKeyFor(r.MinTS)
		out[key] = append(out[key], r)
	}
	return out
}

// binPack greedily bins rows into batches whose summed CompressedSize
// stays at or below targetBytes.
func binPack(rows []filelist.Row, targetBytes int64) [][]filelist.Row {
	sort.Slice(rows, func(i, j int) bool { return rows[i].MinTS < rows[j].MinTS })
	var batches [][]filelist.Row
	var cur []filelist.Row
	var curSize int64
	for _, r := range rows {
		if curSize > 0 && curSize+r.CompressedSize > targetBytes {
			batches = append(batches, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, r)
		curSize += r.CompressedSize
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func objectPath(account, org, streamType, stream, file string) string {
	p := "files/" + org + "/" + streamType + "/" + stream + "/" + file
	if account != "" {
		return account + "::" + p
	}
	return p
}

func hourKeyFor(tsMicros int64) string {
	t := time.UnixMicro(tsMicros).UTC()
	return t.Format("2006/01/02/15")
}

// newFileID generates the compacted output file's id with google/uuid,
// the same generator cmd/corepipe uses for the node id it hands to
// cluster.Dial.
func newFileID() string {
	return uuid.New().String()
}
