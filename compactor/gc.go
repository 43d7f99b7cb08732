package compactor

import (
	"context"
	"time"

	"github.com/lakesignal/corepipe/filelist"
	"github.com/lakesignal/corepipe/internal/obslog"
)

// KnownFiles reports whether the catalog still carries a (possibly
// deleted) row for account/file, used by Sweep to tell an orphan apart
// from a file still mid-compaction.
type KnownFiles interface {
	Known(account, file string) (bool, error)
}

// Sweep garbage-collects orphaned parquet objects: a crash between
// writing a merged parquet and flipping its input rows (or, symmetrically,
// between flipping rows and the catalog becoming durable) can leave a
// parquet object in the store with no corresponding file-list row.
// Sweep lists prefix, and deletes any object older than safetyWindow that
// the catalog doesn't know about at all.
func Sweep(ctx context.Context, store ObjectStore, known KnownFiles, account, prefix string, safetyWindow time.Duration) (deleted []string, err error) {
	paths, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-safetyWindow)
	for _, p := range paths {
		meta, err := store.Head(ctx, p)
		if err != nil {
			continue // raced with a concurrent delete; not our problem
		}
		if meta.LastModified.After(cutoff) {
			continue // too recent to be safely considered orphaned
		}
		ok, err := known.Known(account, fileNameOf(p))
		if err != nil {
			return deleted, err
		}
		if ok {
			continue
		}
		if err := store.Delete(ctx, []string{p}); err != nil {
			return deleted, err
		}
		deleted = append(deleted, p)
	}
	if len(deleted) > 0 {
		obslog.L().WithField("count", len(deleted)).Info("compactor: swept orphan parquet files")
	}
	return deleted, nil
}

func fileNameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// PurgeCompleted physically deletes the bytes and catalog rows for files
// already flagged deleted in the catalog, completing the promise that a
// flip to deleted is eventually followed by reclamation.
func PurgeCompleted(ctx context.Context, store ObjectStore, catalog Catalog, account string, files []filelist.AccountFile) error {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = account + "::" + f.File
	}
	if err := store.Delete(ctx, paths); err != nil {
		return err
	}
	return catalog.PurgeDeleted(files)
}
