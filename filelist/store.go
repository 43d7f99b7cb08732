package filelist

import (
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Meta is the metadata attached to one catalog row; File and Account
// together form the primary key.
type Meta struct {
	OrgID          string
	StreamType     string
	Stream         string
	MinTS          int64
	MaxTS          int64
	Rows           int64
	OriginalSize   int64
	CompressedSize int64
	Flattened      bool
}

// Row is one full catalog row, as returned by Query.
type Row struct {
	ID int64
	Meta
	Account string
	File    string
	Deleted bool
}

// EventEmitter publishes a cluster-coordinator invalidation event after a
// successful Add; wired to cluster.Coordinator.Publish (component I). A nil
// emitter is valid for single-node operation.
type EventEmitter interface {
	Publish(key string, payload []byte) error
}

// Store is the sqlite-backed catalog. modernc.org/sqlite accepts only
// one writer at a time; writes are additionally serialized through mu so
// that Add/MarkDeleted present as linearizable per key even under the
// driver's own locking, and so a query started under one mu.RLock always
// observes a consistent snapshot of the rows written before it.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	emit EventEmitter
}

// Open opens (creating if absent) the sqlite database at path and
// ensures the schema exists.
func Open(path string, emit EventEmitter) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.Catalog, "filelist.Open", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize at the connection pool too
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errs.New(errs.Catalog, "filelist.Open", path, err)
	}
	return &Store{db: db, emit: emit}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add upserts one file's metadata and emits a cluster invalidation event
// on /file_list/{account}/{file} so peers can drop derived caches for
// this key.
func (s *Store) Add(account, file string, m Meta) error {
	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO file_list
			(account, file, org_id, stream_type, stream, min_ts, max_ts, rows, original_size, compressed_size, deleted, flattened)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(account, file) DO UPDATE SET
			org_id=excluded.org_id, stream_type=excluded.stream_type, stream=excluded.stream,
			min_ts=excluded.min_ts, max_ts=excluded.max_ts, rows=excluded.rows,
			original_size=excluded.original_size, compressed_size=excluded.compressed_size,
			flattened=excluded.flattened
	`, account, file, m.OrgID, m.StreamType, m.Stream, m.MinTS, m.MaxTS, m.Rows, m.OriginalSize, m.CompressedSize, boolToInt(m.Flattened))
	s.mu.Unlock()
	if err != nil {
		return errs.New(errs.Catalog, "filelist.Add", file, err)
	}
	if s.emit != nil {
		if err := s.emit.Publish("/file_list/"+account+"/"+file, nil); err != nil {
			return errs.Retryable(errs.Cluster, "filelist.Add.publish", file, err)
		}
	}
	return nil
}

// Query returns all non-deleted rows for (org, stream_type, stream) whose
// [min_ts, max_ts] intersects [start, end]. Results are complete (no
// false negatives); callers filter remaining false positives against
// actual column statistics when they open the parquet file.
func (s *Store) Query(org, streamType, stream string, start, end int64) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, account, file, org_id, stream_type, stream, min_ts, max_ts, rows, original_size, compressed_size, deleted, flattened
		FROM file_list
		WHERE org_id = ? AND stream_type = ? AND stream = ?
		  AND deleted = 0 AND min_ts <= ? AND max_ts >= ?
	`, org, streamType, stream, end, start)
	if err != nil {
		return nil, errs.New(errs.Catalog, "filelist.Query", stream, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var deletedInt, flattenedInt int
		if err := rows.Scan(&r.ID, &r.Account, &r.File, &r.OrgID, &r.StreamType, &r.Stream,
			&r.MinTS, &r.MaxTS, &r.Rows, &r.OriginalSize, &r.CompressedSize, &deletedInt, &flattenedInt); err != nil {
			return nil, errs.New(errs.Catalog, "filelist.Query", stream, err)
		}
		r.Deleted = deletedInt != 0
		r.Flattened = flattenedInt != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Catalog, "filelist.Query", stream, err)
	}
	return out, nil
}

// MarkDeleted flips deleted=true for the given (account, file) pairs.
// Physical removal of bytes and rows happens later, in a compaction run.
func (s *Store) MarkDeleted(files []AccountFile) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.Catalog, "filelist.MarkDeleted", "", err)
	}
	stmt, err := tx.Prepare(`UPDATE file_list SET deleted = 1 WHERE account = ? AND file = ?`)
	if err != nil {
		tx.Rollback()
		return errs.New(errs.Catalog, "filelist.MarkDeleted", "", err)
	}
	defer stmt.Close()
	for _, af := range files {
		if _, err := stmt.Exec(af.Account, af.File); err != nil {
			tx.Rollback()
			return errs.New(errs.Catalog, "filelist.MarkDeleted", af.File, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Catalog, "filelist.MarkDeleted", "", err)
	}
	return nil
}

// PurgeDeleted physically removes rows already flagged deleted, called by
// the compactor once it has removed the underlying parquet bytes.
func (s *Store) PurgeDeleted(files []AccountFile) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.Catalog, "filelist.PurgeDeleted", "", err)
	}
	stmt, err := tx.Prepare(`DELETE FROM file_list WHERE account = ? AND file = ? AND deleted = 1`)
	if err != nil {
		tx.Rollback()
		return errs.New(errs.Catalog, "filelist.PurgeDeleted", "", err)
	}
	defer stmt.Close()
	for _, af := range files {
		if _, err := stmt.Exec(af.Account, af.File); err != nil {
			tx.Rollback()
			return errs.New(errs.Catalog, "filelist.PurgeDeleted", af.File, err)
		}
	}
	return errs.Wrap(errs.Catalog, "filelist.PurgeDeleted", "", tx.Commit())
}

// MaxID returns the monotonic high-water id, used by peers to detect how
// far behind their own view of the catalog is.
func (s *Store) MaxID() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM file_list`).Scan(&id); err != nil {
		return 0, errs.New(errs.Catalog, "filelist.MaxID", "", err)
	}
	return id.Int64, nil
}

// AccountFile identifies one catalog row by its primary key.
type AccountFile struct {
	Account string
	File    string
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
