// Package filelist implements the file-list catalog: the durable
// record of every parquet object belonging to a stream, keyed by
// (account, file), with secondary indexes supporting the time-range
// scan that both search and compaction depend on.
//
// Grounded on the teacher's storage/tables_catalog.go global registry
// (a single mutex-guarded map as the source of truth, with a monotonic
// counter for identity) generalized from an in-memory table handle map
// to a durable `modernc.org/sqlite` table, since the catalog here must
// survive process restarts.
package filelist

const schemaDDL = `
CREATE TABLE IF NOT EXISTS file_list (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	account         TEXT NOT NULL,
	file            TEXT NOT NULL,
	org_id          TEXT NOT NULL,
	stream_type     TEXT NOT NULL,
	stream          TEXT NOT NULL,
	min_ts          INTEGER NOT NULL,
	max_ts          INTEGER NOT NULL,
	rows            INTEGER NOT NULL,
	original_size   INTEGER NOT NULL,
	compressed_size INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	flattened       INTEGER NOT NULL DEFAULT 0,
	UNIQUE(account, file)
);

CREATE INDEX IF NOT EXISTS idx_file_list_scan
	ON file_list(org_id, stream_type, stream, max_ts);

CREATE INDEX IF NOT EXISTS idx_file_list_active
	ON file_list(org_id, stream_type, stream, deleted, min_ts);
`
