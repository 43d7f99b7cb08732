// Package wal implements a durable, append-only write-ahead log: a
// crash-safe buffer between network receive and parquet persist.
//
// File layout: a 13-byte magic identifier, an optional 4-byte big-endian
// header length followed by a JSON header, then a sequence of entries
// shaped [crc32 u32 BE][length u64 BE][payload]. Entries are written
// fully or not at all; a short read during replay is treated as a clean
// truncation point, never a fatal error.
//
// Grounded on the teacher's storage/persistence-files.go FileLogfile (one
// append-only file per shard) and storage/persistence-s3.go's segmented,
// length-prefixed log framing for backends that can't append in place.
package wal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
)

// MagicV3 denotes a header-bearing segment file. MagicV2 is the legacy
// (no-header) format; readers must accept both, writers only emit V3.
const (
	MagicV3 = "OPENOBSERVEV3"
	MagicV2 = "OPENOBSERVEV2"
)

const magicLen = 13

// StreamType is the closed set of stream kinds.
type StreamType string

const (
	StreamLogs             StreamType = "logs"
	StreamMetrics          StreamType = "metrics"
	StreamTraces           StreamType = "traces"
	StreamEnrichmentTables StreamType = "enrichment_tables"
	StreamFilelist         StreamType = "filelist"
	StreamMetadata         StreamType = "metadata"
	StreamIndex            StreamType = "index"
)

// Coordinates identifies one WAL segment's location in the data-wal-dir
// layout: files/{org}/{stream_type}/{stream}/{thread}/{hour_key}/{id}.wal
type Coordinates struct {
	Org        string
	StreamType StreamType
	Stream     string
	ThreadID   string
	HourKey    string // yyyy/mm/dd/hh
	ID         string
}

// Path returns the on-disk path of this segment relative to a wal root.
func (c Coordinates) Path(walRoot string) string {
	return filepath.Join(walRoot, "files", c.Org, string(c.StreamType), c.Stream,
		c.ThreadID, c.HourKey, c.ID+".wal")
}

// HourKeyFor formats a timestamp (micros since epoch) into the
// yyyy/mm/dd/hh directory key used by both the WAL and object-store
// layouts.
func HourKeyFor(tsMicros int64) string {
	t := time.UnixMicro(tsMicros).UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%02d", t.Year(), t.Month(), t.Day(), t.Hour())
}

// Header is the optional key/value JSON header carried by V3 segments.
type Header map[string]string

func encodeHeader(h Header) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	return json.Marshal(h)
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, errs.New(errs.Storage, "wal.decodeHeader", "", err)
	}
	return h, nil
}
