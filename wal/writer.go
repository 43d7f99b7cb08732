package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
)

const flushThreshold = 128 * 1024 // buffer payloads up to ~128 KiB before flushing to the OS

// Writer is a single append-only segment writer. One writer owns one
// file; callers rotate to a new Writer when MaxFileSize/MaxFileAge trip.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	bw       *bufio.Writer
	path     string
	offset   int64 // last known-good file offset
	created  time.Time
	maxSize  int64
	maxAge   time.Duration
	codec    Codec
}

// Create opens a new segment for writing at path, with an optional
// header. Parent directories are created as needed.
func Create(path string, header Header, maxSize int64, maxAge time.Duration) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errs.New(errs.Storage, "wal.Create", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, errs.New(errs.Storage, "wal.Create", path, err)
	}
	w := &Writer{f: f, bw: bufio.NewWriterSize(f, flushThreshold), path: path, created: time.Now(), maxSize: maxSize, maxAge: maxAge, codec: codecOf(header)}
	hb, err := encodeHeader(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := w.bw.WriteString(MagicV3); err != nil {
		f.Close()
		return nil, errs.New(errs.Storage, "wal.Create", path, err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hb)))
	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		f.Close()
		return nil, errs.New(errs.Storage, "wal.Create", path, err)
	}
	if len(hb) > 0 {
		if _, err := w.bw.Write(hb); err != nil {
			f.Close()
			return nil, errs.New(errs.Storage, "wal.Create", path, err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		f.Close()
		return nil, errs.New(errs.Storage, "wal.Create", path, err)
	}
	w.offset = int64(magicLen + 4 + len(hb))
	return w, nil
}

// Append writes one entry atomically: either the whole [crc32][len][payload]
// frame lands, or nothing does — on a short write the file is truncated
// back to the last good offset so no partial entry is ever observable.
// The checksum and length cover the entry as stored on disk, i.e. after
// this segment's codec (if any) has compressed payload.
func (w *Writer) Append(payload []byte) (offset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stored, err := compressPayload(w.codec, payload)
	if err != nil {
		return 0, err
	}

	startOffset := w.offset
	sum := crc32.ChecksumIEEE(stored)

	var frame [12]byte
	binary.BigEndian.PutUint32(frame[0:4], sum)
	binary.BigEndian.PutUint64(frame[4:12], uint64(len(stored)))

	n1, err1 := w.bw.Write(frame[:])
	n2, err2 := w.bw.Write(stored)
	if err1 != nil || err2 != nil || n1 != len(frame) || n2 != len(stored) {
		w.truncateToLocked(startOffset)
		if err1 != nil {
			return 0, errs.New(errs.Storage, "wal.Writer.Append", w.path, err1)
		}
		if err2 != nil {
			return 0, errs.New(errs.Storage, "wal.Writer.Append", w.path, err2)
		}
		return 0, errs.New(errs.Storage, "wal.Writer.Append", w.path, errs.ErrShortWrite)
	}
	w.offset = startOffset + int64(len(frame)) + int64(len(stored))
	return startOffset, nil
}

// truncateToLocked resets the buffered writer and truncates the
// underlying file back to a known-good offset. Caller holds w.mu.
func (w *Writer) truncateToLocked(offset int64) {
	w.bw.Reset(w.f)
	_ = w.f.Truncate(offset)
	_, _ = w.f.Seek(offset, 0)
	w.offset = offset
}

// Sync flushes OS buffers and fsyncs; returns only after fsync completes.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return errs.New(errs.Storage, "wal.Writer.Sync", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return errs.New(errs.Storage, "wal.Writer.Sync", w.path, err)
	}
	return nil
}

// ShouldRotate reports whether this segment has crossed its size or age
// threshold and should be closed in favor of a new one.
func (w *Writer) ShouldRotate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxSize > 0 && w.offset >= w.maxSize {
		return true
	}
	if w.maxAge > 0 && time.Since(w.created) >= w.maxAge {
		return true
	}
	return false
}

// Offset returns the current known-good write offset.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Path returns the file path backing this writer.
func (w *Writer) Path() string { return w.path }

// Close flushes, fsyncs, and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return errs.New(errs.Storage, "wal.Writer.Close", w.path, err)
	}
	return nil
}
