package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.wal")

	w, err := Create(path, Header{"stream": "app"}, 0, 0)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("hello"), []byte(""), []byte("world"), {0, 1, 2, 3, 4}}
	for _, p := range payloads {
		_, err := w.Append(p)
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	r, err := Open(path, FromBeginning())
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "app", r.Header()["stream"])

	var got [][]byte
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, e.Payload)
	}
	require.NoError(t, r.Err())
	require.Len(t, got, len(payloads))
	for i := range payloads {
		require.Equal(t, payloads[i], got[i])
	}
}

func TestRoundTripWithCompressionCodec(t *testing.T) {
	for _, codec := range []string{"snappy", "zstd"} {
		t.Run(codec, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "seg.wal")

			w, err := Create(path, Header{"stream": "app", "codec": codec}, 0, 0)
			require.NoError(t, err)

			payloads := [][]byte{[]byte("hello world, this is a repeated repeated repeated payload"), []byte(""), {0, 1, 2, 3, 4}}
			for _, p := range payloads {
				_, err := w.Append(p)
				require.NoError(t, err)
			}
			require.NoError(t, w.Sync())
			require.NoError(t, w.Close())

			r, err := Open(path, FromBeginning())
			require.NoError(t, err)
			defer r.Close()

			var got [][]byte
			for {
				e, err := r.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				got = append(got, e.Payload)
			}
			require.NoError(t, r.Err())
			require.Len(t, got, len(payloads))
			for i := range payloads {
				require.Equal(t, payloads[i], got[i])
			}
		})
	}
}

func TestTruncationTolerance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.wal")

	w, err := Create(path, nil, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := w.Append([]byte{byte(i), byte(i), byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	fullOffset := w.Offset()
	require.NoError(t, w.Close())

	// truncate the last several bytes mid-entry
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(fullOffset-5))
	require.NoError(t, f.Close())

	r, err := Open(path, FromBeginning())
	require.NoError(t, err)
	defer r.Close()

	count := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.NoError(t, r.Err(), "truncated tail must not surface as a checksum/length error")
	require.Equal(t, 4, count, "prefix of entries before the truncation point must still decode")
}

func TestBadMagicIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.wal")
	require.NoError(t, os.WriteFile(path, []byte("NOTAWALFILE!!"), 0o640))

	_, err := Open(path, FromBeginning())
	require.Error(t, err)
}

func TestReadFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.wal")

	w, err := Create(path, nil, 0, 0)
	require.NoError(t, err)
	off1, err := w.Append([]byte("first"))
	require.NoError(t, err)
	_ = off1
	checkpoint := w.Offset()
	_, err = w.Append([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	r, err := Open(path, FromCheckpoint(checkpoint))
	require.NoError(t, err)
	defer r.Close()

	e, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), e.Payload)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}
