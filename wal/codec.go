package wal

import (
	"github.com/DataDog/zstd"
	"github.com/golang/snappy"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Codec is the closed set of per-segment entry compression codecs,
// matching the snappy/zstd choice used for parquet output, selected per
// segment via the V3 header's "codec" key so a reader never has to
// guess.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecZstd   Codec = "zstd"
)

// codecOf reads the segment header's codec choice, defaulting to
// CodecNone for segments written before compression existed or that
// never opted in (legacy MagicV2 files have no header at all).
func codecOf(h Header) Codec {
	switch Codec(h["codec"]) {
	case CodecSnappy:
		return CodecSnappy
	case CodecZstd:
		return CodecZstd
	default:
		return CodecNone
	}
}

// compressPayload compresses p with codec, or returns p unchanged for
// CodecNone.
func compressPayload(codec Codec, p []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		return snappy.Encode(nil, p), nil
	case CodecZstd:
		out, err := zstd.Compress(nil, p)
		if err != nil {
			return nil, errs.New(errs.Storage, "wal.compressPayload", "", err)
		}
		return out, nil
	default:
		return p, nil
	}
}

// decompressPayload reverses compressPayload.
func decompressPayload(codec Codec, p []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		out, err := snappy.Decode(nil, p)
		if err != nil {
			return nil, errs.New(errs.Storage, "wal.decompressPayload", "", err)
		}
		return out, nil
	case CodecZstd:
		out, err := zstd.Decompress(nil, p)
		if err != nil {
			return nil, errs.New(errs.Storage, "wal.decompressPayload", "", err)
		}
		return out, nil
	default:
		return p, nil
	}
}
