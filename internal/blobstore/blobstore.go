// Package blobstore is the content-addressed blob store client (C1): raw
// MIME bodies keyed by lowercase hex SHA-256, optionally zstd-compressed.
//
// Grounded in the teacher's internal/database.Open permission discipline
// (0700 directories, 0600 files for account data) applied here to
// sharded blob directories, and on geoffreyhinton-web_mail_go's use of
// klauspost/compress for the compression layer (the only pack repo that
// imports a compression library).
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the little-endian Zstandard frame magic number (§4.1).
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Store is the content-addressed blob store interface; FileStore and
// ObjectStore both implement it.
type Store interface {
	// Save is idempotent; a zero-length input is a no-op with a warning.
	Save(ctx context.Context, key string, data []byte) error
	// Get returns (nil, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
}

// Sha256Hex returns the lowercase hex SHA-256 of data, the blob store key.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("blobstore: failed to init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("blobstore: failed to init zstd decoder: %v", err))
	}
}

// compress returns the zstd-compressed form of data if it is smaller than
// the input, otherwise it returns data unchanged (§4.1: "If compression
// would expand the payload, the uncompressed form is kept").
func compress(data []byte, enabled bool) []byte {
	if !enabled || len(data) == 0 {
		return data
	}
	compressed := encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// decompress detects the zstd frame magic at byte offset 0 and decompresses;
// uncompressed blobs are returned verbatim.
func decompress(data []byte) ([]byte, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], zstdMagic) {
		return data, nil
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: zstd decode: %w", err)
	}
	return out, nil
}

// ErrVerifyMismatch is returned by Get when verification is enabled and the
// decompressed bytes do not hash to the requested key.
var ErrVerifyMismatch = errors.New("blobstore: stored blob does not hash to requested key")
