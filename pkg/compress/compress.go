// Package compress handles the codec layer of the output store.
// Blobs are stored with their compression type and level so that
// decompression is always content-type driven.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/qcforge/qcforge/pkg/types"
)

// DefaultLevel is used when callers do not request a specific level.
const DefaultLevel = 3

// Compress encodes data with the given codec and level.
func Compress(data []byte, ctype types.CompressionType, level int) ([]byte, error) {
	switch ctype {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, clampGzipLevel(level))
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case types.CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unknown compression type: %q", ctype)
}

// Decompress decodes data according to its stored codec.
func Decompress(data []byte, ctype types.CompressionType) ([]byte, error) {
	switch ctype {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	case types.CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression type: %q", ctype)
}

// Append decompresses an existing blob, concatenates extra, and
// recompresses with the same codec and level.
func Append(data []byte, extra []byte, ctype types.CompressionType, level int) ([]byte, error) {
	plain, err := Decompress(data, ctype)
	if err != nil {
		return nil, err
	}
	combined := make([]byte, 0, len(plain)+len(extra))
	combined = append(combined, plain...)
	combined = append(combined, extra...)
	return Compress(combined, ctype, level)
}

func clampGzipLevel(level int) int {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		return gzip.DefaultCompression
	}
	return level
}
