package compress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcforge/qcforge/pkg/types"
)

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("SCF iteration 12 energy -76.40221\n", 200))

	tests := []struct {
		name   string
		ctype  types.CompressionType
		shrink bool
	}{
		{name: "none", ctype: types.CompressionNone},
		{name: "empty type is none", ctype: ""},
		{name: "gzip", ctype: types.CompressionGzip, shrink: true},
		{name: "zstd", ctype: types.CompressionZstd, shrink: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Compress(payload, tt.ctype, DefaultLevel)
			require.NoError(t, err)
			if tt.shrink {
				assert.Less(t, len(blob), len(payload))
			} else {
				assert.True(t, bytes.Equal(blob, payload))
			}

			out, err := Decompress(blob, tt.ctype)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestUnknownType(t *testing.T) {
	_, err := Compress([]byte("x"), "lz4", DefaultLevel)
	assert.ErrorContains(t, err, "unknown compression type")

	_, err = Decompress([]byte("x"), "lz4")
	assert.ErrorContains(t, err, "unknown compression type")
}

func TestDecompressCorruptGzip(t *testing.T) {
	_, err := Decompress([]byte("definitely not gzip"), types.CompressionGzip)
	assert.Error(t, err)
}

func TestAppend(t *testing.T) {
	for _, ctype := range []types.CompressionType{
		types.CompressionNone, types.CompressionGzip, types.CompressionZstd,
	} {
		t.Run(string(ctype), func(t *testing.T) {
			blob, err := Compress([]byte("line one\n"), ctype, DefaultLevel)
			require.NoError(t, err)

			blob, err = Append(blob, []byte("line two\n"), ctype, DefaultLevel)
			require.NoError(t, err)

			out, err := Decompress(blob, ctype)
			require.NoError(t, err)
			assert.Equal(t, "line one\nline two\n", string(out))
		})
	}
}

func TestGzipLevelClamped(t *testing.T) {
	// Out-of-range levels fall back to the default instead of failing.
	blob, err := Compress([]byte("hello"), types.CompressionGzip, 42)
	require.NoError(t, err)
	out, err := Decompress(blob, types.CompressionGzip)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}
