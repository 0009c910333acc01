package kgo

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

// DecompressZstdMessageSet decompresses a zstd-compressed MessageSet body,
// the wire-compression attribute bit set on a fetched record batch would
// carry. Fetch/consume is out of scope for this module's core, so no
// produce or metadata code path calls this; it is exercised directly by
// fetch_stub_test.go so a future fetch layer built on top of this module
// can decompress a zstd-compressed batch without its own zstd
// implementation.
func DecompressZstdMessageSet(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
