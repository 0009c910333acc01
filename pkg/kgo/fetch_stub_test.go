package kgo

import (
	"testing"

	"github.com/brokerkit/kcore/pkg/kmsg"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestDecompressZstdMessageSetRoundTrips(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	set := kmsg.SingleMessageSet(kmsg.Message{Magic: kmsg.MagicV1, Timestamp: 1700000000000, Value: []byte("fetched-batch")})
	original := kmsgBuilderFor(set)
	compressed := enc.EncodeAll(original, nil)

	got, err := DecompressZstdMessageSet(compressed)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestDecompressZstdMessageSetRejectsGarbage(t *testing.T) {
	_, err := DecompressZstdMessageSet([]byte("not zstd"))
	require.Error(t, err)
}
