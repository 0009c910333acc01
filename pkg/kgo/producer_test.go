package kgo

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brokerkit/kcore/pkg/kbin"
	"github.com/brokerkit/kcore/pkg/kerr"
	"github.com/brokerkit/kcore/pkg/kmsg"
	"github.com/stretchr/testify/require"
)

func produceResponseBody(t *testing.T, topic string, partition int32, errorCode int16, offset int64) []byte {
	t.Helper()
	b := kbin.NewBuilder(nil)
	b.AddArray(1, func(i int) {
		tn := topic
		b.AddString(&tn)
		b.AddArray(1, func(j int) {
			b.AddInt32(partition)
			b.AddInt16(errorCode)
			b.AddInt64(offset)
			b.AddInt64(-1)
		})
	})
	b.AddInt32(0)
	return b.TakeBytes()
}

func TestProducerSendAcksLeaderSuccess(t *testing.T) {
	var host string
	var port int32
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		switch req.apiKey {
		case kmsg.ApiKeyMetadata:
			return metadataResponseBody(t, 1, host, port, "orders", 1)
		case kmsg.ApiKeyProduce:
			return produceResponseBody(t, "orders", 0, 0, 42)
		}
		t.Fatalf("unexpected apiKey %d", req.apiKey)
		return nil
	})
	host, port = fb.addr()

	s := NewSession(WithBootstrapServers(host + ":" + portString(port)))
	defer s.Close()
	p := NewProducer(s)

	res, err := p.Send(context.Background(), ProducerRecord{Topic: "orders", Partition: 0, Value: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, int64(42), res.Offset)
}

func TestProducerSendAcksNoneReturnsSentinelOffsets(t *testing.T) {
	var host string
	var port int32
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		if req.apiKey == kmsg.ApiKeyMetadata {
			return metadataResponseBody(t, 1, host, port, "orders", 1)
		}
		return nil // acks=0: no response sent, none expected
	})
	host, port = fb.addr()

	s := NewSession(WithBootstrapServers(host+":"+portString(port)), WithAcks(AcksNone))
	defer s.Close()
	p := NewProducer(s)

	res, err := p.Send(context.Background(), ProducerRecord{Topic: "orders", Partition: 0, Value: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, int64(-1), res.Offset)
	require.Equal(t, int64(-1), res.Timestamp)
}

func TestProducerRetriesOnNotLeaderForPartition(t *testing.T) {
	var produceAttempts int32
	var metaCalls int32
	var host string
	var port int32
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		switch req.apiKey {
		case kmsg.ApiKeyMetadata:
			n := atomic.AddInt32(&metaCalls, 1)
			if n == 1 {
				return metadataResponseBody(t, 1, host, port, "orders", 1)
			}
			return metadataResponseBody(t, 1, host, port, "orders", 1)
		case kmsg.ApiKeyProduce:
			n := atomic.AddInt32(&produceAttempts, 1)
			if n == 1 {
				return produceResponseBody(t, "orders", 0, kerr.NotLeaderForPartition.Code, 0)
			}
			return produceResponseBody(t, "orders", 0, 0, 99)
		}
		return nil
	})
	host, port = fb.addr()

	s := NewSession(WithBootstrapServers(host+":"+portString(port)), WithRetries(2))
	defer s.Close()
	p := NewProducer(s)

	res, err := p.Send(context.Background(), ProducerRecord{Topic: "orders", Partition: 0, Value: []byte("retry-me")})
	require.NoError(t, err)
	require.Equal(t, int64(99), res.Offset)
	require.GreaterOrEqual(t, atomic.LoadInt32(&produceAttempts), int32(2))
}

func TestProducerRetriesWhenLeaderMissing(t *testing.T) {
	var metaCalls int32
	var produceAttempts int32
	var host string
	var port int32
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		switch req.apiKey {
		case kmsg.ApiKeyMetadata:
			n := atomic.AddInt32(&metaCalls, 1)
			if n == 1 {
				return metadataResponseBody(t, 1, host, port, "orders", -1)
			}
			return metadataResponseBody(t, 1, host, port, "orders", 1)
		case kmsg.ApiKeyProduce:
			atomic.AddInt32(&produceAttempts, 1)
			return produceResponseBody(t, "orders", 0, 0, 7)
		}
		return nil
	})
	host, port = fb.addr()

	s := NewSession(WithBootstrapServers(host+":"+portString(port)), WithRetries(2))
	defer s.Close()
	p := NewProducer(s)

	res, err := p.Send(context.Background(), ProducerRecord{Topic: "orders", Partition: 0, Value: []byte("no-leader-yet")})
	require.NoError(t, err)
	require.Equal(t, int64(7), res.Offset)
	require.GreaterOrEqual(t, atomic.LoadInt32(&metaCalls), int32(2))
	require.Equal(t, int32(1), atomic.LoadInt32(&produceAttempts))
}

func TestProducerEncodeMessageSetGzipWrapsAndTagsAttributes(t *testing.T) {
	s := NewSession(WithBootstrapServers("127.0.0.1:0"), WithCompression(CompressionGzip))
	defer s.Close()
	p := NewProducer(s)

	inner := kmsg.Message{Magic: kmsg.MagicV1, Timestamp: 1700000000000, Value: []byte("payload")}
	set := kmsg.SingleMessageSet(inner)

	encoded, err := p.encodeMessageSet(set)
	require.NoError(t, err)

	r := kbin.NewReader(encoded)
	_ = r.ReadInt64() // offset placeholder
	size := r.ReadInt32()
	require.NoError(t, r.Complete())
	body := r.Src[r.Position() : r.Position()+int(size)]

	msg, err := kmsg.DecodeMessage(kbin.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, int8(CompressionGzip), msg.Attributes)

	gz, err := gzip.NewReader(bytes.NewReader(msg.Value))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, kmsgBuilderFor(set), decompressed)
}

func TestProducerEncodeMessageSetNoneLeavesSetUncompressed(t *testing.T) {
	s := NewSession(WithBootstrapServers("127.0.0.1:0"))
	defer s.Close()
	p := NewProducer(s)

	set := kmsg.SingleMessageSet(kmsg.Message{Magic: kmsg.MagicV1, Value: []byte("x")})
	encoded, err := p.encodeMessageSet(set)
	require.NoError(t, err)
	require.Equal(t, kmsgBuilderFor(set), encoded)
}

func TestIsRetriableSendErrClassifiesErrNoLeader(t *testing.T) {
	require.True(t, isRetriableSendErr(ErrNoLeader))
	require.False(t, isRetriableSendErr(ErrMessageTooLarge))
}

func TestProducerSendFailsFastOnMessageTooLarge(t *testing.T) {
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		return metadataResponseBody(t, 1, "127.0.0.1", 9092, "orders", 1)
	})
	host, port := fb.addr()

	s := NewSession(WithBootstrapServers(host+":"+portString(port)), WithMaxRequestSize(128))
	defer s.Close()
	p := NewProducer(s)

	huge := make([]byte, 1<<20)
	_, err := p.Send(context.Background(), ProducerRecord{Topic: "orders", Partition: 0, Value: huge})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestProducerSendCanceledWhenSessionClosedMidFlight(t *testing.T) {
	block := make(chan struct{})
	var host string
	var port int32
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		if req.apiKey == kmsg.ApiKeyMetadata {
			return metadataResponseBody(t, 1, host, port, "orders", 1)
		}
		<-block
		return nil
	})
	host, port = fb.addr()
	defer close(block)

	s := NewSession(WithBootstrapServers(host + ":" + portString(port)))
	p := NewProducer(s)

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), ProducerRecord{Topic: "orders", Partition: 0, Value: []byte("x")})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Send should resolve once the session is closed")
	}
}
