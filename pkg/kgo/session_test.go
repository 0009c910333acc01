package kgo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brokerkit/kcore/pkg/kmsg"
	"github.com/stretchr/testify/require"
)

func TestSessionDedupsConnectionsPerAddress(t *testing.T) {
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		return metadataResponseBody(t, 1, "127.0.0.1", 9092, "orders", 1)
	})
	host, port := fb.addr()

	s := NewSession(WithBootstrapServers(host + ":9999"))
	defer s.Close()

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ch, err := s.Send(context.Background(), &kmsg.MetadataRequestV0{Topics: []string{"orders"}}, host, port, true)
			require.NoError(t, err)
			<-ch
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&fb.connects))
}

func TestSessionSendAfterCloseFails(t *testing.T) {
	fb := newFakeBroker(t, func(req fakeRequest) []byte { return nil })
	host, port := fb.addr()

	s := NewSession(WithBootstrapServers(host + ":9999"))
	s.Close()

	_, err := s.Send(context.Background(), &kmsg.MetadataRequestV0{}, host, port, true)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionCloseClosesSocketBeforeReturning(t *testing.T) {
	block := make(chan struct{})
	fb := newFakeBroker(t, func(req fakeRequest) []byte {
		<-block
		return nil
	})
	host, port := fb.addr()
	defer close(block)

	s := NewSession(WithBootstrapServers(host + ":9999"))
	ch, err := s.Send(context.Background(), &kmsg.MetadataRequestV0{}, host, port, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fb.connects) == 1
	}, 2*time.Second, 10*time.Millisecond, "fake broker should observe one connection")
	time.Sleep(50 * time.Millisecond) // let the write loop finish registering the pending request

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close should return promptly, draining pending sends")
	}

	select {
	case res := <-ch:
		require.Error(t, res.err)
	default:
		t.Fatal("pending send should have been resolved by Close")
	}
}
