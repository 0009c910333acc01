package kgo

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/brokerkit/kcore/pkg/kbin"
	"github.com/stretchr/testify/require"
)

// fakeRequest is what the fake broker below hands to a per-test handler
// after stripping the request envelope.
type fakeRequest struct {
	apiKey        int16
	apiVersion    int16
	correlationID int32
	clientID      string
	body          []byte
}

// fakeBroker is a minimal broker-shaped TCP listener for exercising the
// Broker Connection and Session against real sockets without a real
// cluster, adapted to this module's wire format.
type fakeBroker struct {
	ln       net.Listener
	handle   func(fakeRequest) []byte // returns response body, or nil to send no response
	connects int32
}

func newFakeBroker(t *testing.T, handle func(fakeRequest) []byte) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBroker{ln: ln, handle: handle}
	go fb.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBroker) addr() (string, int32) {
	tcpAddr := fb.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", int32(tcpAddr.Port)
}

func (fb *fakeBroker) acceptLoop() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&fb.connects, 1)
		go fb.serve(conn)
	}
}

func (fb *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	for {
		sizeBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, sizeBuf); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(sizeBuf)
		buf := make([]byte, size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}

		r := kbin.NewReader(buf)
		req := fakeRequest{}
		req.apiKey = r.ReadInt16()
		req.apiVersion = r.ReadInt16()
		req.correlationID = r.ReadInt32()
		clientID, _ := r.ReadString()
		if clientID != nil {
			req.clientID = *clientID
		}
		req.body = r.Src[r.Position():]

		respBody := fb.handle(req)
		if respBody == nil {
			continue
		}

		b := kbin.NewBuilder(nil)
		b.AddInt32(req.correlationID)
		b.AddRaw(respBody)
		payload := b.TakeBytes()

		full := kbin.NewBuilder(nil)
		full.AddInt32(int32(len(payload)))
		full.AddRaw(payload)
		if _, err := conn.Write(full.TakeBytes()); err != nil {
			return
		}
	}
}
