package kgo

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/brokerkit/kcore/pkg/kmsg"
)

// Session is a keyed pool of Broker Connections, one per distinct
// (host,port). It owns the Metadata Cache for its whole lifetime and
// outlives every connection it creates.
type Session struct {
	cfg cfg

	connsMu sync.Mutex
	conns   map[string]*connSlot

	Metadata *metadataCache

	closeOnce sync.Once
	closed    chan struct{}
}

// connSlot coordinates the "only one connect in flight per address" rule:
// the first concurrent caller creates the brokerConn and closes ready as
// soon as it is constructed; later callers for the same address wait on
// ready and share that brokerConn. Dialing itself happens lazily in the
// brokerConn's ensureConn, serialized by its connMu, so no second TCP
// connect is raced.
type connSlot struct {
	ready chan struct{}
	conn  *brokerConn
}

// NewSession constructs a Session from the given options. WithBootstrapServers
// is required.
func NewSession(opts ...Opt) *Session {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	s := &Session{
		cfg:    c,
		conns:  make(map[string]*connSlot),
		closed: make(chan struct{}),
	}
	s.Metadata = newMetadataCache(s)
	return s
}

// Send routes request to the Broker Connection for host:port, lazily
// creating it if necessary. Concurrent Send calls for the same address
// share one connection and do not race its creation. expectResponse must
// be false for acks=0 Produce requests: the caller, not the Session,
// knows whether a response is expected for a given request.
func (s *Session) Send(ctx context.Context, req kmsg.Request, host string, port int32, expectResponse bool) (chan sendResult, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	conn, err := s.connFor(kmsg.Broker{Host: host, Port: port})
	if err != nil {
		return nil, err
	}
	return conn.send(ctx, req, expectResponse), nil
}

func (s *Session) connFor(meta kmsg.Broker) (*brokerConn, error) {
	key := net.JoinHostPort(meta.Host, strconv.Itoa(int(meta.Port)))

	s.connsMu.Lock()
	slot, ok := s.conns[key]
	if ok {
		s.connsMu.Unlock()
		<-slot.ready
		return slot.conn, nil
	}
	slot = &connSlot{ready: make(chan struct{})}
	s.conns[key] = slot
	s.connsMu.Unlock()

	slot.conn = newBrokerConn(s, meta)
	close(slot.ready)
	return slot.conn, nil
}

// Close closes every Broker Connection in unspecified order, then returns.
// After Close, Send fails with ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.connsMu.Lock()
		slots := make([]*connSlot, 0, len(s.conns))
		for _, slot := range s.conns {
			slots = append(slots, slot)
		}
		s.connsMu.Unlock()

		for _, slot := range slots {
			<-slot.ready
			slot.conn.close()
		}
	})
}
