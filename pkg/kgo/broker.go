package kgo

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/go-rbtree"

	"github.com/brokerkit/kcore/pkg/kmsg"
)

// connState is the Broker Connection state machine:
// New -> Connecting -> Ready -> Broken -> Closed, with Closed terminal.
type connState int32

const (
	connNew connState = iota
	connConnecting
	connReady
	connBroken
	connClosed
)

// sendResult is the value a Broker Connection's future resolves to: either
// the response body bytes, or an error.
type sendResult struct {
	body []byte
	err  error
}

// promisedReq is one outstanding write, queued onto writeQueue in arrival
// order. The "promise" is a channel-based future rather than a callback.
type promisedReq struct {
	ctx            context.Context
	req            kmsg.Request
	expectResponse bool
	result         chan sendResult
	enqueuedAt     time.Time
}

// pendingItem implements rbtree.Item, ordering pending requests by
// correlation id. Because correlation ids are assigned serially and
// monotonically by the one write loop, tree order also reflects arrival
// order, which is what the timeout sweep and Close drain need: find or walk
// the oldest pending request first.
type pendingItem struct {
	corrID int32
	result chan sendResult
	timer  *time.Timer
	node   *rbtree.Node
}

func (p *pendingItem) Less(other rbtree.Item) bool {
	return p.corrID < other.(*pendingItem).corrID
}

// brokerConn is one TCP connection to one broker. It exists from its first
// successful connect through to explicit Close or an unrecoverable I/O
// failure.
type brokerConn struct {
	session *Session
	meta    kmsg.Broker
	addr    string

	state int32 // atomic connState

	connMu sync.Mutex
	conn   net.Conn

	nextCorrID int32 // only touched by writeLoop

	pendingMu sync.Mutex
	pending   *rbtree.Tree
	byID      map[int32]*pendingItem

	reqs chan promisedReq

	// sem bounds the number of requests this connection has written but not
	// yet resolved (a response received, timed out, or never awaited) to
	// cfg.maxInFlight. writeLoop acquires a slot before writing a frame and
	// releases it as soon as that request's result is known, so the pending
	// set cannot grow past maxInFlight even when the broker accepts writes
	// faster than it answers them.
	sem chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newBrokerConn(s *Session, meta kmsg.Broker) *brokerConn {
	b := &brokerConn{
		session: s,
		meta:    meta,
		addr:    meta.Addr(),
		state:   int32(connNew),
		pending: rbtree.NewTree(),
		byID:    make(map[int32]*pendingItem),
		reqs:    make(chan promisedReq, s.cfg.maxInFlight),
		sem:     make(chan struct{}, s.cfg.maxInFlight),
		closed:  make(chan struct{}),
	}
	go b.writeLoop()
	return b
}

func (b *brokerConn) getState() connState  { return connState(atomic.LoadInt32(&b.state)) }
func (b *brokerConn) setState(s connState) { atomic.StoreInt32(&b.state, int32(s)) }

// send is the Broker Connection's public contract: send(request,
// expectResponse) -> future<response bytes>. acks=0 Produce requests must
// pass expectResponse=false so no entry is ever placed in pendingById.
func (b *brokerConn) send(ctx context.Context, req kmsg.Request, expectResponse bool) chan sendResult {
	result := make(chan sendResult, 1)

	if b.getState() == connClosed || b.getState() == connBroken {
		result <- sendResult{err: ErrConnectionLost}
		return result
	}

	// Pre-flight size check: the encoded frame's length does not depend
	// on which correlation id is eventually assigned (int32 is fixed
	// width), so this can run, and MessageTooLarge can be returned,
	// before any I/O happens.
	estimate := kmsg.EncodeEnvelope(req, 0, b.session.cfg.clientID)
	if int32(len(estimate)) > b.session.cfg.maxRequestSize+4 {
		result <- sendResult{err: ErrMessageTooLarge}
		return result
	}

	pr := promisedReq{
		ctx:            ctx,
		req:            req,
		expectResponse: expectResponse,
		result:         result,
		enqueuedAt:     time.Now(),
	}

	select {
	case b.reqs <- pr:
	case <-b.closed:
		result <- sendResult{err: ErrConnectionLost}
	}
	return result
}

// close drains every pending promise with ErrCanceled and transitions to
// Closed from any state.
func (b *brokerConn) close() {
	b.closeOnce.Do(func() {
		b.setState(connClosed)
		close(b.closed)
		b.connMu.Lock()
		if b.conn != nil {
			b.conn.Close()
		}
		b.connMu.Unlock()
		b.failAllPending(ErrCanceled)
		b.session.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(BrokerDisconnectHook); ok {
				h.OnDisconnect(b.meta)
			}
		})
	})
}

// failAllPending drains every pending request in correlation-id (arrival)
// order, oldest first, by walking the rbtree rather than ranging the map —
// deterministic draining is what close and die want, where a plain map
// gives none.
func (b *brokerConn) failAllPending(err error) {
	b.pendingMu.Lock()
	items := make([]*pendingItem, 0, len(b.byID))
	for n := b.pending.Min(); n != nil; n = n.Next() {
		items = append(items, n.Item.(*pendingItem))
	}
	b.byID = make(map[int32]*pendingItem)
	b.pending = rbtree.NewTree()
	b.pendingMu.Unlock()

	for _, it := range items {
		if it.timer != nil {
			it.timer.Stop()
		}
		it.result <- sendResult{err: err}
		<-b.sem
	}
}

// writeLoop is the single logical task serializing outbound frames: the
// write queue's FIFO order means concurrent send calls never interleave
// bytes on the wire.
func (b *brokerConn) writeLoop() {
	for pr := range b.reqs {
		select {
		case <-pr.ctx.Done():
			pr.result <- sendResult{err: ErrCanceled}
			continue
		default:
		}

		conn, err := b.ensureConn(pr.ctx)
		if err != nil {
			pr.result <- sendResult{err: err}
			continue
		}

		// Acquire a pending slot before writing: this is what keeps the
		// number of unresolved requests bounded at cfg.maxInFlight even
		// though writeLoop would otherwise accept and write frames faster
		// than the broker answers them.
		select {
		case b.sem <- struct{}{}:
		case <-pr.ctx.Done():
			pr.result <- sendResult{err: ErrCanceled}
			continue
		case <-b.closed:
			pr.result <- sendResult{err: ErrConnectionLost}
			continue
		}

		corrID := b.nextCorrID
		if b.nextCorrID == math.MaxInt32 {
			b.nextCorrID = 0
		} else {
			b.nextCorrID++
		}

		frame := kmsg.EncodeEnvelope(pr.req, corrID, b.session.cfg.clientID)

		var item *pendingItem
		if pr.expectResponse {
			item = &pendingItem{corrID: corrID, result: pr.result}
			b.pendingMu.Lock()
			item.node = b.pending.Insert(item)
			b.byID[corrID] = item
			b.pendingMu.Unlock()

			if ms := b.session.cfg.timeoutMs; ms > 0 {
				item.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
					b.expire(corrID)
				})
			}
		}

		start := time.Now()
		_, writeErr := writeFull(conn, frame)
		b.session.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(BrokerWriteHook); ok {
				h.OnWrite(b.meta, pr.req.ApiKey(), len(frame), start.Sub(pr.enqueuedAt), time.Since(start), writeErr)
			}
		})

		if writeErr != nil {
			if !pr.expectResponse {
				pr.result <- sendResult{err: ErrConnectionLost}
				<-b.sem
			}
			// An expectResponse item is already in the pending tree;
			// die's failAllPending call fails it and releases its slot.
			b.die(ErrConnectionLost)
			continue
		}

		if !pr.expectResponse {
			// acks=0: resolve immediately after bytes are handed to
			// the transport; no response is awaited, so this slot
			// frees up right away instead of waiting on a response
			// that will never arrive.
			pr.result <- sendResult{body: nil, err: nil}
			<-b.sem
		}
	}
}

func writeFull(conn net.Conn, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := conn.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// expire completes a still-pending request with ErrRequestTimedOut. This
// does not close the connection.
func (b *brokerConn) expire(corrID int32) {
	b.pendingMu.Lock()
	item, ok := b.byID[corrID]
	if ok {
		delete(b.byID, corrID)
		b.pending.Delete(item.node)
	}
	b.pendingMu.Unlock()
	if ok {
		item.result <- sendResult{err: ErrRequestTimedOut}
		<-b.sem
	}
}

// ensureConn lazily dials and starts the read loop the first time this
// connection is used. It returns ErrConnectionLost if the connection has
// already failed, and ErrCanceled if it has been closed (including a close
// that arrives while the dial is in progress).
func (b *brokerConn) ensureConn(ctx context.Context) (net.Conn, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.getState() == connClosed {
		return nil, ErrCanceled
	}
	if b.getState() == connBroken {
		return nil, ErrConnectionLost
	}
	if b.conn != nil {
		return b.conn, nil
	}

	b.setState(connConnecting)
	start := time.Now()
	conn, err := b.session.cfg.dialFn(ctx, "tcp", b.addr)
	dialDuration := time.Since(start)

	b.session.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(BrokerConnectHook); ok {
			h.OnConnect(b.meta, dialDuration, err)
		}
	})

	if err != nil {
		b.setState(connBroken)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}
	if b.getState() == connClosed {
		conn.Close()
		return nil, ErrCanceled
	}

	if len(b.session.cfg.sasls) > 0 {
		if err := b.authenticate(ctx, conn); err != nil {
			conn.Close()
			b.setState(connBroken)
			return nil, err
		}
	}

	b.conn = conn
	b.setState(connReady)
	go b.readLoop(conn)
	return conn, nil
}

func (b *brokerConn) authenticate(ctx context.Context, conn net.Conn) error {
	mech := b.session.cfg.sasls[0]
	sess, clientFirst, err := mech.Authenticate(ctx, b.addr)
	if err != nil {
		return err
	}
	challenge := clientFirst
	for {
		if _, err := writeSaslFrame(conn, challenge); err != nil {
			return err
		}
		var sz [4]byte
		if _, err := io.ReadFull(conn, sz[:]); err != nil {
			return err
		}
		n := int32(binary.BigEndian.Uint32(sz[:]))
		if n < 0 || n > b.session.cfg.maxBrokerReadBytes {
			return ErrMalformedInput
		}
		serverMsg := make([]byte, n)
		if _, err := io.ReadFull(conn, serverMsg); err != nil {
			return err
		}
		done, resp, err := sess.Challenge(serverMsg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		challenge = resp
	}
}

func writeSaslFrame(conn net.Conn, p []byte) (int, error) {
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(len(p)))
	if _, err := conn.Write(sz[:]); err != nil {
		return 0, err
	}
	return writeFull(conn, p)
}

// readLoop is the single logical task reading length-prefixed response
// frames, extracting the correlation id, and completing the matching
// pending promise with the remaining body. A response whose
// correlation id is not pending is logged and discarded, not an error.
func (b *brokerConn) readLoop(conn net.Conn) {
	for {
		sizeBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, sizeBuf); err != nil {
			b.die(ErrConnectionLost)
			return
		}
		size := int32(binary.BigEndian.Uint32(sizeBuf))
		if size < 0 || size > b.session.cfg.maxBrokerReadBytes {
			b.session.cfg.logger.Log(LogLevelWarn, "broker response size out of bounds, killing connection", "addr", b.addr, "size", size)
			b.die(ErrMalformedInput)
			return
		}

		body := make([]byte, size)
		start := time.Now()
		if _, err := io.ReadFull(conn, body); err != nil {
			b.die(ErrConnectionLost)
			return
		}

		corrID, rest, err := kmsg.DecodeResponseEnvelope(body)
		b.session.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(BrokerReadHook); ok {
				h.OnRead(b.meta, 0, len(body), 0, time.Since(start), err)
			}
		})
		if err != nil {
			b.session.cfg.logger.Log(LogLevelWarn, "truncated response frame, killing connection", "addr", b.addr, "err", err)
			b.die(ErrTruncatedInput)
			return
		}

		b.pendingMu.Lock()
		item, ok := b.byID[corrID]
		if ok {
			delete(b.byID, corrID)
			b.pending.Delete(item.node)
		}
		b.pendingMu.Unlock()

		if !ok {
			b.session.cfg.logger.Log(LogLevelDebug, "discarding response for unknown correlation id", "addr", b.addr, "corrID", corrID)
			continue
		}
		if item.timer != nil {
			item.timer.Stop()
		}
		item.result <- sendResult{body: rest}
		<-b.sem
	}
}

// die transitions the connection to Broken and fails every outstanding
// pending promise with err.
func (b *brokerConn) die(err error) {
	if b.getState() == connClosed {
		return
	}
	b.setState(connBroken)
	b.connMu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.connMu.Unlock()
	b.failAllPending(err)
}
