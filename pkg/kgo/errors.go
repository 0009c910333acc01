package kgo

import "errors"

// Transport- and session-level sentinel errors, following a flat var-block
// convention (github.com/twmb/franz-go/pkg/kgo's ErrBrokerDead, ErrConnDead,
// etc.) rather than a typed hierarchy.
var (
	// ErrConnectionLost is returned by a pending send, and by any send
	// issued afterward, once a Broker Connection's read or write loop
	// has observed an I/O failure.
	ErrConnectionLost = errors.New("kgo: connection lost")

	// ErrConnectTimeout is returned when dialing a broker does not
	// complete before the configured connect timeout.
	ErrConnectTimeout = errors.New("kgo: connect timed out")

	// ErrCanceled is returned for a request whose context is done before
	// its frame is written, and to every request still outstanding when
	// its Broker Connection is closed. A context that ends while a caller
	// is awaiting a response surfaces as ctx.Err() instead; the
	// underlying wire frame is not aborted.
	ErrCanceled = errors.New("kgo: request canceled")

	// ErrSessionClosed is returned by Session.Send after Session.Close
	// has been called.
	ErrSessionClosed = errors.New("kgo: session closed")

	// ErrRequestTimedOut is returned when a request's response does not
	// arrive within config.timeoutMs of the first byte being written.
	// It does not close the connection.
	ErrRequestTimedOut = errors.New("kgo: request timed out")

	// ErrMessageTooLarge is returned before any I/O when an encoded
	// request exceeds maxRequestSize.
	ErrMessageTooLarge = errors.New("kgo: encoded request exceeds maxRequestSize")

	// ErrNoLeader is returned when a partition's cached leader is -1 or
	// missing from the broker map.
	ErrNoLeader = errors.New("kgo: partition has no leader")

	// ErrTruncatedInput is returned when a response frame ends before a
	// field it promised (by its own length prefix) could be fully read.
	ErrTruncatedInput = errors.New("kgo: truncated response")

	// ErrMalformedInput is returned when a response frame carries a
	// structurally invalid length or encoding.
	ErrMalformedInput = errors.New("kgo: malformed response")
)
