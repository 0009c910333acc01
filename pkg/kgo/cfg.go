package kgo

import (
	"context"
	"net"
	"time"

	"github.com/brokerkit/kcore/internal/sasl"
)

// Acks is the durability level a Producer requests.
type Acks int16

const (
	// AcksNone ("fire and forget"): the Broker Connection must not wait
	// for a response at all.
	AcksNone Acks = 0
	// AcksLeader: the partition leader has appended the record.
	AcksLeader Acks = 1
	// AcksAll: every in-sync replica has appended the record.
	AcksAll Acks = -1
)

// CompressionCodec selects how produced MessageSets are compressed. The
// int8 values double as the wire format's message Attributes compression
// bits, so they must not be reordered.
type CompressionCodec int8

const (
	CompressionNone CompressionCodec = iota
	CompressionGzip
)

// DialFunc dials one broker address. The default uses a 10s-timeout
// net.Dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type cfg struct {
	bootstrapServers []string
	clientID         string

	acks      Acks
	timeoutMs int32
	retries   int

	maxRequestSize int32
	maxInFlight    int

	metadataTTL time.Duration

	dialFn             DialFunc
	maxBrokerReadBytes int32

	compression CompressionCodec

	logger Logger
	hooks  hooks

	sasls []sasl.Mechanism
}

func defaultCfg() cfg {
	return cfg{
		acks:               AcksLeader,
		timeoutMs:          30000,
		retries:            0,
		maxRequestSize:     1048576,
		maxInFlight:        5,
		metadataTTL:        5 * time.Minute,
		dialFn:             stddial,
		maxBrokerReadBytes: 100 << 20,
		logger:             nopLogger{},
	}
}

var stdDialer = net.Dialer{Timeout: 10 * time.Second}

func stddial(ctx context.Context, network, addr string) (net.Conn, error) {
	return stdDialer.DialContext(ctx, network, addr)
}

// Opt configures a Session (and, through it, every Producer built on that
// Session).
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithBootstrapServers sets the host:port list used to bootstrap the first
// metadata fetch. Required.
func WithBootstrapServers(addrs ...string) Opt {
	return optFunc(func(c *cfg) { c.bootstrapServers = append([]string(nil), addrs...) })
}

// WithClientID sets the logical identifier echoed in every request
// envelope. Default "".
func WithClientID(id string) Opt {
	return optFunc(func(c *cfg) { c.clientID = id })
}

// WithAcks sets the producer's durability level. Default AcksLeader.
func WithAcks(a Acks) Opt {
	return optFunc(func(c *cfg) { c.acks = a })
}

// WithTimeoutMs sets the server-side ack timeout carried in each
// ProduceRequest. Default 30000.
func WithTimeoutMs(ms int32) Opt {
	return optFunc(func(c *cfg) { c.timeoutMs = ms })
}

// WithRetries sets the maximum number of retries per send on retriable
// errors. Default 0.
func WithRetries(n int) Opt {
	return optFunc(func(c *cfg) { c.retries = n })
}

// WithMaxRequestSize bounds the encoded size of a single request. Default
// 1048576.
func WithMaxRequestSize(n int32) Opt {
	return optFunc(func(c *cfg) { c.maxRequestSize = n })
}

// WithMaxInFlightRequestsPerConnection bounds concurrent pending requests
// per Broker Connection. Default 5.
func WithMaxInFlightRequestsPerConnection(n int) Opt {
	return optFunc(func(c *cfg) { c.maxInFlight = n })
}

// WithMetadataTTL overrides the metadata cache's freshness window. Default
// 5 minutes.
func WithMetadataTTL(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.metadataTTL = d })
}

// WithDialFunc overrides how broker TCP connections are dialed.
func WithDialFunc(fn DialFunc) Opt {
	return optFunc(func(c *cfg) { c.dialFn = fn })
}

// WithMaxBrokerReadBytes bounds how large a single response frame's
// claimed length may be before the Broker Connection refuses to read it
// and treats the stream as desynchronized.
func WithMaxBrokerReadBytes(n int32) Opt {
	return optFunc(func(c *cfg) { c.maxBrokerReadBytes = n })
}

// WithLogger installs a Logger. Default is a no-op logger; see
// NewZerologLogger for the structured adapter this module ships.
func WithLogger(l Logger) Opt {
	return optFunc(func(c *cfg) { c.logger = l })
}

// WithHooks registers observation hooks (BrokerConnectHook,
// BrokerWriteHook, BrokerReadHook, BrokerDisconnectHook).
func WithHooks(hs ...Hook) Opt {
	return optFunc(func(c *cfg) { c.hooks = append(c.hooks, hs...) })
}

// WithSASL registers a SASL mechanism to authenticate with after connect.
// SASL handshakes are out of scope for this module's core; registering a
// mechanism is for callers that have their own reason to authenticate.
func WithSASL(m sasl.Mechanism) Opt {
	return optFunc(func(c *cfg) { c.sasls = append(c.sasls, m) })
}

// WithCompression selects the codec applied to produced MessageSets.
// Default CompressionNone.
func WithCompression(codec CompressionCodec) Opt {
	return optFunc(func(c *cfg) { c.compression = codec })
}
