package kgo

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"time"

	"github.com/brokerkit/kcore/pkg/kbin"
	"github.com/brokerkit/kcore/pkg/kerr"
	"github.com/brokerkit/kcore/pkg/kmsg"
)

// ProducerRecord is an immutable application record to send.
type ProducerRecord struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Timestamp time.Time // zero means "use time.Now() at send time"
}

// ProduceResult is what Producer.Send returns on success.
type ProduceResult struct {
	TopicPartition kmsg.TopicPartition
	Offset         int64
	Timestamp      int64
}

// Serializer turns an application value into wire bytes. It is the only
// plug-in interface the core stipulates; a nil Serializer passes values
// through as already-encoded []byte, matching the common case of the
// caller serializing before constructing a ProducerRecord.
type Serializer func(v interface{}) ([]byte, error)

// Producer turns ProducerRecords into ProduceRequests, resolves the
// partition leader through the Session's Metadata Cache, and surfaces
// results.
type Producer struct {
	session       *Session
	keySerialize  Serializer
	valSerialize  Serializer
}

// ProducerOpt configures a Producer built with NewProducer.
type ProducerOpt func(*Producer)

// WithKeySerializer overrides how record keys are serialized. Default
// passes []byte values through unchanged.
func WithKeySerializer(fn Serializer) ProducerOpt {
	return func(p *Producer) { p.keySerialize = fn }
}

// WithValueSerializer overrides how record values are serialized. Default
// passes []byte values through unchanged.
func WithValueSerializer(fn Serializer) ProducerOpt {
	return func(p *Producer) { p.valSerialize = fn }
}

func passthroughSerializer(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return nil, errUnserializableValue
}

var errUnserializableValue = &serializeError{}

type serializeError struct{}

func (*serializeError) Error() string {
	return "kgo: value is not []byte or string; configure a Serializer"
}

// NewProducer returns a Producer bound to session.
func NewProducer(session *Session, opts ...ProducerOpt) *Producer {
	p := &Producer{
		session:      session,
		keySerialize: passthroughSerializer,
		valSerialize: passthroughSerializer,
	}
	for _, o := range opts {
		o(p)
	}
	if p.keySerialize == nil {
		p.keySerialize = passthroughSerializer
	}
	if p.valSerialize == nil {
		p.valSerialize = passthroughSerializer
	}
	return p
}

// Send implements the full send(record) dispatch: it serializes, resolves
// the leader, issues the ProduceRequest, and retries retriable routing
// errors up to cfg.retries times with a refreshed metadata snapshot.
func (p *Producer) Send(ctx context.Context, rec ProducerRecord) (ProduceResult, error) {
	key, err := p.keySerialize(rec.Key)
	if err != nil {
		return ProduceResult{}, err
	}
	val, err := p.valSerialize(rec.Value)
	if err != nil {
		return ProduceResult{}, err
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := kmsg.Message{
		Magic:      kmsg.MagicV1,
		Attributes: 0,
		Timestamp:  ts.UnixMilli(),
		Key:        key,
		Value:      val,
	}
	set := kmsg.SingleMessageSet(msg)

	tp := kmsg.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}

	attempt := 0
	for {
		res, err := p.sendOnce(ctx, tp, set)
		if err == nil {
			return res, nil
		}
		if !isRetriableSendErr(err) || attempt >= p.session.cfg.retries {
			return ProduceResult{}, err
		}
		p.session.Metadata.invalidate(rec.Topic)
		attempt++
		if d := retryBackoff(attempt); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ProduceResult{}, ctx.Err()
			}
		}
	}
}

// isRetriableSendErr reports whether a sendOnce failure should trigger the
// invalidate-refetch-retry loop. ErrNoLeader is not a *kerr.Error (it can be
// raised locally, from a stale cache entry, before any broker response is
// involved) so it needs its own branch alongside kerr.IsRetriable.
func isRetriableSendErr(err error) bool {
	return kerr.IsRetriable(err) || errors.Is(err, ErrNoLeader)
}

// retryBackoff implements a 100ms base / 1s cap backoff.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (p *Producer) sendOnce(ctx context.Context, tp kmsg.TopicPartition, set kmsg.MessageSet) (ProduceResult, error) {
	meta, err := p.session.Metadata.fetchTopics(ctx, []string{tp.Topic})
	if err != nil {
		return ProduceResult{}, err
	}

	topicMeta, ok := meta.Topics[tp.Topic]
	if !ok {
		return ProduceResult{}, kerr.UnknownTopicOrPartition
	}
	if topicMeta.ErrorCode != 0 {
		return ProduceResult{}, kerr.ErrorForCode(topicMeta.ErrorCode)
	}
	partMeta, ok := topicMeta.Partitions[tp.Partition]
	if !ok {
		return ProduceResult{}, kerr.UnknownTopicOrPartition
	}
	if partMeta.ErrorCode != 0 {
		return ProduceResult{}, kerr.ErrorForCode(partMeta.ErrorCode)
	}
	if partMeta.Leader < 0 {
		return ProduceResult{}, ErrNoLeader
	}

	broker, ok := meta.Brokers[partMeta.Leader]
	if !ok {
		return ProduceResult{}, ErrNoLeader
	}

	encodedSet, err := p.encodeMessageSet(set)
	if err != nil {
		return ProduceResult{}, err
	}

	req := &kmsg.ProduceRequestV2{
		Acks:      int16(p.session.cfg.acks),
		TimeoutMs: p.session.cfg.timeoutMs,
		Topics: []kmsg.ProduceRequestTopic{{
			Topic: tp.Topic,
			Partitions: []kmsg.ProduceRequestPartition{{
				Partition:  tp.Partition,
				MessageSet: encodedSet,
			}},
		}},
	}

	expectResponse := p.session.cfg.acks != AcksNone
	resultCh, err := p.session.Send(ctx, req, broker.Host, broker.Port, expectResponse)
	if err != nil {
		return ProduceResult{}, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return ProduceResult{}, res.err
		}
		if !expectResponse {
			// acks=0: no response was awaited, so offset and timestamp
			// are reported as -1.
			return ProduceResult{TopicPartition: tp, Offset: -1, Timestamp: -1}, nil
		}
		resp, err := kmsg.DecodeProduceResponseV2(res.body)
		if err != nil {
			return ProduceResult{}, err
		}
		return resultFromResponse(tp, resp)
	case <-ctx.Done():
		return ProduceResult{}, ctx.Err()
	}
}

func resultFromResponse(tp kmsg.TopicPartition, resp *kmsg.ProduceResponseV2) (ProduceResult, error) {
	for _, t := range resp.Topics {
		if t.Topic != tp.Topic {
			continue
		}
		for _, part := range t.Partitions {
			if part.Partition != tp.Partition {
				continue
			}
			if err := kerr.ErrorForCode(part.ErrorCode); err != nil {
				return ProduceResult{}, err
			}
			return ProduceResult{
				TopicPartition: tp,
				Offset:         part.BaseOffset,
				Timestamp:      part.LogAppendTime,
			}, nil
		}
	}
	return ProduceResult{}, kerr.UnknownTopicOrPartition
}

func kmsgBuilderFor(set kmsg.MessageSet) []byte {
	b := kbin.NewBuilder(nil)
	kmsg.EncodeMessageSet(b, set)
	return b.TakeBytes()
}

// encodeMessageSet encodes set for the wire, compressing it first if the
// Producer's CompressionCodec calls for it. A compressed set is carried as
// a single outer Message whose Value is the gzip-compressed encoding of the
// inner set and whose Attributes low bits name the codec, matching the
// wrapper-message compression shape the wire format uses.
func (p *Producer) encodeMessageSet(set kmsg.MessageSet) ([]byte, error) {
	if p.session.cfg.compression == CompressionNone {
		return kmsgBuilderFor(set), nil
	}

	inner := kmsgBuilderFor(set)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(inner); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	wrapper := kmsg.Message{
		Magic:      kmsg.MagicV1,
		Attributes: int8(p.session.cfg.compression),
		Timestamp:  set[0].Message.Timestamp,
		Value:      buf.Bytes(),
	}
	return kmsgBuilderFor(kmsg.SingleMessageSet(wrapper)), nil
}
