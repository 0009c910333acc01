package kmsg

import "github.com/brokerkit/kcore/pkg/kbin"

// ProduceRequestPartition carries one partition's already-encoded
// MessageSet, framed as `bytes`.
type ProduceRequestPartition struct {
	Partition  int32
	MessageSet []byte
}

// ProduceRequestTopic groups the partitions being produced to within one
// topic.
type ProduceRequestTopic struct {
	Topic      string
	Partitions []ProduceRequestPartition
}

// ProduceRequestV2 is the request body for the Produce API, version 2.
type ProduceRequestV2 struct {
	Acks      int16
	TimeoutMs int32
	Topics    []ProduceRequestTopic
}

func (*ProduceRequestV2) ApiKey() int16     { return ApiKeyProduce }
func (*ProduceRequestV2) ApiVersion() int16 { return 2 }

func (r *ProduceRequestV2) AppendTo(b *kbin.Builder) {
	b.AddInt16(r.Acks)
	b.AddInt32(r.TimeoutMs)
	b.AddArray(len(r.Topics), func(i int) {
		t := r.Topics[i]
		topic := t.Topic
		b.AddString(&topic)
		b.AddArray(len(t.Partitions), func(j int) {
			p := t.Partitions[j]
			b.AddInt32(p.Partition)
			b.AddBytes(p.MessageSet)
		})
	})
}

// ProduceResponsePartition is one partition's produce result.
type ProduceResponsePartition struct {
	Partition     int32
	ErrorCode     int16
	BaseOffset    int64
	LogAppendTime int64
}

// ProduceResponseTopic groups partition results within one topic.
type ProduceResponseTopic struct {
	Topic      string
	Partitions []ProduceResponsePartition
}

// ProduceResponseV2 is the response body for the Produce API, version 2.
type ProduceResponseV2 struct {
	Topics          []ProduceResponseTopic
	ThrottleTimeMs  int32
}

// DecodeProduceResponseV2 parses a ProduceResponseV2 body.
func DecodeProduceResponseV2(body []byte) (*ProduceResponseV2, error) {
	r := kbin.NewReader(body)
	resp := &ProduceResponseV2{}

	r.ReadArray(func(i int) {
		var t ProduceResponseTopic
		name, _ := r.ReadString()
		if name != nil {
			t.Topic = *name
		}
		r.ReadArray(func(j int) {
			var p ProduceResponsePartition
			p.Partition = r.ReadInt32()
			p.ErrorCode = r.ReadInt16()
			p.BaseOffset = r.ReadInt64()
			p.LogAppendTime = r.ReadInt64()
			t.Partitions = append(t.Partitions, p)
		})
		resp.Topics = append(resp.Topics, t)
	})

	resp.ThrottleTimeMs = r.ReadInt32()

	if err := r.Complete(); err != nil {
		return nil, err
	}
	return resp, nil
}
