package kmsg

import "github.com/brokerkit/kcore/pkg/kbin"

// MetadataRequestV0 asks for metadata about Topics. An empty Topics slice
// means "all topics".
type MetadataRequestV0 struct {
	Topics []string
}

func (*MetadataRequestV0) ApiKey() int16      { return ApiKeyMetadata }
func (*MetadataRequestV0) ApiVersion() int16  { return 0 }
func (r *MetadataRequestV0) AppendTo(b *kbin.Builder) {
	b.AddArray(len(r.Topics), func(i int) {
		t := r.Topics[i]
		b.AddString(&t)
	})
}

// MetadataResponseV0 is the broker's reply: the full set of known brokers
// plus per-topic partition metadata.
type MetadataResponseV0 struct {
	Brokers []Broker
	Topics  []TopicMetadata
}

// DecodeMetadataResponseV0 parses a MetadataResponseV0 body.
func DecodeMetadataResponseV0(body []byte) (*MetadataResponseV0, error) {
	r := kbin.NewReader(body)
	resp := &MetadataResponseV0{}

	r.ReadArray(func(i int) {
		var b Broker
		b.NodeID = r.ReadInt32()
		host, _ := r.ReadString()
		if host != nil {
			b.Host = *host
		}
		b.Port = r.ReadInt32()
		resp.Brokers = append(resp.Brokers, b)
	})

	r.ReadArray(func(i int) {
		var tm TopicMetadata
		tm.ErrorCode = r.ReadInt16()
		name, _ := r.ReadString()
		if name != nil {
			tm.Topic = *name
		}
		tm.Partitions = make(map[int32]PartitionMetadata)

		r.ReadArray(func(j int) {
			var pm PartitionMetadata
			pm.ErrorCode = r.ReadInt16()
			pm.Partition = r.ReadInt32()
			pm.Leader = r.ReadInt32()
			r.ReadArray(func(k int) {
				pm.Replicas = append(pm.Replicas, r.ReadInt32())
			})
			r.ReadArray(func(k int) {
				pm.ISR = append(pm.ISR, r.ReadInt32())
			})
			tm.Partitions[pm.Partition] = pm
		})

		resp.Topics = append(resp.Topics, tm)
	})

	if err := r.Complete(); err != nil {
		return nil, err
	}
	return resp, nil
}
