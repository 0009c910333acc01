// Package kmsg implements the broker's per-request/response wire schemas on
// top of pkg/kbin, plus the cluster topology types (Broker, TopicPartition,
// ClusterMetadata, ...) those schemas decode into. It mirrors the shape of
// github.com/twmb/franz-go/pkg/kmsg: one file per concern, a Request/
// Response pair per supported API, versioned by ApiVersion.
package kmsg

import "time"

// Broker identifies one node of the cluster. Identity is NodeID; two Broker
// values with the same NodeID but different Host/Port mean the cluster
// topology changed underneath a cached entry.
type Broker struct {
	NodeID int32
	Host   string
	Port   int32
}

// Addr returns "host:port" suitable for net.Dial.
func (b Broker) Addr() string {
	return b.Host + ":" + itoa(b.Port)
}

// TopicPartition is the canonical routing key for produce requests and
// metadata lookups.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// PartitionMetadata describes one partition's leader, replica set, and ISR
// as of the last metadata fetch. Leader == -1 means the partition currently
// has no elected leader.
type PartitionMetadata struct {
	Partition int32
	Leader    int32
	Replicas  []int32
	ISR       []int32
	ErrorCode int16
}

// TopicMetadata describes one topic's partitions as of the last metadata
// fetch.
type TopicMetadata struct {
	Topic      string
	ErrorCode  int16
	Partitions map[int32]PartitionMetadata
}

// ClusterMetadata is an immutable snapshot of cluster topology. A refresh
// replaces the whole snapshot; callers never mutate one in place.
//
// Invariant: every Leader nodeID referenced by a PartitionMetadata with
// Leader >= 0 appears as a key in Brokers.
type ClusterMetadata struct {
	Brokers   map[int32]Broker
	Topics    map[string]TopicMetadata
	FetchedAt time.Time
}

// Message is a single producer record as it is framed on the wire. CRC is
// the CRC-32 (IEEE polynomial) checksum of every byte following it.
type Message struct {
	CRC        int32
	Magic      int8
	Attributes int8
	Timestamp  int64
	Key        []byte
	Value      []byte
}

// MagicV1 is the only message format version this module produces.
const MagicV1 int8 = 1

// MessageSetEntry is one offset-tagged entry of a MessageSet. On produce,
// clients write Offset = 0 placeholders; the broker assigns real offsets.
type MessageSetEntry struct {
	Offset  int64
	Size    int32
	Message Message
}

// MessageSet is a sequence of offset-tagged messages.
type MessageSet []MessageSetEntry

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
