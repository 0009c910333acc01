package kmsg

import (
	"errors"
	"hash/crc32"

	"github.com/brokerkit/kcore/pkg/kbin"
)

// crcTable is the IEEE polynomial (0xEDB88320) table the wire format's
// message checksum uses; hash/crc32.IEEETable is defined over exactly
// that polynomial.
var crcTable = crc32.IEEETable

// EncodeMessage appends a single Message to b, writing its CRC over every
// byte that follows the CRC field itself.
func EncodeMessage(b *kbin.Builder, m Message) {
	tail := kbin.NewBuilder(nil)
	tail.AddInt8(m.Magic)
	tail.AddInt8(m.Attributes)
	tail.AddInt64(m.Timestamp)
	tail.AddBytes(m.Key)
	tail.AddBytes(m.Value)
	tailBytes := tail.TakeBytes()

	crc := crc32.Checksum(tailBytes, crcTable)
	b.AddInt32(int32(crc))
	b.AddRaw(tailBytes)
}

// ErrCorruptMessage is returned by DecodeMessage when the wire CRC does not
// match the recomputed checksum of the message tail.
var ErrCorruptMessage = errors.New("kmsg: message failed CRC verification")

// DecodeMessage reads one Message from r and verifies its CRC, returning
// ErrCorruptMessage if the computed checksum does not match the wire value.
func DecodeMessage(r *kbin.Reader) (Message, error) {
	var m Message
	m.CRC = r.ReadInt32()
	tailStart := r.Position()
	m.Magic = r.ReadInt8()
	m.Attributes = r.ReadInt8()
	m.Timestamp = r.ReadInt64()
	key, _ := r.ReadBytes()
	m.Key = key
	val, _ := r.ReadBytes()
	m.Value = val
	if err := r.Complete(); err != nil {
		return m, err
	}
	tail := r.Src[tailStart:r.Position()]
	if int32(crc32.Checksum(tail, crcTable)) != m.CRC {
		return m, ErrCorruptMessage
	}
	return m, nil
}

// VerifyMessageCRC recomputes the CRC over raw (the encoded bytes of a
// single message, CRC field included) and reports whether it matches the
// CRC carried in the first four bytes.
func VerifyMessageCRC(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	r := kbin.NewReader(raw)
	want := r.ReadInt32()
	tail := raw[4:]
	got := crc32.Checksum(tail, crcTable)
	return int32(got) == want
}

// EncodeMessageSet appends a MessageSet, one offset/size/message triple per
// entry, with no outer length prefix (callers frame the whole set as
// `bytes` in the ProduceRequest schema).
func EncodeMessageSet(b *kbin.Builder, set MessageSet) {
	for _, entry := range set {
		b.AddInt64(entry.Offset)
		mb := kbin.NewBuilder(nil)
		EncodeMessage(mb, entry.Message)
		encoded := mb.TakeBytes()
		b.AddInt32(int32(len(encoded)))
		b.AddRaw(encoded)
	}
}

// SingleMessageSet builds a MessageSet containing exactly one message with
// the offset-0 placeholder a producer writes; the broker assigns the real
// offset.
func SingleMessageSet(m Message) MessageSet {
	return MessageSet{{Offset: 0, Size: 0, Message: m}}
}
