package kmsg

import "github.com/brokerkit/kcore/pkg/kbin"

// API keys for the two request types this module's core speaks.
const (
	ApiKeyProduce  int16 = 0
	ApiKeyMetadata int16 = 3
)

// Request is implemented by each versioned request body (MetadataRequestV0,
// ProduceRequestV2). AppendTo writes the body only; the caller frames it
// with the envelope in EncodeEnvelope.
type Request interface {
	ApiKey() int16
	ApiVersion() int16
	AppendTo(b *kbin.Builder)
}

// EncodeEnvelope writes a full request frame: the int32 size prefix
// followed by apiKey, apiVersion, correlationId, clientId, and the
// request's own encoded body.
func EncodeEnvelope(req Request, correlationID int32, clientID string) []byte {
	body := kbin.NewBuilder(nil)
	body.AddInt16(req.ApiKey())
	body.AddInt16(req.ApiVersion())
	body.AddInt32(correlationID)
	body.AddString(&clientID)
	req.AppendTo(body)
	payload := body.TakeBytes()

	full := kbin.NewBuilder(make([]byte, 0, 4+len(payload)))
	full.AddInt32(int32(len(payload)))
	full.AddRaw(payload)
	return full.TakeBytes()
}

// DecodeResponseEnvelope reads the outer response envelope from a frame
// whose leading int32 size prefix has already been consumed by the reader
// that pulled it off the socket (the Broker Connection reads the size
// prefix itself to know how many bytes to read; see pkg/kgo). It returns
// the correlation id and the response body bytes.
func DecodeResponseEnvelope(frame []byte) (correlationID int32, body []byte, err error) {
	r := kbin.NewReader(frame)
	correlationID = r.ReadInt32()
	if err = r.Complete(); err != nil {
		return 0, nil, err
	}
	return correlationID, r.Src[r.Position():], nil
}
