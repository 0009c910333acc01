// Package sasl defines the pluggable authentication seam the Broker
// Connection's init sequence is built around, mirroring
// github.com/twmb/franz-go/pkg/sasl. SASL handshakes themselves are out of
// scope for this module's core: no default configuration registers a
// Mechanism, and a connection with no configured mechanisms skips
// authentication entirely, going straight to Ready.
package sasl

import "context"

// Session drives one SASL exchange: Challenge is called with the server's
// latest challenge bytes (on the first call, the server's reply to the
// bytes Authenticate returned) and returns the client's response, or
// done=true once no further challenge is expected.
type Session interface {
	Challenge(challenge []byte) (done bool, clientResponse []byte, err error)
}

// Mechanism names an authentication mechanism and starts a Session against
// addr. Authenticate returns the first bytes the client should write, which
// may be empty for mechanisms that wait for a server-sent challenge first.
type Mechanism interface {
	Name() string
	Authenticate(ctx context.Context, addr string) (Session, []byte, error)
}
