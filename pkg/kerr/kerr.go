// Package kerr classifies the broker's wire error codes into typed Go
// errors, mirroring the table-driven approach of
// github.com/twmb/franz-go/pkg/kerr.
package kerr

import "fmt"

// Error is a broker-reported error code translated into a Go error. Two
// Errors compare equal with errors.Is when their Code fields match.
type Error struct {
	Code      int16
	Name      string
	Retriable bool
	Desc      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Desc)
}

// Is allows errors.Is(err, kerr.NotLeaderForPartition) to match any *Error
// with the same code, so callers can test for a specific error without
// caring about the pointer identity of the particular instance decoded off
// the wire.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Well-known error codes from the broker's response ErrorCode fields that
// this module's producer and metadata paths need to classify. Values match
// the wire protocol's error code table.
var (
	NoError                 = &Error{Code: 0, Name: "NO_ERROR", Retriable: false, Desc: "no error"}
	Unknown                 = &Error{Code: -1, Name: "UNKNOWN", Retriable: false, Desc: "unclassified broker error"}
	CorruptMessage          = &Error{Code: 2, Name: "CORRUPT_MESSAGE", Retriable: false, Desc: "message failed its CRC checksum"}
	UnknownTopicOrPartition = &Error{Code: 3, Name: "UNKNOWN_TOPIC_OR_PARTITION", Retriable: true, Desc: "broker does not host this topic/partition"}
	LeaderNotAvailable      = &Error{Code: 5, Name: "LEADER_NOT_AVAILABLE", Retriable: true, Desc: "partition currently has no elected leader"}
	NotLeaderForPartition   = &Error{Code: 6, Name: "NOT_LEADER_FOR_PARTITION", Retriable: true, Desc: "broker is not the current leader for this partition"}
	RequestTimedOut         = &Error{Code: 7, Name: "REQUEST_TIMED_OUT", Retriable: false, Desc: "broker did not respond before its ack timeout"}
	MessageTooLarge         = &Error{Code: 10, Name: "MESSAGE_TOO_LARGE", Retriable: false, Desc: "encoded request exceeds the configured size limit"}
	InvalidTimestamp        = &Error{Code: 20, Name: "INVALID_TIMESTAMP", Retriable: false, Desc: "message timestamp is invalid for the topic's timestamp type"}
	RecordTooLarge          = &Error{Code: 21, Name: "RECORD_TOO_LARGE", Retriable: false, Desc: "a single message exceeds the broker's maximum record size"}
)

var byCode = map[int16]*Error{
	NoError.Code:                 NoError,
	CorruptMessage.Code:          CorruptMessage,
	UnknownTopicOrPartition.Code: UnknownTopicOrPartition,
	LeaderNotAvailable.Code:      LeaderNotAvailable,
	NotLeaderForPartition.Code:   NotLeaderForPartition,
	RequestTimedOut.Code:         RequestTimedOut,
	MessageTooLarge.Code:         MessageTooLarge,
	InvalidTimestamp.Code:        InvalidTimestamp,
	RecordTooLarge.Code:          RecordTooLarge,
}

// ErrorForCode maps a wire error code to its classified *Error, or, if the
// code is not in the table, to a new non-retriable *Error named UNKNOWN
// that carries that code (it does not match the Unknown var, whose Code
// is -1).
// A code of 0 returns nil: "no error" is not itself an error value.
func ErrorForCode(code int16) error {
	if code == 0 {
		return nil
	}
	if e, ok := byCode[code]; ok {
		return e
	}
	return &Error{Code: code, Name: "UNKNOWN", Retriable: false, Desc: fmt.Sprintf("unclassified broker error code %d", code)}
}

// IsRetriable reports whether err (as returned by ErrorForCode) should
// trigger the invalidate-refetch-retry loop
func IsRetriable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Retriable
}
