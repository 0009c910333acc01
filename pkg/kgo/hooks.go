package kgo

import (
	"time"

	"github.com/brokerkit/kcore/pkg/kmsg"
)

// Hook is the empty marker interface every hook type implements: callers
// register whatever concrete hook interfaces they care about, and each
// call site type-asserts for the ones it fires.
type Hook interface{}

// BrokerConnectHook fires after a dial attempt to a broker completes,
// success or failure.
type BrokerConnectHook interface {
	OnConnect(broker kmsg.Broker, dialDuration time.Duration, err error)
}

// BrokerWriteHook fires after a request frame is written to a broker.
type BrokerWriteHook interface {
	OnWrite(broker kmsg.Broker, apiKey int16, bytesWritten int, writeWait, timeToWrite time.Duration, err error)
}

// BrokerReadHook fires after a response frame is read from a broker.
type BrokerReadHook interface {
	OnRead(broker kmsg.Broker, apiKey int16, bytesRead int, readWait, timeToRead time.Duration, err error)
}

// BrokerDisconnectHook fires when a Broker Connection is torn down.
type BrokerDisconnectHook interface {
	OnDisconnect(broker kmsg.Broker)
}

// hooks is an ordered, append-only registry of Hook values. Dispatch is a
// linear scan with a type assertion per hook; this module never expects
// more than a handful of hooks registered.
type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}
