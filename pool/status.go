package pool

import "sync/atomic"

// RelayStatus is the lifecycle state of a single relay connection.
type RelayStatus int32

const (
	// StatusInitialized means the relay was constructed but never asked
	// to connect.
	StatusInitialized RelayStatus = iota
	// StatusPending means a connect was requested and the attempt is
	// waiting to be dispatched (also the backoff wait state).
	StatusPending
	// StatusConnecting means a connection attempt is in flight.
	StatusConnecting
	// StatusConnected means the websocket handshake succeeded.
	StatusConnected
	// StatusDisconnected means the socket dropped; the driving loop
	// will retry unless stopped.
	StatusDisconnected
	// StatusStopped means the owner asked the relay to stop; no retries
	// until Connect is called again.
	StatusStopped
	// StatusTerminated is final: the relay was shut down for good.
	StatusTerminated
)

func (s RelayStatus) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusPending:
		return "pending"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusStopped:
		return "stopped"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsConnected reports whether messages can currently be sent.
func (s RelayStatus) IsConnected() bool {
	return s == StatusConnected
}

// atomicStatus holds a RelayStatus updated from the driving loop and
// read from any goroutine.
type atomicStatus struct {
	val atomic.Int32
}

func (a *atomicStatus) Load() RelayStatus {
	return RelayStatus(a.val.Load())
}

func (a *atomicStatus) Store(s RelayStatus) {
	a.val.Store(int32(s))
}
