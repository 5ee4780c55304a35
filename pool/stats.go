package pool

import "sync/atomic"

// RelayStats tracks cumulative per-connection counters. All fields are
// updated atomically; a snapshot is returned by value from Snapshot.
type RelayStats struct {
	attempts         atomic.Int64
	success          atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Attempts         int64
	Success          int64
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
}

func (s *RelayStats) newAttempt() {
	s.attempts.Add(1)
}

func (s *RelayStats) newSuccess() {
	s.success.Add(1)
}

func (s *RelayStats) addSent(bytes int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(bytes))
}

func (s *RelayStats) addReceived(bytes int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(int64(bytes))
}

// Snapshot returns the current counter values.
func (s *RelayStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Attempts:         s.attempts.Load(),
		Success:          s.success.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
	}
}
