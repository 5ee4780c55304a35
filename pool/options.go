package pool

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Backoff bounds for reconnection. The delay doubles on every failed
// attempt, starting at Initial and capped at Max. Neither value is
// wire-relevant; these defaults keep a flapping relay from being
// hammered while reconnecting within a minute at worst.
const (
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 60 * time.Second
)

// Default inbound/outbound limits, enforced before decode and before
// send so a misbehaving relay cannot balloon memory.
const (
	defaultMaxMessageSize = 1 << 20   // 1 MiB per websocket frame
	defaultMaxEventSize   = 256 << 10 // 256 KiB per serialized event
	defaultMaxEventTags   = 2000
)

// defaultNotificationBuffer bounds the pool's fan-out channels. A full
// subscriber channel blocks delivery rather than dropping: consumers
// are expected to drain promptly.
const defaultNotificationBuffer = 1024

// RelayOptions configures a single relay connection.
type RelayOptions struct {
	// BackoffInitial and BackoffMax bound the reconnect delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// MaxMessageSize caps inbound and outbound frame sizes in bytes.
	MaxMessageSize int
	// MaxEventSize caps the serialized size of a single event.
	MaxEventSize int
	// MaxEventTags caps the tag count of inbound events.
	MaxEventTags int

	// SkipVerify disables signature/ID verification of inbound events.
	// Verification is on by default; invalid events are dropped, never
	// fatal.
	SkipVerify bool

	// Transport supplies the websocket implementation. Nil selects the
	// gorilla-based default.
	Transport Transport

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock allows tests to control backoff timing. Nil selects the
	// real clock.
	Clock clock.Clock
}

// DefaultRelayOptions returns the standard relay configuration.
func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		BackoffInitial: defaultBackoffInitial,
		BackoffMax:     defaultBackoffMax,
		MaxMessageSize: defaultMaxMessageSize,
		MaxEventSize:   defaultMaxEventSize,
		MaxEventTags:   defaultMaxEventTags,
	}
}

func (o *RelayOptions) fillDefaults() {
	def := DefaultRelayOptions()
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = def.BackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.MaxEventSize <= 0 {
		o.MaxEventSize = def.MaxEventSize
	}
	if o.MaxEventTags <= 0 {
		o.MaxEventTags = def.MaxEventTags
	}
	if o.Transport == nil {
		o.Transport = NewWebSocketTransport()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// PoolOptions configures the relay pool.
type PoolOptions struct {
	// Relay is the template configuration applied to every relay added
	// to the pool.
	Relay RelayOptions

	// DedupSize bounds the seen-event LRU, keyed by subscription and
	// event ID. Older entries are evicted, so a very old event replayed
	// much later may be delivered again; within the window delivery is
	// at-most-once per subscription.
	DedupSize int

	// NotificationBuffer is the per-subscriber channel capacity.
	NotificationBuffer int

	// BlockPrivateAddresses rejects relay URLs resolving to private or
	// link-local ranges (loopback stays allowed for development).
	BlockPrivateAddresses bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultPoolOptions returns the standard pool configuration.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		Relay:              DefaultRelayOptions(),
		DedupSize:          8192,
		NotificationBuffer: defaultNotificationBuffer,
	}
}

func (o *PoolOptions) fillDefaults() {
	def := DefaultPoolOptions()
	if o.DedupSize <= 0 {
		o.DedupSize = def.DedupSize
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = def.NotificationBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Relay.fillDefaults()
}
