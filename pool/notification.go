package pool

import nostr "nostr-sdk"

// NotificationType discriminates pool notifications.
type NotificationType int

const (
	// NotificationEvent carries a verified, deduplicated event.
	NotificationEvent NotificationType = iota
	// NotificationMessage carries a raw relay message, including OK
	// acks for events this client published.
	NotificationMessage
	// NotificationRelayStatus signals a relay lifecycle transition.
	NotificationRelayStatus
	// NotificationAuthenticated signals a successful NIP-42 auth.
	NotificationAuthenticated
	// NotificationAuthFailed signals a rejected NIP-42 auth.
	NotificationAuthFailed
	// NotificationShutdown is the last notification a subscriber sees.
	NotificationShutdown
)

func (t NotificationType) String() string {
	switch t {
	case NotificationEvent:
		return "event"
	case NotificationMessage:
		return "message"
	case NotificationRelayStatus:
		return "relay_status"
	case NotificationAuthenticated:
		return "authenticated"
	case NotificationAuthFailed:
		return "auth_failed"
	case NotificationShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Notification is one entry on the pool's merged stream. Fields beyond
// Type and RelayURL are populated according to Type.
type Notification struct {
	Type           NotificationType
	RelayURL       string
	SubscriptionID string
	Event          *nostr.Event
	Message        *nostr.RelayMessage
	Status         RelayStatus
	Reason         string
}
