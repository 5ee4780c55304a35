package nostr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire message labels (NIP-01, NIP-42, NIP-45).
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
	LabelCount  = "COUNT"
)

// ClientMessage is a client-to-relay message, serialized as a JSON array.
type ClientMessage struct {
	Label          string
	SubscriptionID string
	Event          *Event
	Filters        []Filter
}

// NewEventMessage wraps a signed event for publishing.
func NewEventMessage(evt *Event) ClientMessage {
	return ClientMessage{Label: LabelEvent, Event: evt}
}

// NewReqMessage opens a subscription.
func NewReqMessage(subID string, filters ...Filter) ClientMessage {
	return ClientMessage{Label: LabelReq, SubscriptionID: subID, Filters: filters}
}

// NewCountMessage requests an event count (NIP-45).
func NewCountMessage(subID string, filters ...Filter) ClientMessage {
	return ClientMessage{Label: LabelCount, SubscriptionID: subID, Filters: filters}
}

// NewCloseMessage closes a subscription.
func NewCloseMessage(subID string) ClientMessage {
	return ClientMessage{Label: LabelClose, SubscriptionID: subID}
}

// NewAuthMessage answers a relay AUTH challenge with a signed kind-22242
// event (NIP-42).
func NewAuthMessage(evt *Event) ClientMessage {
	return ClientMessage{Label: LabelAuth, Event: evt}
}

// MarshalJSON serializes the message as its JSON array form. HTML
// escaping is disabled: event content must round-trip byte-for-byte.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	var arr []interface{}
	switch m.Label {
	case LabelEvent, LabelAuth:
		arr = []interface{}{m.Label, m.Event}
	case LabelReq, LabelCount:
		arr = make([]interface{}, 0, 2+len(m.Filters))
		arr = append(arr, m.Label, m.SubscriptionID)
		for _, f := range m.Filters {
			arr = append(arr, f)
		}
	case LabelClose:
		arr = []interface{}{m.Label, m.SubscriptionID}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Label)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// RelayMessage is a relay-to-client message parsed from its JSON array
// form. Fields are populated according to Label.
type RelayMessage struct {
	Label          string
	SubscriptionID string
	Event          *Event
	EventID        string
	OK             bool
	Message        string
	Challenge      string
	Count          int64
}

// ParseRelayMessage decodes one relay-to-client frame. Unknown labels
// yield ErrUnknownMessage so callers can skip them without tearing the
// connection down.
func ParseRelayMessage(data []byte) (*RelayMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("%w: array too short", ErrMalformedJSON)
	}

	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, fmt.Errorf("%w: non-string label", ErrMalformedJSON)
	}

	msg := &RelayMessage{Label: label}
	switch label {
	case LabelEvent:
		// ["EVENT", <subscription-id>, <event>]
		if len(arr) < 3 {
			return nil, fmt.Errorf("%w: EVENT needs 3 elements", ErrMalformedJSON)
		}
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		msg.Event = &Event{}
		if err := json.Unmarshal(arr[2], msg.Event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}

	case LabelOK:
		// ["OK", <event-id>, <bool>, <message>]
		if len(arr) < 4 {
			return nil, fmt.Errorf("%w: OK needs 4 elements", ErrMalformedJSON)
		}
		if err := json.Unmarshal(arr[1], &msg.EventID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		if err := json.Unmarshal(arr[2], &msg.OK); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		if err := json.Unmarshal(arr[3], &msg.Message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}

	case LabelEOSE:
		// ["EOSE", <subscription-id>]
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}

	case LabelClosed:
		// ["CLOSED", <subscription-id>, <message>]
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		if len(arr) >= 3 {
			json.Unmarshal(arr[2], &msg.Message)
		}

	case LabelNotice:
		// ["NOTICE", <message>]
		if err := json.Unmarshal(arr[1], &msg.Message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}

	case LabelAuth:
		// ["AUTH", <challenge>]
		if err := json.Unmarshal(arr[1], &msg.Challenge); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}

	case LabelCount:
		// ["COUNT", <subscription-id>, {"count": <n>}]
		if len(arr) < 3 {
			return nil, fmt.Errorf("%w: COUNT needs 3 elements", ErrMalformedJSON)
		}
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		var body struct {
			Count int64 `json:"count"`
		}
		if err := json.Unmarshal(arr[2], &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		msg.Count = body.Count

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, label)
	}

	return msg, nil
}
