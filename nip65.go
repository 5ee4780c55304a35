package nostr

import (
	"fmt"
	"net/url"
	"strings"
)

// RelayMetadata is the read/write marker on a NIP-65 "r" tag.
type RelayMetadata string

const (
	RelayMetadataRead  RelayMetadata = "read"
	RelayMetadataWrite RelayMetadata = "write"
	// RelayMetadataBoth is implied by an unmarked entry.
	RelayMetadataBoth RelayMetadata = ""
)

// RelayListEntry is one parsed relay entry from a kind-10002 event.
type RelayListEntry struct {
	URL      string
	Metadata RelayMetadata
}

// ParseRelayList extracts relay entries from a NIP-65 (kind 10002) relay
// list event. maxEntries caps how many raw entries are parsed; excess
// entries are silently dropped. Zero means no cap.
func ParseRelayList(evt *Event, maxEntries int) ([]RelayListEntry, error) {
	if evt.Kind != KindRelayList {
		return nil, fmt.Errorf("expected kind %d, got %d", KindRelayList, evt.Kind)
	}

	var entries []RelayListEntry
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if maxEntries > 0 && len(entries) >= maxEntries {
			break
		}

		relayURL, ok := NormalizeRelayURL(tag[1])
		if !ok {
			continue
		}

		marker := RelayMetadataBoth
		if len(tag) >= 3 {
			switch RelayMetadata(tag[2]) {
			case RelayMetadataRead:
				marker = RelayMetadataRead
			case RelayMetadataWrite:
				marker = RelayMetadataWrite
			default:
				// Unknown marker, treat the entry as both
			}
		}
		entries = append(entries, RelayListEntry{URL: relayURL, Metadata: marker})
	}
	return entries, nil
}

// ParseInboxRelays extracts relay URLs from a NIP-17 inbox relay list
// (kind 10050) event. These carry no read/write markers: they are the
// relays where the author receives private messages.
func ParseInboxRelays(evt *Event, maxEntries int) ([]string, error) {
	if evt.Kind != KindInboxRelays {
		return nil, fmt.Errorf("expected kind %d, got %d", KindInboxRelays, evt.Kind)
	}

	var relays []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "relay" {
			continue
		}
		if maxEntries > 0 && len(relays) >= maxEntries {
			break
		}
		if relayURL, ok := NormalizeRelayURL(tag[1]); ok {
			relays = append(relays, relayURL)
		}
	}
	return relays, nil
}

// NormalizeRelayURL validates a relay URL and normalizes it: scheme and
// host lowercased, trailing slash on a bare path dropped. Returns false
// for anything that is not ws:// or wss://.
func NormalizeRelayURL(raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	out := parsed.String()
	return strings.TrimSuffix(out, "/"), true
}
