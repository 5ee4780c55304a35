// Package store defines the pluggable event storage contract consumed
// by the pool and client runtimes, plus in-memory and Redis-backed
// implementations.
package store

import (
	"context"
	"sort"

	nostr "nostr-sdk"
)

// Store is the narrow storage contract the core depends on. Backends
// (memory, Redis, SQL) are swappable behind it.
type Store interface {
	// SaveEvent persists an event. Saving the same event twice is not
	// an error.
	SaveEvent(ctx context.Context, evt *nostr.Event) error

	// Query returns stored events matching the filter, newest first,
	// honoring the filter's Limit when set.
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)

	// HasEvent reports whether an event with the given ID is stored.
	HasEvent(ctx context.Context, id string) (bool, error)

	// Wipe removes all stored events.
	Wipe(ctx context.Context) error
}

// sortNewestFirst orders events by created_at DESC with ID DESC as the
// tie-break, the canonical result order throughout the module.
func sortNewestFirst(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}

// applyLimit truncates the (already sorted) result set to the filter
// limit when one is set.
func applyLimit(events []*nostr.Event, limit int) []*nostr.Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}
