package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	nostr "nostr-sdk"
)

// MemoryStore keeps events in an in-process TTL cache. A TTL of 0 keeps
// events until Wipe.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates a memory store. ttl bounds how long events are
// retained; cleanupInterval controls how often expired entries are
// swept (both 0 to disable expiry).
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryStore{
		cache: gocache.New(ttl, cleanupInterval),
	}
}

func (s *MemoryStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	s.cache.SetDefault(evt.ID, evt)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	var matched []*nostr.Event
	for _, item := range s.cache.Items() {
		evt, ok := item.Object.(*nostr.Event)
		if !ok {
			continue
		}
		if filter.Match(evt) {
			matched = append(matched, evt)
		}
	}
	sortNewestFirst(matched)
	return applyLimit(matched, filter.Limit), nil
}

func (s *MemoryStore) HasEvent(ctx context.Context, id string) (bool, error) {
	_, found := s.cache.Get(id)
	return found, nil
}

func (s *MemoryStore) Wipe(ctx context.Context) error {
	s.cache.Flush()
	return nil
}
