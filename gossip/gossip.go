// Package gossip tracks per-pubkey relay preferences published as
// NIP-65 relay lists and NIP-17 inbox lists, and answers "which relays
// should I use to reach this key" queries from a bounded, time-aware
// cache.
package gossip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	nostr "nostr-sdk"
)

// Caps on how much of a relay list is trusted. A list may declare any
// number of relays; only the first maxParsedEntries are parsed and at
// most maxRelaysPerMarker are actually used per intent, so one event
// cannot fan traffic out to an unbounded relay set.
const (
	maxParsedEntries   = 10
	maxRelaysPerMarker = 3
	maxInboxRelays     = 3
)

// Refresh timing: an entry is outdated after outdatedAfter and eligible
// for a background refresh at most once per checkInterval.
const (
	outdatedAfter = 60 * time.Minute
	checkInterval = 5 * time.Minute
)

// Intent selects the marker direction when resolving relays.
type Intent int

const (
	// IntentRead resolves the relays the key's owner reads from, i.e.
	// where to publish so they see it.
	IntentRead Intent = iota
	// IntentWrite resolves the relays the key's owner writes to, i.e.
	// where to query for their events.
	IntentWrite
)

// FetchFunc retrieves the current relay-list events (kinds 10002 and
// 10050) for a pubkey, typically via a pool query against indexer
// relays. It runs on a background goroutine and must respect ctx.
type FetchFunc func(ctx context.Context, pubkey string) ([]*nostr.Event, error)

// entry is one pubkey's cached relay lists. updated tracks data age
// (when a relay list was last stored or confirmed current) and
// lastChecked tracks refresh attempts; a failed fetch advances only
// lastChecked, so the entry stays eligible for another try.
type entry struct {
	nip65          map[string]nostr.RelayMetadata
	nip65CreatedAt int64
	nip17          []string
	nip17CreatedAt int64
	updated        time.Time
	lastChecked    time.Time
}

// Options configures a Resolver.
type Options struct {
	// Fetch supplies fresh relay lists during background refreshes.
	// Nil disables refreshing; the cache then only learns through
	// UpdateRelayList.
	Fetch FetchFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock allows tests to control staleness. Nil selects the real
	// clock.
	Clock clock.Clock
}

// Resolver is the gossip cache. Safe for concurrent use; refreshes for
// different pubkeys proceed independently, and a singleflight group
// prevents duplicate concurrent refreshes for the same pubkey.
type Resolver struct {
	fetch  FetchFunc
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.RWMutex
	cache map[string]*entry

	group singleflight.Group
}

// NewResolver builds a resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Resolver{
		fetch:  opts.Fetch,
		logger: opts.Logger,
		clock:  opts.Clock,
		cache:  make(map[string]*entry),
	}
}

// UpdateRelayList feeds one relay-list event into the cache. Events of
// other kinds are ignored. Replacement is last-write-wins by the
// event's created_at, not by arrival order.
func (g *Resolver) UpdateRelayList(evt *nostr.Event) error {
	switch evt.Kind {
	case nostr.KindRelayList:
		entries, err := nostr.ParseRelayList(evt, maxParsedEntries)
		if err != nil {
			return err
		}
		relays := make(map[string]nostr.RelayMetadata, len(entries))
		for _, e := range entries {
			relays[e.URL] = e.Metadata
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		ent := g.getOrCreate(evt.PubKey)
		// An older or equal event still confirms the cached data is
		// current, so the data timestamp advances either way
		ent.updated = g.clock.Now()
		if evt.CreatedAt <= ent.nip65CreatedAt {
			return nil
		}
		ent.nip65 = relays
		ent.nip65CreatedAt = evt.CreatedAt
		return nil

	case nostr.KindInboxRelays:
		relays, err := nostr.ParseInboxRelays(evt, maxParsedEntries)
		if err != nil {
			return err
		}
		if len(relays) > maxInboxRelays {
			relays = relays[:maxInboxRelays]
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		ent := g.getOrCreate(evt.PubKey)
		ent.updated = g.clock.Now()
		if evt.CreatedAt <= ent.nip17CreatedAt {
			return nil
		}
		ent.nip17 = relays
		ent.nip17CreatedAt = evt.CreatedAt
		return nil
	}
	return nil
}

func (g *Resolver) getOrCreate(pubkey string) *entry {
	ent := g.cache[pubkey]
	if ent == nil {
		ent = &entry{}
		g.cache[pubkey] = ent
	}
	return ent
}

// RelaysFor returns the cached relays for a pubkey matching the intent,
// capped per marker. When the cache entry is missing or outdated a
// background refresh is kicked off (at most once per check interval per
// pubkey); the caller always gets the best-effort cached data
// immediately.
func (g *Resolver) RelaysFor(pubkey string, intent Intent) []string {
	g.maybeRefresh(pubkey)

	g.mu.RLock()
	defer g.mu.RUnlock()
	ent := g.cache[pubkey]
	if ent == nil {
		return nil
	}

	var out []string
	for url, marker := range ent.nip65 {
		if len(out) >= maxRelaysPerMarker {
			break
		}
		switch intent {
		case IntentRead:
			if marker == nostr.RelayMetadataRead || marker == nostr.RelayMetadataBoth {
				out = append(out, url)
			}
		case IntentWrite:
			if marker == nostr.RelayMetadataWrite || marker == nostr.RelayMetadataBoth {
				out = append(out, url)
			}
		}
	}
	return out
}

// InboxRelaysFor returns the cached NIP-17 inbox relays for a pubkey.
func (g *Resolver) InboxRelaysFor(pubkey string) []string {
	g.maybeRefresh(pubkey)

	g.mu.RLock()
	defer g.mu.RUnlock()
	ent := g.cache[pubkey]
	if ent == nil {
		return nil
	}
	out := make([]string, len(ent.nip17))
	copy(out, ent.nip17)
	return out
}

// maybeRefresh starts a non-blocking background refresh when the entry
// is outdated and the per-pubkey check interval has elapsed.
func (g *Resolver) maybeRefresh(pubkey string) {
	if g.fetch == nil {
		return
	}

	now := g.clock.Now()

	g.mu.Lock()
	ent := g.getOrCreate(pubkey)
	// Data age and check age gate independently: recent data suppresses
	// refreshes entirely, while missing or outdated data is retried at
	// most once per check interval even when a fetch failed or came back
	// empty.
	fresh := !ent.updated.IsZero() && now.Sub(ent.updated) < outdatedAfter
	checkedRecently := !ent.lastChecked.IsZero() && now.Sub(ent.lastChecked) < checkInterval
	if fresh || checkedRecently {
		g.mu.Unlock()
		return
	}
	ent.lastChecked = now
	g.mu.Unlock()

	go func() {
		// Singleflight collapses concurrent refreshes for one pubkey
		g.group.Do(pubkey, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			events, err := g.fetch(ctx, pubkey)
			if err != nil {
				g.logger.Debug("relay list refresh failed",
					"pubkey", nostr.ShortID(pubkey), "error", err)
				return nil, err
			}
			for _, evt := range events {
				if evt.PubKey != pubkey {
					continue
				}
				if err := g.UpdateRelayList(evt); err != nil {
					g.logger.Debug("relay list rejected",
						"pubkey", nostr.ShortID(pubkey), "error", err)
				}
			}
			return nil, nil
		})
	}()
}

// Outdated reports whether a pubkey's relay-list data is missing or
// older than the staleness threshold.
func (g *Resolver) Outdated(pubkey string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ent := g.cache[pubkey]
	if ent == nil {
		return true
	}
	return ent.updated.IsZero() || g.clock.Now().Sub(ent.updated) >= outdatedAfter
}
