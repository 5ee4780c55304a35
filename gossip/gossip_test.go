package gossip

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nostr "nostr-sdk"
)

const testPubkey = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func relayListEvent(pubkey string, createdAt int64, tags [][]string) *nostr.Event {
	return &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      nostr.KindRelayList,
		Tags:      tags,
	}
}

func inboxEvent(pubkey string, createdAt int64, relays ...string) *nostr.Event {
	tags := make([][]string, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, []string{"relay", r})
	}
	return &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      nostr.KindInboxRelays,
		Tags:      tags,
	}
}

func TestResolverIntentFiltering(t *testing.T) {
	r := NewResolver(Options{})

	require.NoError(t, r.UpdateRelayList(relayListEvent(testPubkey, 100, [][]string{
		{"r", "wss://read.example.com", "read"},
		{"r", "wss://write.example.com", "write"},
		{"r", "wss://both.example.com"},
	})))

	reads := r.RelaysFor(testPubkey, IntentRead)
	assert.ElementsMatch(t, []string{"wss://read.example.com", "wss://both.example.com"}, reads)

	writes := r.RelaysFor(testPubkey, IntentWrite)
	assert.ElementsMatch(t, []string{"wss://write.example.com", "wss://both.example.com"}, writes)
}

func TestResolverUnknownPubkey(t *testing.T) {
	r := NewResolver(Options{})
	assert.Empty(t, r.RelaysFor(testPubkey, IntentRead))
	assert.Empty(t, r.InboxRelaysFor(testPubkey))
	assert.True(t, r.Outdated(testPubkey))
}

func TestResolverCapsUsedRelays(t *testing.T) {
	r := NewResolver(Options{})

	tags := [][]string{
		{"r", "wss://a.example.com"},
		{"r", "wss://b.example.com"},
		{"r", "wss://c.example.com"},
		{"r", "wss://d.example.com"},
		{"r", "wss://e.example.com"},
	}
	require.NoError(t, r.UpdateRelayList(relayListEvent(testPubkey, 100, tags)))

	assert.Len(t, r.RelaysFor(testPubkey, IntentRead), maxRelaysPerMarker)
	assert.Len(t, r.RelaysFor(testPubkey, IntentWrite), maxRelaysPerMarker)
}

func TestResolverLastWriteWins(t *testing.T) {
	r := NewResolver(Options{})

	require.NoError(t, r.UpdateRelayList(relayListEvent(testPubkey, 200, [][]string{
		{"r", "wss://newer.example.com"},
	})))

	// An older replaceable event must not clobber the newer one
	require.NoError(t, r.UpdateRelayList(relayListEvent(testPubkey, 100, [][]string{
		{"r", "wss://older.example.com"},
	})))

	assert.Equal(t, []string{"wss://newer.example.com"}, r.RelaysFor(testPubkey, IntentRead))

	require.NoError(t, r.UpdateRelayList(relayListEvent(testPubkey, 300, [][]string{
		{"r", "wss://newest.example.com"},
	})))
	assert.Equal(t, []string{"wss://newest.example.com"}, r.RelaysFor(testPubkey, IntentRead))
}

func TestResolverInboxRelays(t *testing.T) {
	r := NewResolver(Options{})

	require.NoError(t, r.UpdateRelayList(inboxEvent(testPubkey, 100,
		"wss://a.example.com", "wss://b.example.com",
		"wss://c.example.com", "wss://d.example.com")))

	inbox := r.InboxRelaysFor(testPubkey)
	assert.Len(t, inbox, maxInboxRelays)
	assert.Contains(t, inbox, "wss://a.example.com")
}

func TestResolverIgnoresOtherKinds(t *testing.T) {
	r := NewResolver(Options{})

	evt := &nostr.Event{PubKey: testPubkey, Kind: nostr.KindTextNote, CreatedAt: 100}
	require.NoError(t, r.UpdateRelayList(evt))
	assert.Empty(t, r.RelaysFor(testPubkey, IntentRead))
}

func TestResolverBackgroundRefresh(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))

	var fetches atomic.Int32
	fetched := make(chan struct{}, 8)
	fetch := func(ctx context.Context, pubkey string) ([]*nostr.Event, error) {
		fetches.Add(1)
		fetched <- struct{}{}
		return []*nostr.Event{relayListEvent(pubkey, 100, [][]string{
			{"r", "wss://fetched.example.com"},
		})}, nil
	}

	r := NewResolver(Options{Fetch: fetch, Clock: mock})

	// First lookup has no cache, so it kicks off a refresh
	assert.Empty(t, r.RelaysFor(testPubkey, IntentRead))
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}

	require.Eventually(t, func() bool {
		return len(r.RelaysFor(testPubkey, IntentRead)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Within the check interval no new fetch is attempted
	mock.Add(1 * time.Minute)
	r.RelaysFor(testPubkey, IntentRead)
	r.RelaysFor(testPubkey, IntentRead)
	assert.Equal(t, int32(1), fetches.Load())

	// Once the entry is outdated the next lookup refreshes again
	mock.Add(61 * time.Minute)
	assert.True(t, r.Outdated(testPubkey))
	r.RelaysFor(testPubkey, IntentRead)
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("stale entry was not refreshed")
	}
	assert.Equal(t, int32(2), fetches.Load())
}

func TestResolverRetriesAfterFailedFetch(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))

	var fetches atomic.Int32
	fetched := make(chan struct{}, 8)
	fetch := func(ctx context.Context, pubkey string) ([]*nostr.Event, error) {
		fetches.Add(1)
		fetched <- struct{}{}
		return nil, context.DeadlineExceeded
	}

	r := NewResolver(Options{Fetch: fetch, Clock: mock})

	r.RelaysFor(testPubkey, IntentRead)
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}
	// Let the refresh goroutine finish so singleflight cannot collapse
	// the retry into the first call
	time.Sleep(50 * time.Millisecond)

	// A failed fetch leaves no data, but within the check interval it
	// is not retried
	mock.Add(1 * time.Minute)
	r.RelaysFor(testPubkey, IntentRead)
	assert.Equal(t, int32(1), fetches.Load())

	// Once the check interval has passed the entry is still without
	// data, so the next lookup tries again
	mock.Add(5 * time.Minute)
	assert.True(t, r.Outdated(testPubkey))
	r.RelaysFor(testPubkey, IntentRead)
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("failed fetch was never retried")
	}
	assert.Equal(t, int32(2), fetches.Load())
}

func TestResolverRefreshIgnoresForeignEvents(t *testing.T) {
	fetched := make(chan struct{}, 1)
	fetch := func(ctx context.Context, pubkey string) ([]*nostr.Event, error) {
		defer func() { fetched <- struct{}{} }()
		// A malicious relay answering with someone else's relay list
		return []*nostr.Event{relayListEvent("e"+pubkey[1:], 100, [][]string{
			{"r", "wss://evil.example.com"},
		})}, nil
	}

	r := NewResolver(Options{Fetch: fetch})
	r.RelaysFor(testPubkey, IntentRead)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}

	// Give UpdateRelayList a moment, then confirm nothing was cached
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.RelaysFor(testPubkey, IntentRead))
}

func TestResolverNoFetchConfigured(t *testing.T) {
	r := NewResolver(Options{})
	// Must not panic or block
	assert.Empty(t, r.RelaysFor(testPubkey, IntentRead))
}
