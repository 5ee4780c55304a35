package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nostr "nostr-sdk"
)

func newTestPool(t *testing.T, relays ...*fakeRelay) *Pool {
	t.Helper()
	p := NewPool(PoolOptions{
		Relay:  fastRelayOptions(),
		Logger: quietLogger(),
	})
	t.Cleanup(p.Shutdown)

	for _, f := range relays {
		added, err := p.AddRelay(f.url)
		require.NoError(t, err)
		require.True(t, added)
	}
	return p
}

func waitAllConnected(t *testing.T, p *Pool) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range p.Relays() {
			if !r.Status().IsConnected() {
				return false
			}
		}
		return len(p.Relays()) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolAddRemoveRelay(t *testing.T) {
	f := newFakeRelay(t)
	p := newTestPool(t)

	added, err := p.AddRelay(f.url)
	require.NoError(t, err)
	assert.True(t, added)

	// Same URL with different casing and a trailing slash is the same
	// relay after normalization
	added, err = p.AddRelay(f.url + "/")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = p.AddRelay("https://not-a-relay.example.com")
	assert.ErrorIs(t, err, ErrInvalidURL)

	assert.NotNil(t, p.Relay(f.url))
	assert.Len(t, p.Relays(), 1)

	assert.True(t, p.RemoveRelay(f.url))
	assert.False(t, p.RemoveRelay(f.url))
	assert.Nil(t, p.Relay(f.url))
}

func TestPoolRejectsUnsafeURLs(t *testing.T) {
	p := NewPool(PoolOptions{
		Relay:                 fastRelayOptions(),
		Logger:                quietLogger(),
		BlockPrivateAddresses: true,
	})
	t.Cleanup(p.Shutdown)

	_, err := p.AddRelay("ws://10.0.0.5:8080")
	assert.ErrorIs(t, err, ErrUnsafeURL)

	_, err = p.AddRelay("ws://169.254.169.254")
	assert.ErrorIs(t, err, ErrUnsafeURL)

	// Loopback stays allowed for development setups
	added, err := p.AddRelay("ws://127.0.0.1:9")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestPoolRelayAddedAfterConnectStartsImmediately(t *testing.T) {
	f := newFakeRelay(t)
	p := newTestPool(t)
	p.Connect()

	added, err := p.AddRelay(f.url)
	require.NoError(t, err)
	require.True(t, added)

	waitAllConnected(t, p)
}

func TestPoolDeduplicatesAcrossRelays(t *testing.T) {
	shared := signedTestEvent(t, "seen on both relays")
	a := newFakeRelay(t)
	b := newFakeRelay(t)
	a.setEvents(shared)
	b.setEvents(shared)

	p := newTestPool(t, a, b)
	p.Connect()
	waitAllConnected(t, p)

	events, err := p.FetchEvents(context.Background(),
		[]nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, 5*time.Second)
	require.NoError(t, err)

	require.Len(t, events, 1, "the same event from two relays must be delivered once")
	assert.Equal(t, shared.ID, events[0].ID)
}

func TestPoolRepeatedQueriesSeeStoredEvents(t *testing.T) {
	stored := signedTestEvent(t, "still on the relay")
	f := newFakeRelay(t)
	f.setEvents(stored)

	p := newTestPool(t, f)
	p.Connect()
	waitAllConnected(t, p)

	filters := []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}

	// Dedup is scoped per query: a later fetch over the same stored
	// events must return them again
	for i := 0; i < 3; i++ {
		events, err := p.FetchEvents(context.Background(), filters, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, events, 1, "fetch %d returned nothing", i+1)
		assert.Equal(t, stored.ID, events[0].ID)
	}
}

func TestPoolSendEventAggregatesVerdicts(t *testing.T) {
	a := newFakeRelay(t)
	b := newFakeRelay(t)
	b.mu.Lock()
	b.reject = "blocked: policy"
	b.mu.Unlock()

	p := newTestPool(t, a, b)
	p.Connect()
	waitAllConnected(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evt := signedTestEvent(t, "mixed verdicts")
	out := p.SendEvent(ctx, evt)

	assert.Equal(t, evt.ID, out.EventID)
	assert.Equal(t, []string{a.url}, out.Success)
	require.Contains(t, out.Failed, b.url)
	assert.Contains(t, out.Failed[b.url], "blocked: policy")
}

func TestPoolSendEventToSubset(t *testing.T) {
	a := newFakeRelay(t)
	b := newFakeRelay(t)

	p := newTestPool(t, a, b)
	p.Connect()
	waitAllConnected(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := p.SendEventTo(ctx, []string{a.url}, signedTestEvent(t, "targeted"))
	assert.Equal(t, []string{a.url}, out.Success)
	assert.Empty(t, out.Failed)
}

func TestPoolSubscribeUsesOneIDAcrossRelays(t *testing.T) {
	a := newFakeRelay(t)
	b := newFakeRelay(t)

	p := newTestPool(t, a, b)
	p.Connect()
	waitAllConnected(t, p)

	id, err := p.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)

	assert.Contains(t, p.Relay(a.url).Subscriptions(), id)
	assert.Contains(t, p.Relay(b.url).Subscriptions(), id)

	p.Unsubscribe(context.Background(), id)
	assert.NotContains(t, p.Relay(a.url).Subscriptions(), id)
	assert.NotContains(t, p.Relay(b.url).Subscriptions(), id)
}

func TestPoolSubscribeWithoutRelays(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Subscribe(context.Background(), nostr.Filter{})
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestPoolStreamEventsEndsOnAllEOSE(t *testing.T) {
	a := newFakeRelay(t)
	b := newFakeRelay(t)
	a.setEvents(signedTestEvent(t, "from a"))
	b.setEvents(signedTestEvent(t, "from b"))

	p := newTestPool(t, a, b)
	p.Connect()
	waitAllConnected(t, p)

	start := time.Now()
	stream, err := p.StreamEvents(context.Background(),
		[]nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, 30*time.Second)
	require.NoError(t, err)

	var got []*nostr.Event
	for evt := range stream {
		got = append(got, evt)
	}

	assert.Len(t, got, 2)
	assert.Less(t, time.Since(start), 10*time.Second,
		"stream must end on EOSE, not wait out the timeout")
}

func TestPoolStreamEventsHonorsContext(t *testing.T) {
	a := newFakeRelay(t)
	p := newTestPool(t, a)
	p.Connect()
	waitAllConnected(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.StreamEvents(ctx, []nostr.Filter{{}}, 0)
	require.NoError(t, err)

	cancel()
	for range stream {
	}
	// Reaching here means the infinite stream terminated on cancel
}

func TestPoolFetchEventsSortsAndLimits(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)

	var events []*nostr.Event
	for i, ts := range []int64{1700000100, 1700000300, 1700000200} {
		evt, err := nostr.NewEventBuilder(nostr.KindTextNote).
			Content("note").
			Tag("i", string(rune('a'+i))).
			CreatedAt(ts).
			Sign(context.Background(), keys)
		require.NoError(t, err)
		events = append(events, evt)
	}

	a := newFakeRelay(t)
	a.setEvents(events...)

	p := newTestPool(t, a)
	p.Connect()
	waitAllConnected(t, p)

	got, err := p.FetchEvents(context.Background(),
		[]nostr.Filter{{Kinds: []int{nostr.KindTextNote}, Limit: 2}}, 5*time.Second)
	require.NoError(t, err)

	require.Len(t, got, 2, "merged results respect the filter limit")
	assert.Equal(t, int64(1700000300), got[0].CreatedAt, "newest first")
	assert.Equal(t, int64(1700000200), got[1].CreatedAt)
}

func TestPoolNotificationsCancel(t *testing.T) {
	p := newTestPool(t)

	ch, cancel := p.Notifications()
	cancel()

	_, open := <-ch
	assert.False(t, open, "cancel must close the subscriber channel")

	// Double cancel is safe
	cancel()
}

func TestPoolShutdown(t *testing.T) {
	f := newFakeRelay(t)
	p := newTestPool(t, f)
	p.Connect()
	waitAllConnected(t, p)

	ch, cancel := p.Notifications()
	defer cancel()

	p.Shutdown()

	sawShutdown := false
	for n := range ch {
		if n.Type == NotificationShutdown {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown, "subscribers get a final shutdown notification")

	_, err := p.AddRelay(f.url)
	assert.ErrorIs(t, err, ErrPoolShutdown)

	for _, r := range p.Relays() {
		waitForStatus(t, r, StatusTerminated)
	}
}
