// Package pool implements the multi-relay connection runtime: a state
// machine per relay connection and a pool that multiplexes
// subscriptions, deduplicates events, and merges everything into one
// notification stream.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	nostr "nostr-sdk"
)

// Pool errors.
var (
	ErrInvalidURL   = errors.New("invalid relay URL")
	ErrUnsafeURL    = errors.New("relay URL blocked: unsafe destination")
	ErrPoolShutdown = errors.New("pool is shut down")
	ErrNoRelays     = errors.New("no relays in pool")
)

// Output is the aggregate result of a multi-relay operation. The call
// itself never fails just because a subset of relays rejected; each
// relay's verdict is reported here.
type Output struct {
	// EventID identifies the event the operation concerned, when any.
	EventID string
	// Success lists relays that acknowledged.
	Success []string
	// Failed maps relay URL to the rejection or transport reason.
	Failed map[string]string
}

// poolSubscription tracks one logical subscription mirrored to several
// relays. The same subscription ID is used on every relay; IDs only
// need to be unique per connection.
type poolSubscription struct {
	filters []nostr.Filter
	urls    map[string]bool
}

// Pool owns a set of relay connections. Relays communicate upward only
// through the notification dispatch handle injected at construction;
// they never hold a pool reference.
type Pool struct {
	opts   PoolOptions
	logger *slog.Logger

	mu     sync.RWMutex
	relays map[string]*Relay
	// connected tracks whether Connect was called, so relays added
	// afterwards are started immediately.
	connected bool

	// seen bounds the dedup set, keyed per subscription so a later
	// query can see events an earlier one already delivered. Eviction
	// means a sufficiently old event replayed later is delivered again.
	seen *lru.Cache[string, struct{}]

	listenersMu  sync.Mutex
	listeners    map[int]*listener
	nextListener int

	subsMu sync.Mutex
	subs   map[string]*poolSubscription

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewPool creates an empty pool.
func NewPool(opts PoolOptions) *Pool {
	opts.fillDefaults()
	seen, _ := lru.New[string, struct{}](opts.DedupSize)
	return &Pool{
		opts:       opts,
		logger:     opts.Logger,
		relays:     make(map[string]*Relay),
		seen:       seen,
		listeners:  make(map[int]*listener),
		subs:       make(map[string]*poolSubscription),
		shutdownCh: make(chan struct{}),
	}
}

// AddRelay registers a relay. Returns false if the URL (after
// normalization) is already present. The relay starts connecting
// immediately when the pool is already connected.
func (p *Pool) AddRelay(rawURL string) (bool, error) {
	url, ok := nostr.NormalizeRelayURL(rawURL)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if p.opts.BlockPrivateAddresses && !isRelayURLSafe(url) {
		return false, fmt.Errorf("%w: %q", ErrUnsafeURL, rawURL)
	}

	select {
	case <-p.shutdownCh:
		return false, ErrPoolShutdown
	default:
	}

	p.mu.Lock()
	if _, exists := p.relays[url]; exists {
		p.mu.Unlock()
		return false, nil
	}
	relay := NewRelay(url, p.dispatch, p.opts.Relay)
	p.relays[url] = relay
	startNow := p.connected
	p.mu.Unlock()

	p.logger.Debug("relay added", "relay", url)
	if startNow {
		relay.Connect()
	}
	return true, nil
}

// RemoveRelay terminates and forgets a relay. Returns false if absent.
func (p *Pool) RemoveRelay(rawURL string) bool {
	url, ok := nostr.NormalizeRelayURL(rawURL)
	if !ok {
		return false
	}

	p.mu.Lock()
	relay, exists := p.relays[url]
	delete(p.relays, url)
	p.mu.Unlock()

	if !exists {
		return false
	}
	relay.Terminate()
	return true
}

// Relay returns the connection for a URL, or nil.
func (p *Pool) Relay(rawURL string) *Relay {
	url, ok := nostr.NormalizeRelayURL(rawURL)
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.relays[url]
}

// Relays returns all member relays.
func (p *Pool) Relays() []*Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		out = append(out, r)
	}
	return out
}

// Connect starts every member relay. Establishment is independent per
// relay: this never blocks on any handshake and one relay's failure
// never affects another.
func (p *Pool) Connect() {
	p.mu.Lock()
	p.connected = true
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()

	for _, r := range relays {
		r.Connect()
	}
}

// Disconnect stops every member relay without terminating them.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	p.connected = false
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()

	for _, r := range relays {
		r.Disconnect()
	}
}

// Shutdown terminates every relay and closes all notification
// subscribers after delivering a final Shutdown notification.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		for _, r := range p.Relays() {
			r.Terminate()
		}

		p.broadcast(Notification{Type: NotificationShutdown})
		close(p.shutdownCh)

		p.listenersMu.Lock()
		removed := make([]*listener, 0, len(p.listeners))
		for id, l := range p.listeners {
			removed = append(removed, l)
			delete(p.listeners, id)
		}
		p.listenersMu.Unlock()
		for _, l := range removed {
			l.close()
		}
	})
}

// dispatch is the handle injected into every relay. Events are
// deduplicated by (subscription, event) ID before fan-out, so the same
// event arriving from several relays is delivered once per
// subscription while later queries can still see it; everything else
// passes through.
func (p *Pool) dispatch(n Notification) {
	if n.Type == NotificationEvent && n.Event != nil {
		key := n.SubscriptionID + "\x00" + n.Event.ID
		if found, _ := p.seen.ContainsOrAdd(key, struct{}{}); found {
			return
		}
	}
	p.broadcast(n)
}

// listener is one notification subscriber. The sendMu/done pair makes
// closing the data channel safe against concurrent blocked senders.
type listener struct {
	ch     chan Notification
	done   chan struct{}
	sendMu sync.Mutex
}

// send delivers one notification, blocking on a full channel until the
// listener is cancelled or the pool shuts down. Backpressure instead of
// silently dropping status-critical notifications.
func (l *listener) send(n Notification, shutdownCh chan struct{}) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	// After close() has run, the data channel is gone for good
	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.ch <- n:
	case <-l.done:
	case <-shutdownCh:
	}
}

// close tears the listener down. Closing done first aborts any blocked
// sender; the sendMu handshake then guarantees no send can race the
// channel close.
func (l *listener) close() {
	close(l.done)
	l.sendMu.Lock()
	close(l.ch)
	l.sendMu.Unlock()
}

// broadcast delivers to every subscriber in turn.
func (p *Pool) broadcast(n Notification) {
	p.listenersMu.Lock()
	subscribers := make([]*listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		subscribers = append(subscribers, l)
	}
	p.listenersMu.Unlock()

	for _, l := range subscribers {
		l.send(n, p.shutdownCh)
	}
}

// Notifications subscribes to the merged stream. The cancel func must
// be called to release the subscriber; the channel is closed on cancel
// or pool shutdown.
func (p *Pool) Notifications() (<-chan Notification, func()) {
	l := &listener{
		ch:   make(chan Notification, p.opts.NotificationBuffer),
		done: make(chan struct{}),
	}

	p.listenersMu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = l
	p.listenersMu.Unlock()

	cancel := func() {
		p.listenersMu.Lock()
		_, active := p.listeners[id]
		delete(p.listeners, id)
		p.listenersMu.Unlock()
		if active {
			l.close()
		}
	}
	return l.ch, cancel
}

// SendEvent broadcasts a signed event to every relay concurrently and
// aggregates per-relay verdicts.
func (p *Pool) SendEvent(ctx context.Context, evt *nostr.Event) Output {
	return p.SendEventTo(ctx, nil, evt)
}

// SendEventTo broadcasts to the given relay URLs (nil means all pool
// relays).
func (p *Pool) SendEventTo(ctx context.Context, urls []string, evt *nostr.Event) Output {
	relays := p.selectRelays(urls)

	out := Output{EventID: evt.ID, Failed: make(map[string]string)}
	if len(relays) == 0 {
		return out
	}

	type verdict struct {
		url string
		err error
	}
	results := make(chan verdict, len(relays))

	for _, r := range relays {
		go func(r *Relay) {
			results <- verdict{url: r.URL(), err: r.SendEvent(ctx, evt)}
		}(r)
	}

	for range relays {
		v := <-results
		if v.err != nil {
			out.Failed[v.url] = v.err.Error()
		} else {
			out.Success = append(out.Success, v.url)
		}
	}
	sort.Strings(out.Success)
	return out
}

func (p *Pool) selectRelays(urls []string) []*Relay {
	if urls == nil {
		return p.Relays()
	}
	var relays []*Relay
	for _, raw := range urls {
		if r := p.Relay(raw); r != nil {
			relays = append(relays, r)
		}
	}
	return relays
}

// Subscribe opens a pool-scoped subscription mirrored to every relay
// and returns its ID.
func (p *Pool) Subscribe(ctx context.Context, filters ...nostr.Filter) (string, error) {
	return p.SubscribeTo(ctx, nil, filters...)
}

// SubscribeTo opens a subscription on the given relay URLs only (nil
// means all).
func (p *Pool) SubscribeTo(ctx context.Context, urls []string, filters ...nostr.Filter) (string, error) {
	relays := p.selectRelays(urls)
	if len(relays) == 0 {
		return "", ErrNoRelays
	}

	id := uuid.NewString()
	sub := &poolSubscription{filters: filters, urls: make(map[string]bool)}

	for _, r := range relays {
		if _, err := r.SubscribeWithID(ctx, id, filters...); err != nil {
			p.logger.Warn("subscribe failed", "relay", r.URL(), "error", err)
			continue
		}
		sub.urls[r.URL()] = true
	}
	if len(sub.urls) == 0 {
		return "", fmt.Errorf("subscription %s reached no relay", id)
	}

	p.subsMu.Lock()
	p.subs[id] = sub
	p.subsMu.Unlock()
	return id, nil
}

// Unsubscribe closes a pool-scoped subscription everywhere it is
// active.
func (p *Pool) Unsubscribe(ctx context.Context, id string) {
	p.subsMu.Lock()
	sub := p.subs[id]
	delete(p.subs, id)
	p.subsMu.Unlock()

	if sub == nil {
		return
	}
	for url := range sub.urls {
		if r := p.Relay(url); r != nil {
			r.Unsubscribe(ctx, id)
		}
	}
}

// UnsubscribeAll closes every pool-scoped subscription.
func (p *Pool) UnsubscribeAll(ctx context.Context) {
	p.subsMu.Lock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	p.subsMu.Unlock()

	for _, id := range ids {
		p.Unsubscribe(ctx, id)
	}
}

// StreamEvents merges matching events from all relays into one
// deduplicated channel. With a positive timeout the stream ends when
// every subscribed relay has sent EOSE or the timeout elapses,
// whichever comes first; with timeout 0 it streams until ctx is
// cancelled. Cancelling a stream never affects other streams or the
// underlying connections.
func (p *Pool) StreamEvents(ctx context.Context, filters []nostr.Filter, timeout time.Duration) (<-chan *nostr.Event, error) {
	listener, cancelListener := p.Notifications()

	subID, err := p.SubscribeTo(ctx, nil, filters...)
	if err != nil {
		cancelListener()
		return nil, err
	}

	p.subsMu.Lock()
	pending := make(map[string]bool)
	for url := range p.subs[subID].urls {
		pending[url] = true
	}
	p.subsMu.Unlock()

	out := make(chan *nostr.Event)

	var timeoutCh <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
	}

	go func() {
		defer close(out)
		defer cancelListener()
		defer p.Unsubscribe(context.Background(), subID)
		if timer != nil {
			defer timer.Stop()
		}

		// Per-stream dedup, unaffected by dispatch LRU eviction
		delivered := make(map[string]bool)

		for {
			select {
			case n, ok := <-listener:
				if !ok {
					return
				}
				switch {
				case n.Type == NotificationShutdown:
					return

				case n.Type == NotificationEvent && n.SubscriptionID == subID:
					if delivered[n.Event.ID] {
						continue
					}
					delivered[n.Event.ID] = true
					select {
					case out <- n.Event:
					case <-ctx.Done():
						return
					}

				case n.Type == NotificationMessage && n.Message != nil &&
					n.Message.Label == nostr.LabelEOSE && n.SubscriptionID == subID:
					if timeout > 0 {
						delete(pending, n.RelayURL)
						if len(pending) == 0 {
							return
						}
					}
				}
			case <-timeoutCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// FetchEvents collects StreamEvents output, sorted newest first, with
// the smallest filter limit applied across the merged set.
func (p *Pool) FetchEvents(ctx context.Context, filters []nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	stream, err := p.StreamEvents(ctx, filters, timeout)
	if err != nil {
		return nil, err
	}

	var events []*nostr.Event
	for evt := range stream {
		events = append(events, evt)
	}

	// Sort by created_at DESC, then by ID DESC for tie-break
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})

	limit := 0
	for _, f := range filters {
		if f.Limit > 0 && (limit == 0 || f.Limit < limit) {
			limit = f.Limit
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
