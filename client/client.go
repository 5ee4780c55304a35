// Package client wires the relay pool, gossip resolver, signer, and
// event store into one high-level handle. It is the intended entry
// point for applications; the lower-level packages stay usable on
// their own.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	nostr "nostr-sdk"
	"nostr-sdk/gossip"
	"nostr-sdk/pool"
	"nostr-sdk/store"
)

// ErrNoSigner is returned by operations that need signing when the
// client was built without a signer.
var ErrNoSigner = errors.New("client: no signer configured")

// Options configures a Client. The zero value gives an unauthenticated,
// storeless client with gossip disabled.
type Options struct {
	// Signer signs outgoing events. Optional for read-only clients.
	Signer nostr.Signer

	// Store persists verified inbound events when set.
	Store store.Store

	// Gossip enables NIP-65 relay routing for publishes and fetches.
	Gossip bool

	// Pool passes through pool configuration.
	Pool pool.PoolOptions

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is the top-level handle. Safe for concurrent use.
type Client struct {
	signer nostr.Signer
	store  store.Store
	pool   *pool.Pool
	gossip *gossip.Resolver
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  func()
	done    chan struct{}
}

// New builds a client. Connect must be called before network
// operations succeed.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool.Logger == nil {
		opts.Pool.Logger = opts.Logger
	}

	c := &Client{
		signer: opts.Signer,
		store:  opts.Store,
		pool:   pool.NewPool(opts.Pool),
		logger: opts.Logger,
	}
	if opts.Gossip {
		c.gossip = gossip.NewResolver(gossip.Options{
			Fetch:  c.fetchRelayLists,
			Logger: opts.Logger,
		})
	}
	return c
}

// Pool exposes the underlying relay pool for advanced use.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Gossip returns the resolver, or nil when gossip is disabled.
func (c *Client) Gossip() *gossip.Resolver { return c.gossip }

// AddRelay registers a relay with the pool.
func (c *Client) AddRelay(url string) (bool, error) {
	return c.pool.AddRelay(url)
}

// Connect starts all relay connections and the background ingest loop
// that feeds inbound events into the store and gossip cache.
func (c *Client) Connect() {
	c.mu.Lock()
	if !c.started {
		c.started = true
		ch, cancel := c.pool.Notifications()
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.ingest(ch)
	}
	c.mu.Unlock()

	c.pool.Connect()
}

// Shutdown tears down the pool and waits for the ingest loop to drain.
func (c *Client) Shutdown() {
	c.pool.Shutdown()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ingest consumes pool notifications until the channel closes. Events
// already passed relay-side verification; here they are persisted and
// mined for relay-list updates.
func (c *Client) ingest(ch <-chan pool.Notification) {
	defer close(c.done)
	for n := range ch {
		if n.Type == pool.NotificationMessage && n.Message != nil &&
			n.Message.Label == nostr.LabelAuth && c.signer != nil {
			go c.authenticate(n.RelayURL, n.Message.Challenge)
			continue
		}
		if n.Type != pool.NotificationEvent || n.Event == nil {
			continue
		}
		evt := n.Event

		if c.gossip != nil &&
			(evt.Kind == nostr.KindRelayList || evt.Kind == nostr.KindInboxRelays) {
			if err := c.gossip.UpdateRelayList(evt); err != nil {
				c.logger.Debug("relay list ignored",
					"event_id", nostr.ShortID(evt.ID), "error", err)
			}
		}

		if c.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.store.SaveEvent(ctx, evt); err != nil {
				c.logger.Warn("event store write failed",
					"event_id", nostr.ShortID(evt.ID), "error", err)
			}
			cancel()
		}
	}
}

// authenticate answers a NIP-42 challenge from a relay with a signed
// kind-22242 event.
func (c *Client) authenticate(relayURL, challenge string) {
	r := c.pool.Relay(relayURL)
	if r == nil || challenge == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	evt, err := c.Sign(ctx, nostr.NewEventBuilder(nostr.KindClientAuth).
		Tag("relay", relayURL).
		Tag("challenge", challenge))
	if err != nil {
		c.logger.Warn("auth signing failed", "relay", relayURL, "error", err)
		return
	}
	if err := r.Auth(ctx, evt); err != nil {
		c.logger.Warn("auth rejected", "relay", relayURL, "error", err)
		return
	}
	c.logger.Info("authenticated", "relay", relayURL)
}

// PublicKey returns the signer's pubkey.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}
	return c.signer.PublicKey(ctx)
}

// Sign finalizes a builder into a signed event using the configured
// signer.
func (c *Client) Sign(ctx context.Context, b *nostr.EventBuilder) (*nostr.Event, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	pubkey, err := c.signer.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	unsigned, err := b.Unsigned(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	return c.signer.SignEvent(ctx, unsigned)
}

// Publish sends a signed event. With gossip enabled the target set is
// the author's write relays plus the read relays of every p-tagged
// recipient; relays not yet in the pool are added on the fly. Without
// gossip, or when no relay lists are known, the event goes to every
// pool relay.
func (c *Client) Publish(ctx context.Context, evt *nostr.Event) pool.Output {
	targets := c.publishTargets(evt)
	if len(targets) == 0 {
		return c.pool.SendEvent(ctx, evt)
	}
	for _, url := range targets {
		if _, err := c.pool.AddRelay(url); err != nil {
			c.logger.Debug("skipping gossip relay", "url", url, "error", err)
		}
	}
	return c.pool.SendEventTo(ctx, targets, evt)
}

// PublishTo sends a signed event to an explicit relay set.
func (c *Client) PublishTo(ctx context.Context, urls []string, evt *nostr.Event) pool.Output {
	return c.pool.SendEventTo(ctx, urls, evt)
}

// SignAndPublish is Sign followed by Publish.
func (c *Client) SignAndPublish(ctx context.Context, b *nostr.EventBuilder) (*nostr.Event, pool.Output, error) {
	evt, err := c.Sign(ctx, b)
	if err != nil {
		return nil, pool.Output{}, err
	}
	return evt, c.Publish(ctx, evt), nil
}

// publishTargets resolves the gossip routing set for an event. Nil
// means "no routing information, use the whole pool".
func (c *Client) publishTargets(evt *nostr.Event) []string {
	if c.gossip == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var targets []string
	add := func(urls []string) {
		for _, u := range urls {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			targets = append(targets, u)
		}
	}

	add(c.gossip.RelaysFor(evt.PubKey, gossip.IntentWrite))
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			add(c.gossip.RelaysFor(tag[1], gossip.IntentRead))
		}
	}
	return targets
}

// FetchEvents queries the pool and persists the results when a store is
// configured. Results arrive newest first.
func (c *Client) FetchEvents(ctx context.Context, filters []nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	events, err := c.pool.FetchEvents(ctx, filters, timeout)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		for _, evt := range events {
			if err := c.store.SaveEvent(ctx, evt); err != nil {
				c.logger.Warn("event store write failed",
					"event_id", nostr.ShortID(evt.ID), "error", err)
			}
		}
	}
	return events, nil
}

// QueryStore reads matching events from the local store only.
func (c *Client) QueryStore(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.Query(ctx, filter)
}

// StreamEvents opens a live stream over the pool. See Pool.StreamEvents
// for termination semantics.
func (c *Client) StreamEvents(ctx context.Context, filters []nostr.Filter, timeout time.Duration) (<-chan *nostr.Event, error) {
	return c.pool.StreamEvents(ctx, filters, timeout)
}

// Subscribe opens a long-lived pool subscription and returns its ID.
func (c *Client) Subscribe(ctx context.Context, filters ...nostr.Filter) (string, error) {
	return c.pool.Subscribe(ctx, filters...)
}

// Unsubscribe closes a pool subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) {
	c.pool.Unsubscribe(ctx, id)
}

// Notifications subscribes to the pool's notification stream.
func (c *Client) Notifications() (<-chan pool.Notification, func()) {
	return c.pool.Notifications()
}

// fetchRelayLists is the gossip resolver's fetch hook: a bounded pool
// query for the pubkey's current relay-list events.
func (c *Client) fetchRelayLists(ctx context.Context, pubkey string) ([]*nostr.Event, error) {
	filter := nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindRelayList, nostr.KindInboxRelays},
		Limit:   4,
	}
	return c.pool.FetchEvents(ctx, []nostr.Filter{filter}, 5*time.Second)
}
