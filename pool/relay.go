package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	nostr "nostr-sdk"
)

// Relay lifecycle errors.
var (
	ErrRelayTerminated   = errors.New("relay terminated")
	ErrRelayNotConnected = errors.New("relay not connected")
	ErrMessageTooLarge   = errors.New("message exceeds size limit")
)

const connectTimeout = 15 * time.Second

// subscription tracks one active REQ on a relay connection.
type subscription struct {
	id      string
	filters []nostr.Filter
	eose    bool

	// Optional local sinks used by Reconcile and other one-shot
	// collectors. Event deliveries block until received or sinkDone is
	// closed, so nothing is lost when the collector lags.
	sink     chan *nostr.Event
	sinkDone chan struct{}
	eoseCh   chan struct{}
}

// Relay is a single websocket relay connection driven by one loop:
// connect, read until failure, back off, retry. It never holds a
// reference to its owning pool; state flows upward only through the
// injected notify handle.
type Relay struct {
	url    string
	opts   RelayOptions
	logger *slog.Logger

	status atomicStatus
	stats  RelayStats

	// notify pushes notifications upward. May be nil for a standalone
	// relay.
	notify func(Notification)

	mu        sync.Mutex
	conn      Conn
	subs      map[string]*subscription
	okWaiters map[string]chan *nostr.RelayMessage
	challenge string
	running   bool
	stopCh    chan struct{}

	termOnce sync.Once
	termCh   chan struct{}

	writeMu sync.Mutex
}

// NewRelay builds a relay for the given URL. notify may be nil.
func NewRelay(url string, notify func(Notification), opts RelayOptions) *Relay {
	opts.fillDefaults()
	r := &Relay{
		url:       url,
		opts:      opts,
		logger:    opts.Logger.With("relay", url),
		notify:    notify,
		subs:      make(map[string]*subscription),
		okWaiters: make(map[string]chan *nostr.RelayMessage),
		termCh:    make(chan struct{}),
	}
	r.status.Store(StatusInitialized)
	return r
}

// URL returns the relay URL.
func (r *Relay) URL() string {
	return r.url
}

// Status returns the current lifecycle state.
func (r *Relay) Status() RelayStatus {
	return r.status.Load()
}

// Stats returns a snapshot of the connection counters.
func (r *Relay) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// Challenge returns the most recent NIP-42 AUTH challenge, or "".
func (r *Relay) Challenge() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.challenge
}

func (r *Relay) setStatus(s RelayStatus) {
	r.status.Store(s)
	r.emit(Notification{Type: NotificationRelayStatus, RelayURL: r.url, Status: s})
}

func (r *Relay) emit(n Notification) {
	if r.notify != nil {
		r.notify(n)
	}
}

// Connect starts the driving loop. It returns immediately; connection
// progress is observable via Status and status notifications. Calling
// Connect on an already running or terminated relay is a no-op (an
// error in the terminated case).
func (r *Relay) Connect() error {
	select {
	case <-r.termCh:
		return ErrRelayTerminated
	default:
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.setStatus(StatusPending)
	go r.run(stopCh)
	return nil
}

// Disconnect stops the relay: the socket is closed and no reconnect is
// attempted until Connect is called again.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Terminate shuts the relay down for good; it can never reconnect.
func (r *Relay) Terminate() {
	r.termOnce.Do(func() {
		close(r.termCh)
	})
	r.Disconnect()

	r.mu.Lock()
	running := r.running
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	// With no loop running there is nobody else to emit the final state
	if !running {
		r.setStatus(StatusTerminated)
	}
}

// run is the single driving loop: one connection attempt per iteration,
// exponential backoff between failures.
func (r *Relay) run(stopCh chan struct{}) {
	// The final status is emitted only after running is cleared, so a
	// caller observing Stopped can immediately Connect again.
	// Termination always wins over a plain stop.
	final := StatusStopped
	defer func() {
		select {
		case <-r.termCh:
			final = StatusTerminated
		default:
		}
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.setStatus(final)
	}()

	backoff := r.opts.BackoffInitial

	for {
		select {
		case <-r.termCh:
			final = StatusTerminated
			return
		case <-stopCh:
			final = StatusStopped
			return
		default:
		}

		r.setStatus(StatusConnecting)
		r.stats.newAttempt()

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		conn, err := r.opts.Transport.Connect(ctx, r.url)
		cancel()

		if err != nil {
			r.logger.Warn("connect failed", "error", err, "retry_in", backoff)
			r.setStatus(StatusPending)

			timer := r.opts.Clock.Timer(backoff)
			select {
			case <-timer.C:
			case <-stopCh:
				timer.Stop()
				final = StatusStopped
				return
			case <-r.termCh:
				timer.Stop()
				final = StatusTerminated
				return
			}
			backoff *= 2
			if backoff > r.opts.BackoffMax {
				backoff = r.opts.BackoffMax
			}
			continue
		}

		backoff = r.opts.BackoffInitial
		r.stats.newSuccess()

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.setStatus(StatusConnected)

		r.resubscribe()
		r.readLoop(conn)

		conn.Close()
		r.mu.Lock()
		r.conn = nil
		// Outstanding OK waiters will never get an answer on this
		// connection.
		for id, ch := range r.okWaiters {
			close(ch)
			delete(r.okWaiters, id)
		}
		r.mu.Unlock()

		select {
		case <-r.termCh:
			final = StatusTerminated
			return
		case <-stopCh:
			final = StatusStopped
			return
		default:
			r.setStatus(StatusDisconnected)
		}
	}
}

// resubscribe replays every tracked subscription after a reconnect.
func (r *Relay) resubscribe() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		sub.eose = false
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if err := r.write(nostr.NewReqMessage(sub.id, sub.filters...)); err != nil {
			r.logger.Warn("resubscribe failed", "subscription", sub.id, "error", err)
			return
		}
	}
}

func (r *Relay) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("read loop ended", "error", err)
			return
		}
		r.stats.addReceived(len(data))

		if len(data) > r.opts.MaxMessageSize {
			r.logger.Warn("dropping oversized message", "bytes", len(data))
			continue
		}

		msg, err := nostr.ParseRelayMessage(data)
		if err != nil {
			// Unknown or malformed messages are skipped, never fatal
			r.logger.Debug("skipping message", "error", err)
			continue
		}
		r.handleMessage(msg, len(data))
	}
}

func (r *Relay) handleMessage(msg *nostr.RelayMessage, size int) {
	switch msg.Label {
	case nostr.LabelEvent:
		r.handleEvent(msg, size)

	case nostr.LabelOK:
		r.mu.Lock()
		waiter := r.okWaiters[msg.EventID]
		delete(r.okWaiters, msg.EventID)
		r.mu.Unlock()
		if waiter != nil {
			waiter <- msg
		}
		r.emit(Notification{Type: NotificationMessage, RelayURL: r.url, Message: msg})

	case nostr.LabelEOSE:
		r.mu.Lock()
		sub := r.subs[msg.SubscriptionID]
		if sub != nil {
			sub.eose = true
			if sub.eoseCh != nil {
				select {
				case sub.eoseCh <- struct{}{}:
				default:
				}
			}
		}
		r.mu.Unlock()
		r.emit(Notification{
			Type:           NotificationMessage,
			RelayURL:       r.url,
			SubscriptionID: msg.SubscriptionID,
			Message:        msg,
		})

	case nostr.LabelClosed:
		r.logger.Debug("subscription closed by relay",
			"subscription", msg.SubscriptionID, "reason", msg.Message)
		r.mu.Lock()
		delete(r.subs, msg.SubscriptionID)
		r.mu.Unlock()
		r.emit(Notification{
			Type:           NotificationMessage,
			RelayURL:       r.url,
			SubscriptionID: msg.SubscriptionID,
			Message:        msg,
		})

	case nostr.LabelNotice:
		r.logger.Info("notice", "message", msg.Message)
		r.emit(Notification{Type: NotificationMessage, RelayURL: r.url, Message: msg})

	case nostr.LabelAuth:
		r.mu.Lock()
		r.challenge = msg.Challenge
		r.mu.Unlock()
		r.emit(Notification{Type: NotificationMessage, RelayURL: r.url, Message: msg})

	default:
		r.emit(Notification{Type: NotificationMessage, RelayURL: r.url, Message: msg})
	}
}

func (r *Relay) handleEvent(msg *nostr.RelayMessage, size int) {
	evt := msg.Event
	if evt == nil {
		return
	}

	// Limit checks protect memory from misbehaving relays
	if size > r.opts.MaxEventSize {
		r.logger.Warn("dropping oversized event", "event_id", nostr.ShortID(evt.ID), "bytes", size)
		return
	}
	if len(evt.Tags) > r.opts.MaxEventTags {
		r.logger.Warn("dropping event with too many tags",
			"event_id", nostr.ShortID(evt.ID), "tags", len(evt.Tags))
		return
	}

	// Invalid events are dropped, never fatal to the connection
	if !r.opts.SkipVerify {
		if err := evt.Verify(); err != nil {
			r.logger.Warn("dropping invalid event",
				"event_id", nostr.ShortID(evt.ID), "error", err)
			return
		}
	}

	evt.RelaysSeen = []string{r.url}

	r.mu.Lock()
	sub := r.subs[msg.SubscriptionID]
	r.mu.Unlock()
	if sub == nil {
		// Event for a subscription we no longer track
		return
	}
	if sub.sink != nil {
		select {
		case sub.sink <- evt:
		case <-sub.sinkDone:
		}
	}

	r.emit(Notification{
		Type:           NotificationEvent,
		RelayURL:       r.url,
		SubscriptionID: msg.SubscriptionID,
		Event:          evt,
	})
}

// write serializes and sends one client message, enforcing the size
// limit locally rather than letting the relay reject or stall.
func (r *Relay) write(msg nostr.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > r.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrRelayNotConnected
	}

	r.writeMu.Lock()
	err = conn.WriteMessage(data)
	r.writeMu.Unlock()
	if err != nil {
		return err
	}
	r.stats.addSent(len(data))
	return nil
}

// SendEvent publishes the event and waits for the relay's OK response.
// A negative OK is returned as an error carrying the relay's reason.
func (r *Relay) SendEvent(ctx context.Context, evt *nostr.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if len(data) > r.opts.MaxEventSize {
		return fmt.Errorf("%w: event is %d bytes", ErrMessageTooLarge, len(data))
	}

	waiter := make(chan *nostr.RelayMessage, 1)
	r.mu.Lock()
	r.okWaiters[evt.ID] = waiter
	r.mu.Unlock()

	if err := r.write(nostr.NewEventMessage(evt)); err != nil {
		r.mu.Lock()
		delete(r.okWaiters, evt.ID)
		r.mu.Unlock()
		return err
	}

	select {
	case msg, ok := <-waiter:
		if !ok {
			return ErrRelayNotConnected
		}
		if !msg.OK {
			return fmt.Errorf("relay rejected event: %s", msg.Message)
		}
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.okWaiters, evt.ID)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Auth answers a NIP-42 challenge with a signed kind-22242 event and
// waits for the OK verdict.
func (r *Relay) Auth(ctx context.Context, evt *nostr.Event) error {
	waiter := make(chan *nostr.RelayMessage, 1)
	r.mu.Lock()
	r.okWaiters[evt.ID] = waiter
	r.mu.Unlock()

	if err := r.write(nostr.NewAuthMessage(evt)); err != nil {
		r.mu.Lock()
		delete(r.okWaiters, evt.ID)
		r.mu.Unlock()
		return err
	}

	select {
	case msg, ok := <-waiter:
		if !ok {
			return ErrRelayNotConnected
		}
		if !msg.OK {
			r.emit(Notification{Type: NotificationAuthFailed, RelayURL: r.url, Reason: msg.Message})
			return fmt.Errorf("authentication rejected: %s", msg.Message)
		}
		r.emit(Notification{Type: NotificationAuthenticated, RelayURL: r.url})
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.okWaiters, evt.ID)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Subscribe opens a subscription with the given filters and returns the
// subscription ID. IDs are unique per relay connection, not globally.
func (r *Relay) Subscribe(ctx context.Context, filters ...nostr.Filter) (string, error) {
	return r.SubscribeWithID(ctx, uuid.NewString(), filters...)
}

// SubscribeWithID opens a subscription under a caller-chosen ID.
func (r *Relay) SubscribeWithID(ctx context.Context, id string, filters ...nostr.Filter) (string, error) {
	return r.subscribe(ctx, id, filters, nil, nil, nil)
}

func (r *Relay) subscribe(ctx context.Context, id string, filters []nostr.Filter, sink chan *nostr.Event, sinkDone chan struct{}, eoseCh chan struct{}) (string, error) {
	sub := &subscription{id: id, filters: filters, sink: sink, sinkDone: sinkDone, eoseCh: eoseCh}

	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()

	if err := r.write(nostr.NewReqMessage(id, filters...)); err != nil {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Unsubscribe closes one subscription.
func (r *Relay) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	_, exists := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if !exists {
		return nil
	}
	// Best effort: the relay may already be gone
	return r.write(nostr.NewCloseMessage(id))
}

// UnsubscribeAll closes every subscription on this relay.
func (r *Relay) UnsubscribeAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	for _, id := range ids {
		r.write(nostr.NewCloseMessage(id))
	}
}

// Subscriptions returns the IDs and filters of active subscriptions.
func (r *Relay) Subscriptions() map[string][]nostr.Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]nostr.Filter, len(r.subs))
	for id, sub := range r.subs {
		out[id] = sub.filters
	}
	return out
}
