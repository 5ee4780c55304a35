package pool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nostr "nostr-sdk"
)

// fakeRelay is an in-process websocket relay speaking just enough of
// the protocol for connection tests: OK verdicts for EVENT and AUTH,
// stored events plus EOSE for REQ.
type fakeRelay struct {
	t   *testing.T
	url string

	mu        sync.Mutex
	conns     []*websocket.Conn
	events    []*nostr.Event
	reject    string
	challenge string

	reqs      atomic.Int32
	authEvent atomic.Pointer[nostr.Event]
}

func newFakeRelay(t *testing.T) *fakeRelay {
	f := &fakeRelay{t: t}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		challenge := f.challenge
		f.mu.Unlock()
		defer conn.Close()

		if challenge != "" {
			f.send(conn, []interface{}{"AUTH", challenge})
		}
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.handle(conn, raw)
		}
	}))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *fakeRelay) handle(conn *websocket.Conn, raw []byte) {
	var arr []json.RawMessage
	if json.Unmarshal(raw, &arr) != nil || len(arr) < 2 {
		return
	}
	var label string
	if json.Unmarshal(arr[0], &label) != nil {
		return
	}

	switch label {
	case "EVENT":
		var evt nostr.Event
		if json.Unmarshal(arr[1], &evt) != nil {
			return
		}
		f.mu.Lock()
		reject := f.reject
		f.mu.Unlock()
		if reject != "" {
			f.send(conn, []interface{}{"OK", evt.ID, false, reject})
		} else {
			f.send(conn, []interface{}{"OK", evt.ID, true, ""})
		}

	case "REQ":
		f.reqs.Add(1)
		var subID string
		if json.Unmarshal(arr[1], &subID) != nil {
			return
		}
		f.mu.Lock()
		events := append([]*nostr.Event(nil), f.events...)
		f.mu.Unlock()
		for _, evt := range events {
			f.send(conn, []interface{}{"EVENT", subID, evt})
		}
		f.send(conn, []interface{}{"EOSE", subID})

	case "AUTH":
		var evt nostr.Event
		if json.Unmarshal(arr[1], &evt) != nil {
			return
		}
		f.authEvent.Store(&evt)
		f.send(conn, []interface{}{"OK", evt.ID, true, ""})
	}
}

func (f *fakeRelay) send(conn *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("fake relay marshal: %v", err)
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// dropConnections severs every live connection, simulating a relay
// restart.
func (f *fakeRelay) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeRelay) setEvents(events ...*nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRelayOptions() RelayOptions {
	return RelayOptions{
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
		Logger:         quietLogger(),
	}
}

func signedTestEvent(t *testing.T, content string) *nostr.Event {
	t.Helper()
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	evt, err := nostr.NewEventBuilder(nostr.KindTextNote).
		Content(content).
		Sign(context.Background(), keys)
	require.NoError(t, err)
	return evt
}

func waitForStatus(t *testing.T, r *Relay, want RelayStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Status() == want },
		5*time.Second, 10*time.Millisecond, "want status %s, have %s", want, r.Status())
}

// statusRecorder collects lifecycle notifications.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []RelayStatus
	events   []*nostr.Event
	messages []*nostr.RelayMessage
}

func (s *statusRecorder) notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n.Type {
	case NotificationRelayStatus:
		s.statuses = append(s.statuses, n.Status)
	case NotificationEvent:
		s.events = append(s.events, n.Event)
	case NotificationMessage:
		s.messages = append(s.messages, n.Message)
	}
}

func (s *statusRecorder) sawStatus(want RelayStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st == want {
			return true
		}
	}
	return false
}

func (s *statusRecorder) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *statusRecorder) sawEOSE() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Label == nostr.LabelEOSE {
			return true
		}
	}
	return false
}

func TestRelayLifecycle(t *testing.T) {
	f := newFakeRelay(t)
	rec := &statusRecorder{}
	r := NewRelay(f.url, rec.notify, fastRelayOptions())

	assert.Equal(t, StatusInitialized, r.Status())

	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)
	assert.True(t, rec.sawStatus(StatusPending))
	assert.True(t, rec.sawStatus(StatusConnecting))
	assert.True(t, r.Status().IsConnected())

	r.Disconnect()
	waitForStatus(t, r, StatusStopped)

	// A stopped relay may be started again
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	r.Terminate()
	waitForStatus(t, r, StatusTerminated)
	assert.ErrorIs(t, r.Connect(), ErrRelayTerminated)
}

func TestRelayConnectIsIdempotent(t *testing.T) {
	f := newFakeRelay(t)
	r := NewRelay(f.url, nil, fastRelayOptions())
	t.Cleanup(r.Terminate)

	require.NoError(t, r.Connect())
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	snap := r.Stats()
	assert.Equal(t, int64(1), snap.Success)
}

func TestRelayBackoffWhileUnreachable(t *testing.T) {
	// Nothing listens on this port
	r := NewRelay("ws://127.0.0.1:1", nil, fastRelayOptions())
	t.Cleanup(r.Terminate)

	require.NoError(t, r.Connect())
	require.Eventually(t, func() bool {
		return r.Stats().Attempts >= 3
	}, 5*time.Second, 10*time.Millisecond, "relay must keep retrying")

	assert.False(t, r.Status().IsConnected())

	r.Disconnect()
	waitForStatus(t, r, StatusStopped)
}

func TestRelaySendEventVerdicts(t *testing.T) {
	f := newFakeRelay(t)
	r := NewRelay(f.url, nil, fastRelayOptions())
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("accepted", func(t *testing.T) {
		assert.NoError(t, r.SendEvent(ctx, signedTestEvent(t, "accepted note")))
	})

	t.Run("rejected with reason", func(t *testing.T) {
		f.mu.Lock()
		f.reject = "blocked: spam"
		f.mu.Unlock()
		err := r.SendEvent(ctx, signedTestEvent(t, "rejected note"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "blocked: spam")
	})
}

func TestRelaySendEventNotConnected(t *testing.T) {
	f := newFakeRelay(t)
	r := NewRelay(f.url, nil, fastRelayOptions())

	ctx := context.Background()
	err := r.SendEvent(ctx, signedTestEvent(t, "too early"))
	assert.ErrorIs(t, err, ErrRelayNotConnected)
}

func TestRelaySubscribeDeliversEventsAndEOSE(t *testing.T) {
	f := newFakeRelay(t)
	f.setEvents(signedTestEvent(t, "first"), signedTestEvent(t, "second"))

	rec := &statusRecorder{}
	r := NewRelay(f.url, rec.notify, fastRelayOptions())
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	id, err := r.Subscribe(context.Background(), nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return rec.eventCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	require.Eventually(t, rec.sawEOSE, 5*time.Second, 10*time.Millisecond)

	subs := r.Subscriptions()
	assert.Contains(t, subs, id)

	require.NoError(t, r.Unsubscribe(context.Background(), id))
	assert.NotContains(t, r.Subscriptions(), id)
}

func TestRelayDropsInvalidEvents(t *testing.T) {
	valid := signedTestEvent(t, "valid")
	forged := signedTestEvent(t, "forged")
	forged.Content = "tampered after signing"

	f := newFakeRelay(t)
	f.setEvents(valid, forged)

	rec := &statusRecorder{}
	r := NewRelay(f.url, rec.notify, fastRelayOptions())
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	_, err := r.Subscribe(context.Background(), nostr.Filter{})
	require.NoError(t, err)

	require.Eventually(t, rec.sawEOSE, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.eventCount(), "tampered event must be dropped")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, valid.ID, rec.events[0].ID)
	assert.Equal(t, []string{f.url}, rec.events[0].RelaysSeen)
}

func TestRelayReconcileCollectsFullRemoteSet(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)

	// Enough events that the collector cannot keep up with the read
	// loop, so correctness depends on draining after EOSE
	remote := make([]*nostr.Event, 200)
	for i := range remote {
		evt, err := nostr.NewEventBuilder(nostr.KindTextNote).
			Content("reconcile " + string(rune('a'+i%26)) + string(rune('0'+i%10))).
			CreatedAt(int64(1700000000 + i)).
			Sign(context.Background(), keys)
		require.NoError(t, err)
		remote[i] = evt
	}

	f := newFakeRelay(t)
	f.setEvents(remote...)

	r := NewRelay(f.url, nil, fastRelayOptions())
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	// Local set: the first half of the remote events plus some IDs the
	// relay has never seen
	localIDs := make([]string, 0, 103)
	for _, evt := range remote[:100] {
		localIDs = append(localIDs, evt.ID)
	}
	localOnly := []string{
		strings.Repeat("aa", 32),
		strings.Repeat("bb", 32),
		strings.Repeat("cc", 32),
	}
	localIDs = append(localIDs, localOnly...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := r.Reconcile(ctx, nostr.Filter{Kinds: []int{nostr.KindTextNote}}, localIDs)
	require.NoError(t, err)

	require.Len(t, rec.Missing, 100, "every remote-only ID must be reported")
	for _, evt := range remote[100:] {
		assert.Contains(t, rec.Missing, evt.ID)
	}
	assert.ElementsMatch(t, localOnly, rec.Extra)
}

func TestRelayReconnectsAndResubscribes(t *testing.T) {
	f := newFakeRelay(t)
	r := NewRelay(f.url, nil, fastRelayOptions())
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	_, err := r.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.reqs.Load() == 1 },
		5*time.Second, 10*time.Millisecond)

	f.dropConnections()

	// The relay must reconnect on its own and replay the subscription
	require.Eventually(t, func() bool {
		return r.Status() == StatusConnected && f.reqs.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, r.Stats().Success, int64(2))
}

func TestRelayAuth(t *testing.T) {
	f := newFakeRelay(t)
	f.mu.Lock()
	f.challenge = "test-challenge"
	f.mu.Unlock()

	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)

	r := NewRelay(f.url, nil, fastRelayOptions())
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	require.Eventually(t, func() bool { return r.Challenge() == "test-challenge" },
		5*time.Second, 10*time.Millisecond)

	authEvt, err := nostr.NewEventBuilder(nostr.KindClientAuth).
		Tag("relay", f.url).
		Tag("challenge", r.Challenge()).
		Sign(context.Background(), keys)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Auth(ctx, authEvt))

	received := f.authEvent.Load()
	require.NotNil(t, received)
	assert.Equal(t, authEvt.ID, received.ID)
	assert.Equal(t, "test-challenge", received.TagValue("challenge"))
}

func TestRelayWriteRejectsOversizedMessage(t *testing.T) {
	f := newFakeRelay(t)
	opts := fastRelayOptions()
	opts.MaxMessageSize = 256
	opts.MaxEventSize = 128
	r := NewRelay(f.url, nil, opts)
	t.Cleanup(r.Terminate)
	require.NoError(t, r.Connect())
	waitForStatus(t, r, StatusConnected)

	big := signedTestEvent(t, strings.Repeat("x", 1024))
	err := r.SendEvent(context.Background(), big)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
