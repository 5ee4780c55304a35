package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessageMarshal(t *testing.T) {
	t.Run("EVENT", func(t *testing.T) {
		evt := &Event{ID: "abc", PubKey: "def", Kind: 1, Content: "<br>&", Tags: [][]string{}}
		data, err := json.Marshal(NewEventMessage(evt))
		require.NoError(t, err)

		var arr []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &arr))
		require.Len(t, arr, 2)
		assert.Equal(t, `"EVENT"`, string(arr[0]))
		assert.Contains(t, string(arr[1]), `"<br>&"`, "content must not be HTML-escaped")
	})

	t.Run("REQ carries one object per filter", func(t *testing.T) {
		msg := NewReqMessage("sub1", Filter{Kinds: []int{1}}, Filter{Kinds: []int{7}})
		data, err := json.Marshal(msg)
		require.NoError(t, err)

		var arr []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &arr))
		require.Len(t, arr, 4)
		assert.Equal(t, `"REQ"`, string(arr[0]))
		assert.Equal(t, `"sub1"`, string(arr[1]))
	})

	t.Run("CLOSE", func(t *testing.T) {
		data, err := json.Marshal(NewCloseMessage("sub1"))
		require.NoError(t, err)
		assert.JSONEq(t, `["CLOSE","sub1"]`, string(data))
	})

	t.Run("COUNT", func(t *testing.T) {
		data, err := json.Marshal(NewCountMessage("sub1", Filter{Kinds: []int{1}}))
		require.NoError(t, err)

		var arr []json.RawMessage
		require.NoError(t, json.Unmarshal(data, &arr))
		require.Len(t, arr, 3)
		assert.Equal(t, `"COUNT"`, string(arr[0]))
	})

	t.Run("unknown label errors", func(t *testing.T) {
		_, err := json.Marshal(ClientMessage{Label: "BOGUS"})
		require.Error(t, err)
	})
}

func TestParseRelayMessage(t *testing.T) {
	t.Run("EVENT", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["EVENT","sub1",{"id":"abc","pubkey":"def","created_at":100,"kind":1,"tags":[],"content":"hi","sig":"00"}]`))
		require.NoError(t, err)
		assert.Equal(t, LabelEvent, msg.Label)
		assert.Equal(t, "sub1", msg.SubscriptionID)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "abc", msg.Event.ID)
		assert.Equal(t, "hi", msg.Event.Content)
	})

	t.Run("OK positive", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["OK","abc",true,""]`))
		require.NoError(t, err)
		assert.Equal(t, "abc", msg.EventID)
		assert.True(t, msg.OK)
	})

	t.Run("OK negative carries reason", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["OK","abc",false,"blocked: spam"]`))
		require.NoError(t, err)
		assert.False(t, msg.OK)
		assert.Equal(t, "blocked: spam", msg.Message)
	})

	t.Run("EOSE", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["EOSE","sub1"]`))
		require.NoError(t, err)
		assert.Equal(t, "sub1", msg.SubscriptionID)
	})

	t.Run("CLOSED", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["CLOSED","sub1","auth-required: restricted"]`))
		require.NoError(t, err)
		assert.Equal(t, "sub1", msg.SubscriptionID)
		assert.Equal(t, "auth-required: restricted", msg.Message)
	})

	t.Run("NOTICE", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["NOTICE","slow down"]`))
		require.NoError(t, err)
		assert.Equal(t, "slow down", msg.Message)
	})

	t.Run("AUTH", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["AUTH","challenge-string"]`))
		require.NoError(t, err)
		assert.Equal(t, "challenge-string", msg.Challenge)
	})

	t.Run("COUNT", func(t *testing.T) {
		msg, err := ParseRelayMessage([]byte(`["COUNT","sub1",{"count":42}]`))
		require.NoError(t, err)
		assert.Equal(t, int64(42), msg.Count)
	})

	t.Run("unknown label is a skippable error", func(t *testing.T) {
		_, err := ParseRelayMessage([]byte(`["FANCY","whatever"]`))
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		_, err := ParseRelayMessage([]byte(`{"not":"an array"}`))
		assert.ErrorIs(t, err, ErrMalformedJSON)
	})

	t.Run("short array", func(t *testing.T) {
		_, err := ParseRelayMessage([]byte(`["EVENT"]`))
		assert.ErrorIs(t, err, ErrMalformedJSON)
	})

	t.Run("OK with missing fields", func(t *testing.T) {
		_, err := ParseRelayMessage([]byte(`["OK","abc"]`))
		assert.ErrorIs(t, err, ErrMalformedJSON)
	})
}
