package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event represents a signed Nostr event (NIP-01).
// All byte fields are hex-encoded strings at the wire boundary:
// ID and PubKey are 32 bytes (64 hex chars), Sig is 64 bytes (128 hex chars).
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`

	// RelaysSeen records which relays delivered this event. Local
	// bookkeeping, never serialized.
	RelaysSeen []string `json:"-"`
}

// UnsignedEvent is an event whose ID has been computed but which carries
// no signature yet. Used for rumor and gift-wrap flows where signing is
// deferred or delegated to a remote signer.
type UnsignedEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// serializeEvent produces the canonical byte sequence hashed to form the
// event ID:
//
//	[0, pubkey, created_at, kind, tags, content]
//
// IMPORTANT: We must NOT escape HTML characters (<, >, &) because
// Nostr relays expect unescaped JSON. Go's json.Marshal escapes these
// by default, so we use json.Encoder with SetEscapeHTML(false).
func serializeEvent(pubkey string, createdAt int64, kind int, tags [][]string, content string) []byte {
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{
		0,
		pubkey,
		createdAt,
		kind,
		tags,
		content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	// Encoder.Encode adds a trailing newline, remove it
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeID returns the hex event ID: SHA256 over the canonical
// serialization of the given fields.
func ComputeID(pubkey string, createdAt int64, kind int, tags [][]string, content string) string {
	hash := sha256.Sum256(serializeEvent(pubkey, createdAt, kind, tags, content))
	return hex.EncodeToString(hash[:])
}

// ComputeID recomputes this event's ID from its current fields.
func (e *Event) ComputeID() string {
	return ComputeID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
}

// ComputeID recomputes the unsigned event's ID from its current fields.
func (e *UnsignedEvent) ComputeID() string {
	return ComputeID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
}

// Sign produces a signed Event from the unsigned event using the given
// keys. The ID is recomputed, so field edits after construction are safe.
func (e *UnsignedEvent) Sign(keys *Keys) (*Event, error) {
	evt := &Event{
		ID:        e.ComputeID(),
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
	}
	sig, err := keys.signID(evt.ID)
	if err != nil {
		return nil, err
	}
	evt.Sig = sig
	return evt, nil
}

// Verify checks the event's integrity. The ID is recomputed from the
// fields and compared to the stored ID, then the Schnorr signature is
// verified against the ID and pubkey. Both checks are mandatory: the
// signature alone does not protect against an ID that was swapped for
// one matching different fields.
func (e *Event) Verify() error {
	if e.ComputeID() != e.ID {
		return ErrInvalidID
	}

	if len(e.Sig) != 128 || len(e.PubKey) != 64 {
		return ErrInvalidSignature
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig is not hex", ErrInvalidSignature)
	}
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey is not hex", ErrInvalidSignature)
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("%w: id is not hex", ErrInvalidID)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return ErrInvalidSignature
	}
	return nil
}

// TagValue returns the second element of the first tag whose name matches,
// or "" if absent.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// LeadingZeroBits counts zero bits from the most significant bit of the
// given ID bytes. Drives both proof-of-work mining and verification.
func LeadingZeroBits(id []byte) int {
	count := 0
	for _, b := range id {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}

// Difficulty returns the number of leading zero bits in the event ID.
func (e *Event) Difficulty() int {
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return 0
	}
	return LeadingZeroBits(idBytes)
}

// CheckPowDifficulty verifies that the event ID meets the given
// difficulty AND that the event commits to at least that difficulty in
// its nonce tag. Without the commitment check an attacker could reuse a
// luckily-low ID mined for a weaker target.
func (e *Event) CheckPowDifficulty(difficulty int) error {
	if e.Difficulty() < difficulty {
		return ErrDifficultyNotMet
	}
	for _, tag := range e.Tags {
		if len(tag) >= 3 && tag[0] == "nonce" {
			committed, err := strconv.Atoi(tag[2])
			if err == nil && committed >= difficulty {
				return nil
			}
		}
	}
	return ErrDifficultyNotMet
}

// ShortID truncates an ID or pubkey to 12 chars for logging.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
