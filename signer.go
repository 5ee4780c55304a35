package nostr

import "context"

// Signer abstracts event signing so remote or hardware signers (NIP-46)
// can substitute for local keys. Implementations must be safe for
// concurrent use.
type Signer interface {
	// PublicKey returns the signer's x-only public key as hex.
	PublicKey(ctx context.Context) (string, error)

	// SignEvent signs the unsigned event, returning the completed Event.
	SignEvent(ctx context.Context, unsigned *UnsignedEvent) (*Event, error)

	// NIP44Encrypt encrypts plaintext for the given recipient pubkey.
	NIP44Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error)

	// NIP44Decrypt decrypts a payload from the given sender pubkey.
	NIP44Decrypt(ctx context.Context, senderPubKey, payload string) (string, error)
}

// KeySigner signs locally with in-memory Keys.
type KeySigner struct {
	keys *Keys
}

// NewKeySigner wraps keys in the Signer interface.
func NewKeySigner(keys *Keys) *KeySigner {
	return &KeySigner{keys: keys}
}

// Keys returns the underlying keypair.
func (s *KeySigner) Keys() *Keys {
	return s.keys
}

func (s *KeySigner) PublicKey(ctx context.Context) (string, error) {
	return s.keys.PublicKeyHex(), nil
}

func (s *KeySigner) SignEvent(ctx context.Context, unsigned *UnsignedEvent) (*Event, error) {
	return unsigned.Sign(s.keys)
}

func (s *KeySigner) NIP44Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error) {
	conversationKey, err := ConversationKey(s.keys, recipientPubKey)
	if err != nil {
		return "", err
	}
	return NIP44Encrypt(plaintext, conversationKey)
}

func (s *KeySigner) NIP44Decrypt(ctx context.Context, senderPubKey, payload string) (string, error) {
	return Decrypt(s.keys, senderPubKey, payload)
}
