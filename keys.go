package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Keys holds a secp256k1 keypair. The public key is kept in BIP-340
// x-only form (32 bytes, hex) as used everywhere in the protocol.
type Keys struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// GenerateKeys creates a new random keypair.
func GenerateKeys() (*Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeys(priv), nil
}

// ParseKeys accepts a hex-encoded secret key or an nsec1... bech32 string.
func ParseKeys(secretKey string) (*Keys, error) {
	var keyBytes []byte
	var err error

	if len(secretKey) > 5 && secretKey[:5] == "nsec1" {
		keyBytes, err = DecodeNsec(secretKey)
	} else {
		keyBytes, err = hex.DecodeString(secretKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeysFromBytes(keyBytes)
}

// KeysFromBytes builds Keys from a raw 32-byte secret key.
func KeysFromBytes(secretKey []byte) (*Keys, error) {
	if len(secretKey) != 32 {
		return nil, fmt.Errorf("%w: secret key must be 32 bytes", ErrInvalidKey)
	}
	priv, _ := btcec.PrivKeyFromBytes(secretKey)
	if priv == nil || priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: secret key is zero", ErrInvalidKey)
	}
	return newKeys(priv), nil
}

func newKeys(priv *btcec.PrivateKey) *Keys {
	// x-only pubkey (32 bytes) - BIP-340 format
	pub := priv.PubKey().SerializeCompressed()[1:]
	return &Keys{
		priv:   priv,
		pubHex: hex.EncodeToString(pub),
	}
}

// PublicKeyHex returns the x-only public key as 64 hex chars.
func (k *Keys) PublicKeyHex() string {
	return k.pubHex
}

// SecretKeyBytes returns the raw 32-byte secret key.
func (k *Keys) SecretKeyBytes() []byte {
	return k.priv.Serialize()
}

// Npub returns the bech32 npub encoding of the public key.
func (k *Keys) Npub() (string, error) {
	return EncodeNpub(k.pubHex)
}

// Nsec returns the bech32 nsec encoding of the secret key.
func (k *Keys) Nsec() (string, error) {
	return EncodeNsec(k.SecretKeyBytes())
}

// signID signs a 32-byte hex event ID with BIP-340 Schnorr.
func (k *Keys) signID(eventID string) (string, error) {
	idBytes, err := hex.DecodeString(eventID)
	if err != nil || len(idBytes) != 32 {
		return "", fmt.Errorf("%w: event ID must be 32 hex bytes", ErrInvalidID)
	}
	sig, err := schnorr.Sign(k.priv, idBytes)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// decodeHex32 decodes a hex string that must be exactly 32 bytes.
func decodeHex32(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return b, nil
}

// parseXOnlyPubKey parses a 32-byte x-only public key, trying the even
// y-coordinate prefix first, then the odd one.
func parseXOnlyPubKey(pubKeyBytes []byte) (*btcec.PublicKey, error) {
	if len(pubKeyBytes) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 bytes", ErrInvalidKey)
	}
	pubKeyWithPrefix := append([]byte{0x02}, pubKeyBytes...)
	pubKey, err := btcec.ParsePubKey(pubKeyWithPrefix)
	if err != nil {
		pubKeyWithPrefix[0] = 0x03
		pubKey, err = btcec.ParsePubKey(pubKeyWithPrefix)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key", ErrInvalidKey)
		}
	}
	return pubKey, nil
}
