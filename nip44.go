package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 version 2 encryption/decryption

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

// ConversationKey derives the shared secret between two parties via ECDH
// followed by HKDF-extract with the "nip44-v2" salt. The same key is
// obtained from (a's secret, b's public) and (b's secret, a's public).
func ConversationKey(keys *Keys, pubKeyHex string) ([]byte, error) {
	pubKeyBytes, err := decodeHex32(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	pubKey, err := parseXOnlyPubKey(pubKeyBytes)
	if err != nil {
		return nil, err
	}

	// ECDH: multiply pubkey by the secret scalar, keep the x coordinate
	sharedX, _ := pubKey.ToECDSA().Curve.ScalarMult(pubKey.X(), pubKey.Y(), keys.SecretKeyBytes())

	// Pad to 32 bytes
	sharedXBytes := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(sharedXBytes[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, sharedXBytes, []byte(nip44Salt)), nil
}

// messageKeys derives the ChaCha20 key, ChaCha20 nonce, and HMAC key for
// one message from the conversation key and a fresh nonce.
func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, fmt.Errorf("%w: conversation key must be 32 bytes", ErrInvalidKey)
	}
	if len(nonce) != 32 {
		return nil, nil, nil, fmt.Errorf("%w: nonce must be 32 bytes", ErrInvalidPayload)
	}

	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	keys := make([]byte, 76)
	if _, err := reader.Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

// calcPaddedLen implements the NIP-44 padded length scheme.
func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}

	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	var chunk int
	if nextPower <= 256 {
		chunk = 32
	} else {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	unpaddedLen := len(plaintext)
	if unpaddedLen < minPlaintextSize || unpaddedLen > maxPlaintextSize {
		return nil, fmt.Errorf("%w: plaintext length %d out of range", ErrInvalidPayload, unpaddedLen)
	}

	paddedLen := calcPaddedLen(unpaddedLen)
	result := make([]byte, 2+paddedLen)
	binary.BigEndian.PutUint16(result[0:2], uint16(unpaddedLen))
	copy(result[2:], plaintext)
	// Rest is already zero-filled
	return result, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("%w: padded data too short", ErrInvalidPayload)
	}

	unpaddedLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpaddedLen == 0 || unpaddedLen > len(padded)-2 {
		return nil, fmt.Errorf("%w: invalid padding", ErrInvalidPayload)
	}
	if len(padded) != 2+calcPaddedLen(unpaddedLen) {
		return nil, fmt.Errorf("%w: invalid padded length", ErrInvalidPayload)
	}
	return padded[2 : 2+unpaddedLen], nil
}

// hmacAAD computes HMAC-SHA256 over the message with the nonce as
// additional authenticated data.
func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// NIP44Encrypt encrypts plaintext to the v2 envelope
// base64(version || nonce || ciphertext || mac) using a fresh random
// nonce.
func NIP44Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44EncryptWithNonce(plaintext, conversationKey, nonce)
}

// nip44EncryptWithNonce is split out so tests can pin the nonce.
func nip44EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	// version || nonce || ciphertext || mac
	result := make([]byte, 1+32+len(ciphertext)+32)
	result[0] = nip44Version
	copy(result[1:33], nonce)
	copy(result[33:33+len(ciphertext)], ciphertext)
	copy(result[33+len(ciphertext):], mac)

	return base64.StdEncoding.EncodeToString(result), nil
}

// NIP44Decrypt decrypts a v2 envelope. The MAC is verified with a
// constant-time comparison before any decryption happens; on mismatch
// nothing of the plaintext is ever computed.
func NIP44Decrypt(payload string, conversationKey []byte) (string, error) {
	// A leading '#' flags a version the sender knows we can't parse.
	if len(payload) > 0 && payload[0] == '#' {
		return "", ErrUnknownVersion
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidPayload)
	}

	// 1 version + 32 nonce + 32 padded-min + 2 length prefix + 32 mac
	if len(data) < 99 || len(data) > 65603 {
		return "", fmt.Errorf("%w: invalid payload size %d", ErrInvalidPayload, len(data))
	}

	if data[0] != nip44Version {
		return "", fmt.Errorf("%w: %d", ErrUnknownVersion, data[0])
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	calculated := hmacAAD(hmacKey, ciphertext, nonce)
	if !hmac.Equal(calculated, mac) {
		return "", ErrMacMismatch
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Decrypt auto-selects the codec by payload shape: a "?iv=" suffix marks
// legacy NIP-04, anything else is treated as NIP-44.
func Decrypt(keys *Keys, senderPubKey, payload string) (string, error) {
	if strings.Contains(payload, "?iv=") {
		shared, err := NIP04SharedSecret(keys, senderPubKey)
		if err != nil {
			return "", err
		}
		return NIP04Decrypt(payload, shared)
	}

	conversationKey, err := ConversationKey(keys, senderPubKey)
	if err != nil {
		return "", err
	}
	return NIP44Decrypt(payload, conversationKey)
}
