package nostr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// NIP-04 encryption/decryption (deprecated but still used by some wallets)

// NIP04SharedSecret computes the ECDH shared secret for the legacy
// codec. Unlike NIP-44 there is no KDF step: the raw x coordinate is
// used directly per RFC 5903 section 9.
func NIP04SharedSecret(keys *Keys, pubKeyHex string) ([]byte, error) {
	pubKeyBytes, err := decodeHex32(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	pubKey, err := parseXOnlyPubKey(pubKeyBytes)
	if err != nil {
		return nil, err
	}

	sharedX := btcec.GenerateSharedSecret(keys.priv, pubKey)

	// x.Bytes() may return fewer than 32 bytes when leading bytes are 0
	if len(sharedX) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(sharedX):], sharedX)
		return padded, nil
	}
	return sharedX, nil
}

// NIP04Encrypt encrypts plaintext with AES-256-CBC. Output format:
// base64(ciphertext)?iv=base64(iv). No MAC; prefer NIP-44 wherever the
// counterparty supports it.
func NIP04Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != 32 {
		return "", fmt.Errorf("%w: shared secret must be 32 bytes", ErrInvalidKey)
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	// PKCS7 padding
	plaintextBytes := []byte(plaintext)
	blockSize := aes.BlockSize
	padding := blockSize - (len(plaintextBytes) % blockSize)
	paddedPlaintext := make([]byte, len(plaintextBytes)+padding)
	copy(paddedPlaintext, plaintextBytes)
	for i := len(plaintextBytes); i < len(paddedPlaintext); i++ {
		paddedPlaintext[i] = byte(padding)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, len(paddedPlaintext))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, paddedPlaintext)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// NIP04Decrypt decrypts a base64(ciphertext)?iv=base64(iv) payload.
func NIP04Decrypt(payload string, sharedSecret []byte) (string, error) {
	parts := strings.Split(payload, "?iv=")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: missing ?iv= separator", ErrInvalidPayload)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext base64", ErrInvalidPayload)
	}

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: invalid IV base64", ErrInvalidPayload)
	}
	if len(iv) != 16 {
		return "", fmt.Errorf("%w: invalid IV length", ErrInvalidPayload)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of block size", ErrInvalidPayload)
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	// Remove PKCS7 padding
	padding := int(plaintext[len(plaintext)-1])
	if padding > aes.BlockSize || padding == 0 || padding > len(plaintext) {
		return "", fmt.Errorf("%w: invalid padding", ErrInvalidPayload)
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return "", fmt.Errorf("%w: invalid padding bytes", ErrInvalidPayload)
		}
	}

	return string(plaintext[:len(plaintext)-padding]), nil
}
