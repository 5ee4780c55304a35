package nostr

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// NIP-19 bech32-encoded entities.

// NEvent represents a decoded nevent1... identifier
type NEvent struct {
	EventID    string   // 32-byte event ID as hex
	Author     string   // Optional 32-byte author pubkey as hex
	RelayHints []string // Optional relay URLs
}

// NAddr represents a decoded naddr1... identifier
type NAddr struct {
	Kind       uint32   // Event kind
	Author     string   // 32-byte author pubkey as hex
	DTag       string   // d-tag identifier
	RelayHints []string // Optional relay URLs
}

// NProfile represents a decoded nprofile1... identifier
type NProfile struct {
	Pubkey     string   // 32-byte pubkey as hex
	RelayHints []string // Optional relay URLs
}

// TLV type constants for NIP-19
const (
	tlvTypeSpecial = 0 // event_id for nevent, pubkey for nprofile, d-tag for naddr
	tlvTypeRelay   = 1 // relay URL
	tlvTypeAuthor  = 2 // author pubkey
	tlvTypeKind    = 3 // kind (for nevent/naddr)
)

// EncodeNpub encodes a hex pubkey to npub format.
func EncodeNpub(pubkeyHex string) (string, error) {
	return encodeBareEntity("npub", pubkeyHex)
}

// EncodeNote encodes a hex event ID to note format.
func EncodeNote(eventIDHex string) (string, error) {
	return encodeBareEntity("note", eventIDHex)
}

// EncodeNsec encodes a raw 32-byte secret key to nsec format.
func EncodeNsec(secretKey []byte) (string, error) {
	if len(secretKey) != 32 {
		return "", errors.New("invalid secret key length")
	}
	data, err := bech32ConvertBits(secretKey, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("nsec", data)
}

func encodeBareEntity(hrp, hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid %s length", hrp)
	}
	data, err := bech32ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(hrp, data)
}

// DecodeNpub decodes an npub1... string to a hex pubkey.
func DecodeNpub(npub string) (string, error) {
	return decodeBareEntity("npub", npub)
}

// DecodeNote decodes a note1... string to a hex event ID.
func DecodeNote(note string) (string, error) {
	return decodeBareEntity("note", note)
}

// DecodeNsec decodes an nsec1... string to the raw 32-byte secret key.
func DecodeNsec(nsec string) ([]byte, error) {
	hrp, data, err := bech32Decode(nsec)
	if err != nil {
		return nil, err
	}
	if hrp != "nsec" {
		return nil, errors.New("invalid hrp for nsec")
	}
	raw, err := bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errors.New("invalid nsec length")
	}
	return raw, nil
}

func decodeBareEntity(wantHrp, bech string) (string, error) {
	if !strings.HasPrefix(bech, wantHrp+"1") {
		return "", fmt.Errorf("not a %s", wantHrp)
	}
	hrp, data, err := bech32Decode(bech)
	if err != nil {
		return "", err
	}
	if hrp != wantHrp {
		return "", fmt.Errorf("invalid hrp for %s", wantHrp)
	}
	raw, err := bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid %s length", wantHrp)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeNEvent decodes a nevent1... bech32 string
func DecodeNEvent(nevent string) (*NEvent, error) {
	tlvBytes, err := decodeTLVEntity("nevent", nevent)
	if err != nil {
		return nil, err
	}

	n := &NEvent{RelayHints: []string{}}
	for _, entry := range parseTLV(tlvBytes) {
		switch entry.typ {
		case tlvTypeSpecial: // event_id
			if len(entry.value) == 32 {
				n.EventID = hex.EncodeToString(entry.value)
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(entry.value))
		case tlvTypeAuthor:
			if len(entry.value) == 32 {
				n.Author = hex.EncodeToString(entry.value)
			}
		}
	}

	if n.EventID == "" {
		return nil, errors.New("nevent missing event ID")
	}
	return n, nil
}

// DecodeNProfile decodes a nprofile1... bech32 string
func DecodeNProfile(nprofile string) (*NProfile, error) {
	tlvBytes, err := decodeTLVEntity("nprofile", nprofile)
	if err != nil {
		return nil, err
	}

	n := &NProfile{RelayHints: []string{}}
	for _, entry := range parseTLV(tlvBytes) {
		switch entry.typ {
		case tlvTypeSpecial: // pubkey
			if len(entry.value) == 32 {
				n.Pubkey = hex.EncodeToString(entry.value)
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(entry.value))
		}
	}

	if n.Pubkey == "" {
		return nil, errors.New("nprofile missing pubkey")
	}
	return n, nil
}

// DecodeNAddr decodes a naddr1... bech32 string
func DecodeNAddr(naddr string) (*NAddr, error) {
	tlvBytes, err := decodeTLVEntity("naddr", naddr)
	if err != nil {
		return nil, err
	}

	n := &NAddr{RelayHints: []string{}}
	hasKind := false
	hasAuthor := false

	for _, entry := range parseTLV(tlvBytes) {
		switch entry.typ {
		case tlvTypeSpecial: // d-tag
			n.DTag = string(entry.value)
		case tlvTypeAuthor:
			if len(entry.value) == 32 {
				n.Author = hex.EncodeToString(entry.value)
				hasAuthor = true
			}
		case tlvTypeKind:
			if len(entry.value) == 4 {
				n.Kind = binary.BigEndian.Uint32(entry.value)
				hasKind = true
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(entry.value))
		}
	}

	if !hasKind || !hasAuthor {
		return nil, errors.New("naddr missing required fields")
	}
	return n, nil
}

// Encode serializes the nevent back to its bech32 form.
func (n *NEvent) Encode() (string, error) {
	idBytes, err := hex.DecodeString(n.EventID)
	if err != nil || len(idBytes) != 32 {
		return "", errors.New("invalid event ID")
	}

	var tlv []byte
	tlv = appendTLV(tlv, tlvTypeSpecial, idBytes)
	for _, relay := range n.RelayHints {
		tlv = appendTLV(tlv, tlvTypeRelay, []byte(relay))
	}
	if n.Author != "" {
		authorBytes, err := hex.DecodeString(n.Author)
		if err != nil || len(authorBytes) != 32 {
			return "", errors.New("invalid author pubkey")
		}
		tlv = appendTLV(tlv, tlvTypeAuthor, authorBytes)
	}
	return encodeTLVEntity("nevent", tlv)
}

// Encode serializes the nprofile back to its bech32 form.
func (n *NProfile) Encode() (string, error) {
	pkBytes, err := hex.DecodeString(n.Pubkey)
	if err != nil || len(pkBytes) != 32 {
		return "", errors.New("invalid pubkey")
	}

	var tlv []byte
	tlv = appendTLV(tlv, tlvTypeSpecial, pkBytes)
	for _, relay := range n.RelayHints {
		tlv = appendTLV(tlv, tlvTypeRelay, []byte(relay))
	}
	return encodeTLVEntity("nprofile", tlv)
}

// Encode serializes the naddr back to its bech32 form.
func (n *NAddr) Encode() (string, error) {
	authorBytes, err := hex.DecodeString(n.Author)
	if err != nil || len(authorBytes) != 32 {
		return "", errors.New("invalid author pubkey")
	}

	// The d tag is the special (type 0) entry and comes first
	var tlv []byte
	tlv = appendTLV(tlv, tlvTypeSpecial, []byte(n.DTag))
	for _, relay := range n.RelayHints {
		tlv = appendTLV(tlv, tlvTypeRelay, []byte(relay))
	}
	tlv = appendTLV(tlv, tlvTypeAuthor, authorBytes)

	kindBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(kindBytes, n.Kind)
	tlv = appendTLV(tlv, tlvTypeKind, kindBytes)

	return encodeTLVEntity("naddr", tlv)
}

type tlvEntry struct {
	typ   byte
	value []byte
}

func parseTLV(data []byte) []tlvEntry {
	var entries []tlvEntry
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			break
		}
		typ := data[i]
		length := int(data[i+1])
		i += 2
		if i+length > len(data) {
			break
		}
		entries = append(entries, tlvEntry{typ: typ, value: data[i : i+length]})
		i += length
	}
	return entries
}

func appendTLV(buf []byte, typ byte, value []byte) []byte {
	buf = append(buf, typ, byte(len(value)))
	return append(buf, value...)
}

func decodeTLVEntity(wantHrp, bech string) ([]byte, error) {
	if !strings.HasPrefix(bech, wantHrp+"1") {
		return nil, fmt.Errorf("not a %s", wantHrp)
	}
	hrp, data, err := bech32Decode(bech)
	if err != nil {
		return nil, err
	}
	if hrp != wantHrp {
		return nil, fmt.Errorf("invalid hrp for %s", wantHrp)
	}
	return bech32ConvertBits(data, 5, 8, false)
}

func encodeTLVEntity(hrp string, tlv []byte) (string, error) {
	data, err := bech32ConvertBits(tlv, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(hrp, data)
}
