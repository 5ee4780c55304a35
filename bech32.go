package nostr

import (
	"errors"
	"strings"
)

// Minimal bech32 codec (BIP-173 variant, constant 1) for NIP-19 entities.

const bech32Alphabet = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var bech32Generator = [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

var (
	ErrInvalidBech32   = errors.New("invalid bech32 string")
	ErrBech32Checksum  = errors.New("bech32 checksum mismatch")
	errInvalidBitGroup = errors.New("invalid bit group padding")
)

func bech32Polymod(values []byte) uint32 {
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i, g := range bech32Generator {
			if (top>>uint(i))&1 == 1 {
				chk ^= g
			}
		}
	}
	return chk
}

// bech32ChecksumInput is the HRP expansion followed by the data part, the
// sequence the polymod runs over for both creation and verification.
func bech32ChecksumInput(hrp string, data []byte) []byte {
	out := make([]byte, 0, len(hrp)*2+1+len(data))
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return append(out, data...)
}

// bech32Encode assembles hrp + "1" + data + checksum over the 5-bit groups
// in data.
func bech32Encode(hrp string, data []byte) (string, error) {
	input := append(bech32ChecksumInput(hrp, data), 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(input) ^ 1

	var b strings.Builder
	b.Grow(len(hrp) + 1 + len(data) + 6)
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(bech32Alphabet[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(bech32Alphabet[(polymod>>uint(5*(5-i)))&31])
	}
	return b.String(), nil
}

// bech32Decode splits a bech32 string into its HRP and 5-bit data groups,
// verifying and stripping the checksum.
func bech32Decode(bech string) (string, []byte, error) {
	sep := strings.LastIndexByte(bech, '1')
	if sep < 1 || len(bech)-sep < 7 {
		return "", nil, ErrInvalidBech32
	}
	hrp := bech[:sep]

	data := make([]byte, 0, len(bech)-sep-1)
	for i := sep + 1; i < len(bech); i++ {
		v := strings.IndexByte(bech32Alphabet, bech[i])
		if v < 0 {
			return "", nil, ErrInvalidBech32
		}
		data = append(data, byte(v))
	}

	if bech32Polymod(bech32ChecksumInput(hrp, data)) != 1 {
		return "", nil, ErrBech32Checksum
	}
	return hrp, data[:len(data)-6], nil
}

// bech32ConvertBits regroups a bit stream between group widths. Encoding
// pads the final partial group; decoding rejects nonzero padding.
func bech32ConvertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc, bits uint32
	maxv := uint32(1)<<toBits - 1
	out := make([]byte, 0, (len(data)*int(fromBits)+int(toBits)-1)/int(toBits))

	for _, b := range data {
		acc = acc<<fromBits | uint32(b)
		bits += uint32(fromBits)
		for bits >= uint32(toBits) {
			bits -= uint32(toBits)
			out = append(out, byte(acc>>bits&maxv))
		}
	}

	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(uint32(toBits)-bits)&maxv))
		}
		return out, nil
	}
	if bits >= uint32(fromBits) || acc<<(uint32(toBits)-bits)&maxv != 0 {
		return nil, errInvalidBitGroup
	}
	return out, nil
}
