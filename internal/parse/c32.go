package parse

import (
	"crypto/sha256"
	"strings"
)

// Crockford base32 alphabet without I, L, O, U.
const c32alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Address version bytes. Derived from the transaction version byte and the
// spending-condition hash mode.
const (
	versionMainnetSingleSig = 22 // "SP" prefix
	versionMainnetMultiSig  = 20 // "SM" prefix
	versionTestnetSingleSig = 26 // "ST" prefix
	versionTestnetMultiSig  = 21 // "SN" prefix
)

// c32Address renders a version byte and 20-byte hash160 as a c32check
// address: "S" + version char + c32(hash160 || checksum4).
func c32Address(version byte, hash160 []byte) string {
	check := checksum(version, hash160)

	payload := make([]byte, 0, len(hash160)+4)
	payload = append(payload, hash160...)
	payload = append(payload, check...)

	var b strings.Builder
	b.WriteByte('S')
	b.WriteByte(c32alphabet[version&0x1f])
	b.WriteString(c32Encode(payload))
	return b.String()
}

func checksum(version byte, data []byte) []byte {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, version)
	buf = append(buf, data...)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode treats the bytes as a big-endian integer and emits base-32
// digits, preserving leading zero bytes as leading '0' characters.
func c32Encode(data []byte) string {
	leadingZeros := 0
	for _, b := range data {
		if b != 0 {
			break
		}
		leadingZeros++
	}
	if leadingZeros == len(data) {
		return strings.Repeat("0", len(data))
	}

	// Long division in base 32 over a copy of the input.
	num := make([]byte, len(data))
	copy(num, data)

	var digits []byte
	for len(num) > 0 {
		var rem int
		var quot []byte
		for _, b := range num {
			cur := rem*256 + int(b)
			q := cur / 32
			rem = cur % 32
			if len(quot) > 0 || q != 0 {
				quot = append(quot, byte(q))
			}
		}
		digits = append(digits, c32alphabet[rem])
		num = quot
	}

	var b strings.Builder
	for i := 0; i < leadingZeros; i++ {
		b.WriteByte('0')
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String()
}
