package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Fingerprint returns the hex SHA-256 of message concatenated with key
func Fingerprint(message, secretKey string) string {
	sum := sha256.Sum256([]byte(message + secretKey))
	return hex.EncodeToString(sum[:])
}

// FingerprintBitsOf returns the 256 fingerprint bits, most significant first
func FingerprintBitsOf(message, secretKey string) []uint8 {
	sum := sha256.Sum256([]byte(message + secretKey))
	bits := make([]uint8, 0, FingerprintBits)
	for _, b := range sum {
		for shift := 7; shift >= 0; shift-- {
			bits = append(bits, (b>>uint(shift))&1)
		}
	}
	return bits
}

// HexToBits expands a hex string into four bits per character, most significant first
func HexToBits(s string) ([]uint8, error) {
	bits := make([]uint8, 0, 4*len(s))
	for i, r := range s {
		nibble, err := strconv.ParseUint(string(r), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex character %q at %d", r, i)
		}
		for shift := 3; shift >= 0; shift-- {
			bits = append(bits, uint8(nibble>>uint(shift))&1)
		}
	}
	return bits, nil
}

// BitsToHex packs bits four at a time into hex digits. A trailing group
// shorter than four bits is read as a binary number of its own width.
func BitsToHex(bits []uint8) string {
	var sb strings.Builder
	for i := 0; i < len(bits); i += 4 {
		end := i + 4
		if end > len(bits) {
			end = len(bits)
		}
		var v uint64
		for _, b := range bits[i:end] {
			v = v<<1 | uint64(b&1)
		}
		sb.WriteString(strconv.FormatUint(v, 16))
	}
	return sb.String()
}

// BitErrorRate returns the fraction of positions where a and b differ over
// their common length. An empty comparison carries no evidence and returns
// UnrecognizedBER.
func BitErrorRate(a, b []uint8) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return UnrecognizedBER
	}
	diff := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(n)
}

// IsSecretKey reports whether s is 64 hex characters
func IsSecretKey(s string) bool {
	if len(s) != HashHexLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
