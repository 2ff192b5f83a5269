package selector

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// maskContext separates mask streams from every other BLAKE3 use of the same seed
const maskContext = "go-watermark-ledger 2024 position mask v1"

// Mask is a packed, index-addressable bit sequence
type Mask struct {
	bits   []byte
	length int
}

// Bit returns bit i, most significant bit of each byte first
func (m *Mask) Bit(i int) bool {
	return m.bits[i>>3]&(0x80>>uint(i&7)) != 0
}

// Len returns the number of bits in the mask
func (m *Mask) Len() int {
	return m.length
}

// Ones returns the number of set bits
func (m *Mask) Ones() int {
	count := 0
	for i := 0; i < m.length; i++ {
		if m.Bit(i) {
			count++
		}
	}
	return count
}

// New derives a mask of length bits from seed. The same seed and length
// always produce the same mask.
func New(seed string, length int) (*Mask, error) {
	if length < 0 {
		return nil, fmt.Errorf("mask length must be non-negative, got %d", length)
	}

	h := blake3.NewDeriveKey(maskContext)
	if _, err := h.Write([]byte(seed)); err != nil {
		return nil, fmt.Errorf("failed to hash seed: %w", err)
	}

	bits := make([]byte, (length+7)/8)
	if _, err := h.Digest().Read(bits); err != nil {
		return nil, fmt.Errorf("failed to read mask stream: %w", err)
	}
	return &Mask{bits: bits, length: length}, nil
}
