package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

const (
	// KeyBits is the strength of a generated key
	KeyBits = 256

	// entropyBytes is the amount of randomness drawn per key
	entropyBytes = 32
)

// Generator produces 256-bit secret keys as 64-character hex strings
type Generator struct {
	rand          io.Reader
	now           func() time.Time
	withTimestamp bool
}

// Option configures a Generator
type Option func(*Generator)

// WithRand replaces the entropy source
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithClock replaces the timestamp source
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithTimestamp mixes a nanosecond timestamp into the key derivation
func WithTimestamp(enabled bool) Option {
	return func(g *Generator) { g.withTimestamp = enabled }
}

// New creates a generator reading from crypto/rand with timestamp mixing enabled
func New(opts ...Option) *Generator {
	g := &Generator{
		rand:          rand.Reader,
		now:           time.Now,
		withTimestamp: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a fresh key and its strength in bits
func (g *Generator) Generate() (string, int, error) {
	seed := make([]byte, entropyBytes, entropyBytes+8)
	if _, err := io.ReadFull(g.rand, seed); err != nil {
		return "", 0, fmt.Errorf("failed to read entropy: %w", err)
	}
	if g.withTimestamp {
		seed = binary.BigEndian.AppendUint64(seed, uint64(g.now().UnixNano()))
	}
	sum := sha256.Sum256(seed)
	key := hex.EncodeToString(sum[:])

	if !Verify(key) {
		return "", 0, fmt.Errorf("%w: generated key %q is malformed", model.ErrInvariant, key)
	}
	return key, KeyBits, nil
}

// Verify reports whether key is exactly 64 hex characters
func Verify(key string) bool {
	return model.IsSecretKey(key)
}

// Check returns ErrInvalidKey when key fails Verify
func Check(key string) error {
	if !Verify(key) {
		return fmt.Errorf("%w: expected %d hex characters", model.ErrInvalidKey, model.HashHexLength)
	}
	return nil
}
