package model

import (
	"encoding/hex"
	"fmt"
)

const (
	// HashHexLength is the length of a hex encoded SHA-256 digest
	HashHexLength = 64

	// FingerprintBits is the size of the embedded payload in bits
	FingerprintBits = 256

	// BERThreshold is the exclusive upper bound on BER for attributing an image to a transaction
	BERThreshold = 0.4

	// UnrecognizedBER is reported when no transaction explains an image
	UnrecognizedBER = 0.5

	// MaxBitDepth is the deepest sample supported by Image
	MaxBitDepth = 16
)

const (
	// OperationEmbedding tags embedder transactions
	OperationEmbedding = "embedding"

	// OperationRemoval tags removal transactions
	OperationRemoval = "removal"
)

// Info tags the kind of payload carried by a block
type Info string

const (
	// InfoNone marks the genesis block
	InfoNone Info = "None"

	// InfoEmbedder marks a batch of embedding transactions
	InfoEmbedder Info = "embedder"

	// InfoRemover marks a batch of removal transactions
	InfoRemover Info = "remover"
)

// Valid reports whether the tag is one of the known block kinds
func (i Info) Valid() bool {
	switch i {
	case InfoNone, InfoEmbedder, InfoRemover:
		return true
	}
	return false
}

// BlockHash represents a block's SHA-256 hash as a 32-byte array
type BlockHash [32]byte

// ZeroHash is the previous hash of the genesis block
var ZeroHash BlockHash

// String returns the lowercase hex form of the hash
func (h BlockHash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler
func (h BlockHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *BlockHash) UnmarshalText(text []byte) error {
	parsed, err := ParseBlockHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseBlockHash decodes a 64-character lowercase hex string into a
// BlockHash. Any other spelling of the same bytes is rejected, so a parsed
// hash always re-encodes to s.
func ParseBlockHash(s string) (BlockHash, error) {
	var h BlockHash
	if len(s) != HashHexLength {
		return h, fmt.Errorf("block hash must be %d hex characters, got %d", HashHexLength, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid block hash: %w", err)
	}
	if h.String() != s {
		return h, fmt.Errorf("block hash %q is not lowercase hex", s)
	}
	return h, nil
}
