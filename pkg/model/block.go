package model

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// BlockHeader links a block to its predecessor
type BlockHeader struct {
	// Timestamp is when the block was created, in UTC
	Timestamp time.Time `json:"timestamp"`

	// PreviousHash is the hash of the preceding block
	PreviousHash BlockHash `json:"previous_hash"`

	// BlockNumber is the position of this block in the chain
	BlockNumber uint64 `json:"block_number"`
}

// Block represents a block in the ledger
type Block struct {
	// Header carries the chain linkage
	Header BlockHeader

	// Info tags the payload kind
	Info Info

	// Transaction is the batch payload carried by this block
	Transaction Payload

	// hash is the hash of this block
	hash BlockHash
}

// hashedContent is the portion of a block covered by its hash
type hashedContent struct {
	Header      BlockHeader `json:"header"`
	Info        Info        `json:"info"`
	Transaction Payload     `json:"transaction"`
}

// storedBlock is the serialized form of a block
type storedBlock struct {
	Header      BlockHeader     `json:"header"`
	Info        Info            `json:"info"`
	Transaction json.RawMessage `json:"transaction"`
	Hash        BlockHash       `json:"hash"`
}

// NewBlock creates a new block with the given parameters
func NewBlock(number uint64, previous BlockHash, tx Payload, timestamp time.Time) (*Block, error) {
	if tx == nil {
		tx = Empty{}
	}
	b := &Block{
		Header: BlockHeader{
			Timestamp:    timestamp.UTC(),
			PreviousHash: previous,
			BlockNumber:  number,
		},
		Info:        tx.Info(),
		Transaction: tx,
	}
	hash, err := b.CalculateHash()
	if err != nil {
		return nil, err
	}
	b.hash = hash
	return b, nil
}

// NewGenesisBlock creates block 0 with an empty payload
func NewGenesisBlock(timestamp time.Time) *Block {
	b, err := NewBlock(0, ZeroHash, Empty{}, timestamp)
	if err != nil {
		// Empty always serializes
		panic(err)
	}
	return b
}

// CalculateHash computes the SHA-256 of the block's canonical JSON form
func (b *Block) CalculateHash() (BlockHash, error) {
	data, err := json.Marshal(hashedContent{
		Header:      b.Header,
		Info:        b.Info,
		Transaction: b.Transaction,
	})
	if err != nil {
		return BlockHash{}, fmt.Errorf("failed to serialize block %d: %w", b.Header.BlockNumber, err)
	}
	return sha256.Sum256(data), nil
}

// VerifyHash reports whether the stored hash matches a recomputation
func (b *Block) VerifyHash() bool {
	hash, err := b.CalculateHash()
	if err != nil {
		return false
	}
	return hash == b.hash
}

// Hash returns the block's stored hash
func (b *Block) Hash() BlockHash {
	return b.hash
}

// Number returns the block number
func (b *Block) Number() uint64 {
	return b.Header.BlockNumber
}

// String returns a string representation of the block
func (b *Block) String() string {
	return fmt.Sprintf("Block(hash=%s, number=%d, info=%s)",
		b.hash.String(),
		b.Header.BlockNumber,
		b.Info,
	)
}

// MarshalJSON implements json.Marshaler
func (b *Block) MarshalJSON() ([]byte, error) {
	tx, err := json.Marshal(b.Transaction)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedBlock{
		Header:      b.Header,
		Info:        b.Info,
		Transaction: tx,
		Hash:        b.hash,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload type is chosen by the info tag.
func (b *Block) UnmarshalJSON(data []byte) error {
	var stored storedBlock
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	tx, err := DecodePayload(stored.Info, stored.Transaction)
	if err != nil {
		return fmt.Errorf("block %d: %w", stored.Header.BlockNumber, err)
	}
	b.Header = stored.Header
	b.Info = stored.Info
	b.Transaction = tx
	b.hash = stored.Hash
	return nil
}

// MarshalBinary implements the encoding.BinaryMarshaler interface
func (b *Block) MarshalBinary() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface
func (b *Block) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, b)
}
