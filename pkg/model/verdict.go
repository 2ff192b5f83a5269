package model

import "time"

// Attribution locates a transaction in the ledger
type Attribution struct {
	BlockNumber uint64    `json:"block_number"`
	BlockHash   BlockHash `json:"block_hash"`
	Timestamp   time.Time `json:"timestamp"`
	Info        Info      `json:"info"`
	ImageHash   string    `json:"image_hash"`
}

// Record pairs an embedding transaction with its ledger coordinates
type Record struct {
	Attribution Attribution          `json:"attribution"`
	Transaction *EmbedderTransaction `json:"transaction"`
}

// Verdict is the outcome of a blind extraction
type Verdict struct {
	// BER is the bit error rate against the best candidate
	BER float64 `json:"ber"`

	// Recognized is set when BER fell below BERThreshold
	Recognized bool `json:"recognized"`

	// ExactMatch is set when the image hash matched a ledger entry directly
	ExactMatch bool `json:"exact_match"`

	// Attribution points at the matching transaction, if any
	Attribution *Attribution `json:"attribution,omitempty"`
}

// Unrecognized returns the verdict for an image no transaction explains
func Unrecognized() Verdict {
	return Verdict{BER: UnrecognizedBER}
}
