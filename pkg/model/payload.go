package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is the transaction carried by a block. The concrete type is
// selected by the block's Info tag.
type Payload interface {
	Info() Info
}

// Empty is the payload of the genesis block
type Empty struct{}

// Info implements Payload
func (Empty) Info() Info { return InfoNone }

// BatchEmbedTransaction records one embedding batch
type BatchEmbedTransaction struct {
	BatchID         string                          `json:"batch_id"`
	ProcessingTime  float64                         `json:"processing_time"`
	TotalImages     int                             `json:"total_images"`
	ProcessedImages int                             `json:"processed_images"`
	FailedImages    []string                        `json:"failed_images"`
	TransactionDict map[string]*EmbedderTransaction `json:"transaction_dict"`
}

// Info implements Payload
func (*BatchEmbedTransaction) Info() Info { return InfoEmbedder }

// Keys returns the watermarked-image hashes of the batch in sorted order
func (t *BatchEmbedTransaction) Keys() []string {
	keys := make([]string, 0, len(t.TransactionDict))
	for k := range t.TransactionDict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BatchRemoveTransaction records one removal batch
type BatchRemoveTransaction struct {
	BatchID         string                         `json:"batch_id"`
	ProcessingTime  float64                        `json:"processing_time"`
	TotalImages     int                            `json:"total_images"`
	ProcessedImages int                            `json:"processed_images"`
	FailedImages    []string                       `json:"failed_images"`
	AverageBER      float64                        `json:"average_ber"`
	TransactionDict map[string]*RemovalTransaction `json:"transaction_dict"`
}

// Info implements Payload
func (*BatchRemoveTransaction) Info() Info { return InfoRemover }

// Keys returns the recovered-image hashes of the batch in sorted order
func (t *BatchRemoveTransaction) Keys() []string {
	keys := make([]string, 0, len(t.TransactionDict))
	for k := range t.TransactionDict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodePayload decodes raw JSON into the payload type named by info.
// Unknown fields are rejected so that every stored byte is covered by the hash.
func DecodePayload(info Info, raw []byte) (Payload, error) {
	var tx Payload
	switch info {
	case InfoNone:
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("{}")) {
			return nil, fmt.Errorf("genesis payload must be empty")
		}
		return Empty{}, nil
	case InfoEmbedder:
		tx = &BatchEmbedTransaction{}
	case InfoRemover:
		tx = &BatchRemoveTransaction{}
	default:
		return nil, fmt.Errorf("unknown block info %q", info)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(tx); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", info, err)
	}
	return tx, nil
}
