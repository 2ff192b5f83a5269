package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Store is the backing store of a ledger. Load returns every block ordered
// by block number; Save replaces the stored set with blocks.
type Store interface {
	Load() ([]*model.Block, error)
	Save(blocks []*model.Block) error
	Close() error
}

// Locker is implemented by stores that other processes may write too. The
// ledger holds the lock while it reloads the chain and saves the next one.
type Locker interface {
	Lock() (unlock func() error, err error)
}

// encodeChain serializes blocks as an object keyed by block number
func encodeChain(blocks []*model.Block) ([]byte, error) {
	chain := make(map[string]*model.Block, len(blocks))
	for _, b := range blocks {
		chain[strconv.FormatUint(b.Number(), 10)] = b
	}
	data, err := json.MarshalIndent(chain, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode chain: %w", err)
	}
	return data, nil
}

// decodeChain parses an object keyed by block number. Any decoding failure
// or key that disagrees with its block is reported as chain corruption.
func decodeChain(data []byte) ([]*model.Block, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChainCorruption, err)
	}

	blocks := make([]*model.Block, 0, len(raw))
	for key, value := range raw {
		number, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid block key %q", model.ErrChainCorruption, key)
		}
		b := &model.Block{}
		if err := json.Unmarshal(value, b); err != nil {
			return nil, fmt.Errorf("%w: block %s: %v", model.ErrChainCorruption, key, err)
		}
		if b.Number() != number {
			return nil, fmt.Errorf("%w: key %s holds block %d", model.ErrChainCorruption, key, b.Number())
		}
		blocks = append(blocks, b)
	}
	sortBlocks(blocks)
	return blocks, nil
}

func sortBlocks(blocks []*model.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Number() < blocks[j].Number()
	})
}

// MemoryStore keeps the serialized chain in memory
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store
func (s *MemoryStore) Load() ([]*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, nil
	}
	return decodeChain(s.data)
}

// Save implements Store
func (s *MemoryStore) Save(blocks []*model.Block) error {
	data, err := encodeChain(blocks)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

// Bytes returns a copy of the serialized chain
func (s *MemoryStore) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// SetBytes replaces the serialized chain
func (s *MemoryStore) SetBytes(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
