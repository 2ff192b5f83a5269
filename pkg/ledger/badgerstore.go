package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// blockPrefix namespaces block keys. Numbers are zero padded so that key
// order is block order.
const blockPrefix = "block/"

func blockKey(number uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, number))
}

// BadgerStore persists one key per block in a Badger database
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens or creates a Badger database in dir
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true
	return openBadger(opts)
}

// NewInMemoryBadgerStore opens a Badger database that lives only in memory
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load implements Store
func (s *BadgerStore) Load() ([]*model.Block, error) {
	var blocks []*model.Block
	prefix := []byte(blockPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			b := &model.Block{}
			if err := json.Unmarshal(value, b); err != nil {
				return fmt.Errorf("%w: key %s: %v", model.ErrChainCorruption, item.Key(), err)
			}
			if string(item.Key()) != string(blockKey(b.Number())) {
				return fmt.Errorf("%w: key %s holds block %d", model.ErrChainCorruption, item.Key(), b.Number())
			}
			blocks = append(blocks, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load badger store: %w", err)
	}
	return blocks, nil
}

// Save implements Store. Blocks are written through a write batch, which
// splits the set across as many transactions as Badger needs, and keys past
// the last block are deleted.
func (s *BadgerStore) Save(blocks []*model.Block) error {
	stale, err := s.keysFrom(uint64(len(blocks)))
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	for _, b := range blocks {
		value, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode block %d: %w", b.Number(), err)
		}
		if err := wb.Set(blockKey(b.Number()), value); err != nil {
			return fmt.Errorf("failed to write block %d: %w", b.Number(), err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush badger store: %w", err)
	}
	return nil
}

// keysFrom lists the stored block keys numbered first or later
func (s *BadgerStore) keysFrom(first uint64) ([][]byte, error) {
	var keys [][]byte
	prefix := []byte(blockPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(blockKey(first)); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan badger store: %w", err)
	}
	return keys, nil
}

// Put overwrites the raw stored value of one block
func (s *BadgerStore) Put(number uint64, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(number), value)
	})
}

// Get returns the raw stored value of one block
func (s *BadgerStore) Get(number uint64) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(number))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: block %d", model.ErrNotFound, number)
	}
	return value, err
}

// Close implements Store
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
