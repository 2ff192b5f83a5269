package ledger

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Ledger is an append-only hash-chained block list. All appends are
// serialized by one mutex around the whole compute-and-save cycle.
type Ledger struct {
	mu     sync.RWMutex
	store  Store
	blocks []*model.Block

	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(registry *metrics.Registry) Option {
	return func(l *Ledger) { l.metrics = registry }
}

// WithClock sets the block timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New loads the chain from store, creating and saving a genesis block when
// the store is empty
func New(store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	var blocks []*model.Block
	err := l.locked(func() error {
		var err error
		if blocks, err = l.load(); err != nil || len(blocks) > 0 {
			return err
		}
		genesis := model.NewGenesisBlock(l.now())
		if err := store.Save([]*model.Block{genesis}); err != nil {
			return fmt.Errorf("failed to save genesis block: %w", err)
		}
		blocks = []*model.Block{genesis}
		l.logger.Info("Created genesis block", zap.String("hash", genesis.Hash().String()))
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.blocks = blocks
	l.metrics.SetLedgerHeight(len(blocks))
	l.logger.Debug("Loaded ledger", zap.Int("height", len(blocks)))
	return l, nil
}

// load reads the stored chain and checks that block numbers are contiguous
func (l *Ledger) load() ([]*model.Block, error) {
	blocks, err := l.store.Load()
	if err != nil {
		return nil, err
	}
	for i, b := range blocks {
		if b.Number() != uint64(i) {
			return nil, fmt.Errorf("%w: expected block %d, found %d", model.ErrChainCorruption, i, b.Number())
		}
	}
	return blocks, nil
}

// extend checks that fresh keeps every block this ledger holds and that
// the blocks added since link and hash correctly
func (l *Ledger) extend(fresh []*model.Block) ([]*model.Block, error) {
	held := len(l.blocks)
	if len(fresh) < held || fresh[held-1].Hash() != l.blocks[held-1].Hash() {
		return nil, fmt.Errorf("%w: stored chain no longer contains block %d", model.ErrChainCorruption, held-1)
	}
	for i := held; i < len(fresh); i++ {
		b := fresh[i]
		if b.Header.PreviousHash != fresh[i-1].Hash() || !b.VerifyHash() {
			return nil, fmt.Errorf("%w: block %d written by another process does not verify", model.ErrChainCorruption, i)
		}
	}
	if added := len(fresh) - held; added > 0 {
		l.logger.Debug("Adopted blocks from store", zap.Int("added", added))
	}
	return fresh, nil
}

// locked runs fn holding the store lock when the store has one
func (l *Ledger) locked(fn func() error) error {
	locker, ok := l.store.(Locker)
	if !ok {
		return fn()
	}
	unlock, err := locker.Lock()
	if err != nil {
		return err
	}
	err = fn()
	if uerr := unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("failed to release ledger lock: %w", uerr)
	}
	return err
}

// Append seals tx into a new block after the tail and saves the whole chain
// before returning. The block's info is taken from the payload. Stores that
// implement Locker are reloaded under their lock first, so the new block
// follows blocks other processes appended since this ledger loaded.
func (l *Ledger) Append(tx model.Payload) (*model.Block, error) {
	if tx == nil || tx.Info() == model.InfoNone {
		return nil, fmt.Errorf("%w: only batch payloads can be appended", model.ErrInvalidParameters)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var b *model.Block
	err := l.locked(func() error {
		current := l.blocks
		if _, ok := l.store.(Locker); ok {
			fresh, err := l.load()
			if err != nil {
				return err
			}
			if current, err = l.extend(fresh); err != nil {
				return err
			}
		}

		tail := current[len(current)-1]
		var err error
		b, err = model.NewBlock(tail.Number()+1, tail.Hash(), tx, l.now())
		if err != nil {
			return err
		}
		if !b.VerifyHash() {
			return fmt.Errorf("%w: block %d does not reproduce its hash", model.ErrInvariant, b.Number())
		}

		next := make([]*model.Block, len(current), len(current)+1)
		copy(next, current)
		next = append(next, b)
		if err := l.store.Save(next); err != nil {
			return fmt.Errorf("failed to save block %d: %w", b.Number(), err)
		}
		l.blocks = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordAppend(string(b.Info), len(l.blocks))
	l.logger.Info("Appended block",
		zap.Uint64("block_number", b.Number()),
		zap.String("hash", b.Hash().String()),
		zap.String("info", string(b.Info)),
	)
	return b, nil
}

// Verify reports whether every block links to its predecessor and
// reproduces its stored hash
func (l *Ledger) Verify() bool {
	err := l.Check()
	if err != nil {
		l.logger.Warn("Chain verification failed", zap.Error(err))
	}
	return err == nil
}

// Check is Verify with the first failure described as ErrChainCorruption
func (l *Ledger) Check() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, b := range l.blocks {
		if b.Number() != uint64(i) {
			return fmt.Errorf("%w: block %d out of sequence", model.ErrChainCorruption, b.Number())
		}
		previous := model.ZeroHash
		if i > 0 {
			previous = l.blocks[i-1].Hash()
		}
		if b.Header.PreviousHash != previous {
			return fmt.Errorf("%w: block %d does not link to its predecessor", model.ErrChainCorruption, i)
		}
		if !b.VerifyHash() {
			return fmt.Errorf("%w: block %d hash mismatch", model.ErrChainCorruption, i)
		}
	}
	return nil
}

// Block returns block number n
func (l *Ledger) Block(n uint64) (*model.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n >= uint64(len(l.blocks)) {
		return nil, fmt.Errorf("%w: block %d", model.ErrNotFound, n)
	}
	return l.blocks[n], nil
}

// Height returns the number of blocks, genesis included
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Tail returns the most recent block
func (l *Ledger) Tail() *model.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1]
}

// Blocks returns the chain in block order. Blocks must not be modified.
func (l *Ledger) Blocks() []*model.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*model.Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// ByOperation returns the blocks tagged info in block order
func (l *Ledger) ByOperation(info model.Info) []*model.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*model.Block
	for _, b := range l.blocks {
		if b.Info == info {
			out = append(out, b)
		}
	}
	return out
}

// LookupByContentHash returns the most recent embedding whose watermarked
// image hash is hash
func (l *Ledger) LookupByContentHash(hash string) (*model.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.blocks) - 1; i >= 0; i-- {
		b := l.blocks[i]
		batch, ok := b.Transaction.(*model.BatchEmbedTransaction)
		if !ok {
			continue
		}
		if tx, ok := batch.TransactionDict[hash]; ok && tx != nil {
			return newRecord(b, hash, tx), nil
		}
	}
	return nil, fmt.Errorf("%w: content hash %s", model.ErrNotFound, hash)
}

// EmbedderRecords returns every embedding of dataType in ledger order,
// sorted by image hash within a block. An empty dataType matches all.
func (l *Ledger) EmbedderRecords(dataType string) ([]*model.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*model.Record
	for _, b := range l.blocks {
		batch, ok := b.Transaction.(*model.BatchEmbedTransaction)
		if !ok {
			continue
		}
		for _, hash := range batch.Keys() {
			tx := batch.TransactionDict[hash]
			if tx == nil || (dataType != "" && tx.DataType != dataType) {
				continue
			}
			out = append(out, newRecord(b, hash, tx))
		}
	}
	return out, nil
}

// Close closes the backing store
func (l *Ledger) Close() error {
	return l.store.Close()
}

func newRecord(b *model.Block, hash string, tx *model.EmbedderTransaction) *model.Record {
	return &model.Record{
		Attribution: model.Attribution{
			BlockNumber: b.Number(),
			BlockHash:   b.Hash(),
			Timestamp:   b.Header.Timestamp,
			Info:        b.Info,
			ImageHash:   hash,
		},
		Transaction: tx,
	}
}
