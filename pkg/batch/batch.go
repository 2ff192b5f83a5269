package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/codec"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/imageio"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/keygen"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Output naming
const (
	WatermarkedPrefix = "watermarked_"
	RecoveredPrefix   = "recovered_"
	WatermarkExt      = ".wm"
)

// DefaultWorkers is the number of images processed concurrently
const DefaultWorkers = 4

// Ledger is what a batch needs from a chain, local or remote
type Ledger interface {
	codec.Lookup
	Append(tx model.Payload) (*model.Block, error)
	Check() error
}

// Metrics represents the counters of a coordinator since creation
type Metrics struct {
	EmbeddedCount uint64
	RemovedCount  uint64
	FailedCount   uint64
	BatchCount    uint64
}

// Coordinator runs embedding and removal batches and seals each batch into
// exactly one ledger block
type Coordinator struct {
	codec   *codec.Codec
	ledger  Ledger
	keys    *keygen.Generator
	logger  *zap.Logger
	metrics *metrics.Registry
	workers int
	now     func() time.Time
	newID   func() string

	// Counters
	embeddedCount uint64
	removedCount  uint64
	failedCount   uint64
	batchCount    uint64
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the coordinator logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(registry *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = registry }
}

// WithWorkers bounds the number of images processed at once
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithKeyGenerator replaces the per-image secret key source
func WithKeyGenerator(g *keygen.Generator) Option {
	return func(c *Coordinator) { c.keys = g }
}

// WithClock replaces the clock used for processing times
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator that embeds with cdc and records into l
func New(cdc *codec.Codec, l Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		codec:   cdc,
		ledger:  l,
		keys:    keygen.New(),
		logger:  zap.NewNop(),
		workers: DefaultWorkers,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMetrics returns the current coordinator counters
func (c *Coordinator) GetMetrics() Metrics {
	return Metrics{
		EmbeddedCount: atomic.LoadUint64(&c.embeddedCount),
		RemovedCount:  atomic.LoadUint64(&c.removedCount),
		FailedCount:   atomic.LoadUint64(&c.failedCount),
		BatchCount:    atomic.LoadUint64(&c.batchCount),
	}
}

// ListImages returns the supported images at path in sorted order. path may
// be a single file. An empty listing is an error.
func ListImages(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to access %s: %w", path, err)
	}
	if !info.IsDir() {
		if !imageio.IsImagePath(path) {
			return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedFormat, path)
		}
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageio.IsImagePath(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no supported images found in %s", model.ErrInvalidParameters, path)
	}
	sort.Strings(files)
	return files, nil
}

// result is the outcome of one image in a batch
type result struct {
	index   int
	path    string
	embed   *model.EmbedderTransaction
	removal *model.RemovalTransaction
	err     error
}

// run processes files with at most c.workers goroutines and collects the
// results in file order. Cancellation is honoured between images.
func (c *Coordinator) run(ctx context.Context, files []string, process func(path string) result) ([]result, error) {
	results := make(chan result, len(files))

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for i, path := range files {
		if ctx.Err() != nil {
			break
		}
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := process(path)
			r.index = i
			r.path = path
			results <- r
			return nil
		})
	}
	waitErr := g.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch cancelled: %w", err)
	}
	if waitErr != nil {
		return nil, waitErr
	}

	ordered := make([]result, len(files))
	for r := range results {
		ordered[r.index] = r
	}
	return ordered, nil
}

// seal appends tx and verifies the chain afterwards
func (c *Coordinator) seal(tx model.Payload) (*model.Block, error) {
	block, err := c.ledger.Append(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to append batch: %w", err)
	}
	if err := c.ledger.Check(); err != nil {
		c.logger.Error("Chain verification failed after append", zap.Error(err))
		return nil, fmt.Errorf("ledger verification failed after block %d: %w", block.Number(), err)
	}
	atomic.AddUint64(&c.batchCount, 1)
	c.logger.Info("Ledger is valid",
		zap.Uint64("block_number", block.Number()),
		zap.String("block_hash", block.Hash().String()))
	return block, nil
}

func (c *Coordinator) recordFailure(op, path string, err error) {
	atomic.AddUint64(&c.failedCount, 1)
	c.logger.Warn("Image failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
}
