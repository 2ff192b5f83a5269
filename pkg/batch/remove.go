package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/imageio"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// RemoveJob describes a removal batch
type RemoveJob struct {
	DataPath   string
	SavePath   string
	ExtWatPath string
}

// RemoveResult is the sealed outcome of a removal batch
type RemoveResult struct {
	Block *model.Block
	Batch *model.BatchRemoveTransaction
}

// Remove restores every watermarked image under job.DataPath using the
// ledger entry for its content hash. It writes recovered_<name> into
// job.SavePath, the recovered watermark digest into job.ExtWatPath as
// <name>.wm, and appends one remover block.
func (c *Coordinator) Remove(ctx context.Context, job RemoveJob) (*RemoveResult, error) {
	start := c.now()
	files, err := ListImages(job.DataPath)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{job.SavePath, job.ExtWatPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	c.logger.Info("Starting removal batch", zap.Int("images", len(files)))

	results, err := c.run(ctx, files, func(path string) result {
		removal, err := c.removeOne(path, job)
		return result{removal: removal, err: err}
	})
	if err != nil {
		return nil, err
	}

	batch := &model.BatchRemoveTransaction{
		BatchID:         c.newID(),
		TotalImages:     len(files),
		FailedImages:    []string{},
		TransactionDict: make(map[string]*model.RemovalTransaction),
	}
	totalBER := 0.0
	for _, r := range results {
		if r.err != nil {
			c.recordFailure("remove", r.path, r.err)
			batch.FailedImages = append(batch.FailedImages, r.path)
			continue
		}
		batch.TransactionDict[r.removal.WatermarkedImageHash] = r.removal
		batch.ProcessedImages++
		totalBER += r.removal.ExtractionBER
		atomic.AddUint64(&c.removedCount, 1)
	}
	if batch.ProcessedImages > 0 {
		batch.AverageBER = totalBER / float64(batch.ProcessedImages)
	}
	batch.ProcessingTime = c.now().Sub(start).Seconds()
	c.metrics.RecordBatch("remove", batch.ProcessedImages, len(batch.FailedImages))

	block, err := c.seal(batch)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Removal batch completed",
		zap.String("batch_id", batch.BatchID),
		zap.Int("processed", batch.ProcessedImages),
		zap.Int("failed", len(batch.FailedImages)),
		zap.Float64("average_ber", batch.AverageBER))
	return &RemoveResult{Block: block, Batch: batch}, nil
}

func (c *Coordinator) removeOne(path string, job RemoveJob) (*model.RemovalTransaction, error) {
	im, _, err := imageio.Read(path, 0)
	if err != nil {
		return nil, err
	}
	rec, err := c.ledger.LookupByContentHash(im.ContentHash())
	if err != nil {
		return nil, err
	}
	restored, _, removal, err := c.codec.Remove(im, rec.Transaction)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(job.SavePath, imageio.OutputName(RecoveredPrefix, path))
	if err := imageio.WriteFrom(dst, path, restored); err != nil {
		return nil, err
	}
	wm := filepath.Join(job.ExtWatPath, filepath.Base(path)+WatermarkExt)
	if err := os.WriteFile(wm, []byte(removal.ExtractedWatermark+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write extracted watermark: %w", err)
	}

	c.logger.Debug("Removed watermark",
		zap.String("path", path),
		zap.String("output", dst),
		zap.Float64("ber", removal.ExtractionBER),
		zap.Uint64("block_number", rec.Attribution.BlockNumber))
	return removal, nil
}

// ReadWatermark reads a digest written by Remove
func ReadWatermark(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read watermark: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
