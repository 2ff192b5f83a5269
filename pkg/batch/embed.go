package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/codec"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/imageio"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// EmbedJob describes an embedding batch
type EmbedJob struct {
	DataPath string
	SavePath string
	Message  string
	Params   model.Params
	DataType string
}

// EmbedResult is the sealed outcome of an embedding batch
type EmbedResult struct {
	Block *model.Block
	Batch *model.BatchEmbedTransaction
}

// Embed watermarks every image under job.DataPath with its own secret key,
// writes watermarked_<name> into job.SavePath and appends one embedder block.
// Per-image failures are recorded in failed_images.
func (c *Coordinator) Embed(ctx context.Context, job EmbedJob) (*EmbedResult, error) {
	start := c.now()
	if err := job.Params.Validate(); err != nil {
		return nil, err
	}
	files, err := ListImages(job.DataPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(job.SavePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}

	c.logger.Info("Starting embedding batch",
		zap.Int("images", len(files)),
		zap.String("save_path", job.SavePath))

	results, err := c.run(ctx, files, func(path string) result {
		tx, err := c.embedOne(path, job)
		return result{embed: tx, err: err}
	})
	if err != nil {
		return nil, err
	}

	batch := &model.BatchEmbedTransaction{
		BatchID:         c.newID(),
		TotalImages:     len(files),
		FailedImages:    []string{},
		TransactionDict: make(map[string]*model.EmbedderTransaction),
	}
	for _, r := range results {
		if r.err != nil {
			c.recordFailure("embed", r.path, r.err)
			batch.FailedImages = append(batch.FailedImages, r.path)
			continue
		}
		batch.TransactionDict[r.embed.HashImageWat] = r.embed
		batch.ProcessedImages++
		atomic.AddUint64(&c.embeddedCount, 1)
	}
	batch.ProcessingTime = c.now().Sub(start).Seconds()
	c.metrics.RecordBatch("embed", batch.ProcessedImages, len(batch.FailedImages))

	block, err := c.seal(batch)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Embedding batch completed",
		zap.String("batch_id", batch.BatchID),
		zap.Int("processed", batch.ProcessedImages),
		zap.Int("failed", len(batch.FailedImages)),
		zap.Float64("seconds", batch.ProcessingTime))
	return &EmbedResult{Block: block, Batch: batch}, nil
}

func (c *Coordinator) embedOne(path string, job EmbedJob) (*model.EmbedderTransaction, error) {
	im, format, err := imageio.Read(path, job.Params.BitDepth)
	if err != nil {
		return nil, err
	}
	key, _, err := c.keys.Generate()
	if err != nil {
		return nil, err
	}

	dataType := job.DataType
	if dataType == "" {
		dataType = format.DataType()
	}
	out, tx, err := c.codec.Embed(im, codec.EmbedRequest{
		Message:   job.Message,
		SecretKey: key,
		Params:    job.Params,
		DataType:  dataType,
	})
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(job.SavePath, imageio.OutputName(WatermarkedPrefix, path))
	if err := imageio.WriteFrom(dst, path, out); err != nil {
		return nil, err
	}
	c.logger.Debug("Embedded watermark",
		zap.String("path", path),
		zap.String("output", dst),
		zap.String("hash_image_wat", tx.HashImageWat))
	return tx, nil
}
