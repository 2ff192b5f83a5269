package batch

import (
	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/imageio"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Extract decodes the probe at path and attributes it against the ledger.
// An empty dataType uses the probe's own container format.
func (c *Coordinator) Extract(path, dataType string) (model.Verdict, error) {
	im, format, err := imageio.Read(path, 0)
	if err != nil {
		return model.Verdict{}, err
	}
	if dataType == "" {
		dataType = format.DataType()
	}

	verdict, err := c.codec.Extract(im, dataType, c.ledger)
	if err != nil {
		return model.Verdict{}, err
	}

	fields := []zap.Field{
		zap.String("path", path),
		zap.Float64("ber", verdict.BER),
		zap.Bool("recognized", verdict.Recognized),
	}
	if verdict.Attribution != nil {
		fields = append(fields,
			zap.Uint64("block_number", verdict.Attribution.BlockNumber),
			zap.String("block_hash", verdict.Attribution.BlockHash.String()))
	}
	c.logger.Info("Extraction finished", fields...)
	return verdict, nil
}
