package codec

import (
	"time"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Remove inverts the embedding recorded in tx, returning the restored image,
// the recovered payload bits and the removal transaction
func (c *Codec) Remove(watermarked *model.Image, tx *model.EmbedderTransaction) (*model.Image, []uint8, *model.RemovalTransaction, error) {
	start := time.Now()
	out, bits, removal, err := c.remove(watermarked, tx)
	c.metrics.RecordCodecOperation(OpRemove, err, time.Since(start))
	return out, bits, removal, err
}

func (c *Codec) remove(watermarked *model.Image, tx *model.EmbedderTransaction) (*model.Image, []uint8, *model.RemovalTransaction, error) {
	if err := watermarked.Validate(); err != nil {
		return nil, nil, nil, err
	}
	rec, err := c.replay(watermarked, tx)
	if err != nil {
		return nil, nil, nil, err
	}

	restored := rec.image
	missing := 0
	for i, flag := range rec.flags() {
		if flag < 0 {
			missing++
			continue
		}
		pos := rec.overflow[i]
		restored.Pix[pos] -= uint16(flag)
	}
	if missing > 0 {
		c.logger.Warn("Overflow positions without a recovered flag", zap.Int("missing", missing))
	}

	bits, slots := rec.payload()
	fingerprint, err := storedFingerprint(tx)
	if err != nil {
		return nil, nil, nil, err
	}
	reference := make([]uint8, len(bits))
	for i, slot := range slots {
		reference[i] = fingerprint[slot]
	}
	ber := model.BitErrorRate(bits, reference)

	head := bits
	if len(head) > model.FingerprintBits {
		head = head[:model.FingerprintBits]
	}

	removal := &model.RemovalTransaction{
		Timestamp:            c.now().UTC(),
		OperationType:        model.OperationRemoval,
		OriginalImageHash:    tx.HashImageOrig,
		WatermarkedImageHash: watermarked.ContentHash(),
		RecoveredImageHash:   restored.ContentHash(),
		ExtractionBER:        ber,
		OriginalWatermark:    tx.Watermark,
		ExtractedWatermark:   model.BitsToHex(head),
		RemovalParameters:    tx.Params(),
	}

	if removal.RecoveredImageHash != tx.HashImageOrig {
		c.logger.Warn("Recovered image differs from recorded original",
			zap.String("recovered", removal.RecoveredImageHash),
			zap.String("original", tx.HashImageOrig),
		)
	}
	c.logger.Debug("Removed watermark",
		zap.Float64("ber", ber),
		zap.Int("bits", len(bits)),
		zap.Int("overflow", len(rec.overflow)),
	)
	return restored, bits, removal, nil
}
