package codec

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/keygen"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/selector"
)

// Extract attributes probe to a recorded embedding. An exact content-hash
// match is returned directly; otherwise every embedding of dataType is
// replayed and the lowest BER below BERThreshold wins.
func (c *Codec) Extract(probe *model.Image, dataType string, lookup Lookup) (model.Verdict, error) {
	start := time.Now()
	verdict, err := c.extract(probe, dataType, lookup)
	c.metrics.RecordCodecOperation(OpExtract, err, time.Since(start))
	if err == nil {
		c.metrics.RecordExtractBER(verdict.BER)
	}
	return verdict, err
}

func (c *Codec) extract(probe *model.Image, dataType string, lookup Lookup) (model.Verdict, error) {
	if err := probe.Validate(); err != nil {
		return model.Verdict{}, err
	}

	hash := probe.ContentHash()
	record, err := lookup.LookupByContentHash(hash)
	switch {
	case err == nil:
		attribution := record.Attribution
		c.logger.Debug("Probe matched by content hash",
			zap.String("hash", hash),
			zap.Uint64("block_number", attribution.BlockNumber),
		)
		return model.Verdict{
			BER:         0,
			Recognized:  true,
			ExactMatch:  true,
			Attribution: &attribution,
		}, nil
	case !errors.Is(err, model.ErrNotFound):
		return model.Verdict{}, fmt.Errorf("failed to look up content hash: %w", err)
	}

	candidates, err := lookup.EmbedderRecords(dataType)
	if err != nil {
		return model.Verdict{}, fmt.Errorf("failed to list embeddings: %w", err)
	}

	best := model.Unrecognized()
	var bestRecord *model.Record
	for _, candidate := range candidates {
		ber, err := c.candidateBER(probe, candidate.Transaction)
		if err != nil {
			c.logger.Debug("Skipping candidate",
				zap.String("image_hash", candidate.Attribution.ImageHash),
				zap.Error(err),
			)
			continue
		}
		if bestRecord == nil || ber < best.BER {
			best.BER = ber
			bestRecord = candidate
		}
		if ber == 0 {
			break
		}
	}

	if bestRecord == nil || best.BER >= model.BERThreshold {
		c.logger.Debug("Probe not recognized", zap.Int("candidates", len(candidates)))
		return model.Unrecognized(), nil
	}

	attribution := bestRecord.Attribution
	c.logger.Debug("Probe attributed by blind search",
		zap.Float64("ber", best.BER),
		zap.Uint64("block_number", attribution.BlockNumber),
	)
	return model.Verdict{
		BER:         best.BER,
		Recognized:  true,
		Attribution: &attribution,
	}, nil
}

// candidateBER replays tx over probe and compares the voted fingerprint with
// the recorded one
func (c *Codec) candidateBER(probe *model.Image, tx *model.EmbedderTransaction) (float64, error) {
	rec, err := c.replay(probe, tx)
	if err != nil {
		return 0, err
	}
	expected, err := storedFingerprint(tx)
	if err != nil {
		return 0, err
	}
	bits, slots := rec.payload()
	return model.BitErrorRate(vote(bits, slots), expected), nil
}

// replay runs the inversion pass with the parameters recorded in tx
func (c *Codec) replay(probe *model.Image, tx *model.EmbedderTransaction) (*recovery, error) {
	if tx == nil {
		return nil, model.ErrNotFound
	}
	if err := keygen.Check(tx.SecretKey); err != nil {
		return nil, err
	}
	params := tx.Params()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	im, err := withDepth(probe, tx.BitDepth)
	if err != nil {
		return nil, err
	}
	g, err := newGrid(im.Height, im.Width, params)
	if err != nil {
		return nil, err
	}
	mask, err := selector.New(tx.SecretKey, im.Height*im.Width)
	if err != nil {
		return nil, fmt.Errorf("failed to derive position mask: %w", err)
	}
	return invert(im, g, mask, params.THi), nil
}

// storedFingerprint decodes the 256-bit watermark recorded in tx
func storedFingerprint(tx *model.EmbedderTransaction) ([]uint8, error) {
	bits, err := model.HexToBits(tx.Watermark)
	if err != nil {
		return nil, fmt.Errorf("%w: stored watermark: %v", model.ErrInvalidParameters, err)
	}
	if len(bits) != model.FingerprintBits {
		return nil, fmt.Errorf("%w: stored watermark has %d bits", model.ErrInvalidParameters, len(bits))
	}
	return bits, nil
}
