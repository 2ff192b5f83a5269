package codec

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/keygen"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/selector"
)

// EmbedRequest describes one embedding
type EmbedRequest struct {
	Message   string
	SecretKey string
	Params    model.Params
	DataType  string
}

// Embed writes the fingerprint of req.Message and req.SecretKey into a copy
// of src. The source image is not modified.
func (c *Codec) Embed(src *model.Image, req EmbedRequest) (*model.Image, *model.EmbedderTransaction, error) {
	start := time.Now()
	out, tx, err := c.embed(src, req)
	c.metrics.RecordCodecOperation(OpEmbed, err, time.Since(start))
	return out, tx, err
}

func (c *Codec) embed(src *model.Image, req EmbedRequest) (*model.Image, *model.EmbedderTransaction, error) {
	if err := keygen.Check(req.SecretKey); err != nil {
		return nil, nil, err
	}
	if err := req.Params.Validate(); err != nil {
		return nil, nil, err
	}
	if err := src.Validate(); err != nil {
		return nil, nil, err
	}
	g, err := newGrid(src.Height, src.Width, req.Params)
	if err != nil {
		return nil, nil, err
	}
	mask, err := selector.New(req.SecretKey, src.Height*src.Width)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive position mask: %w", err)
	}

	fingerprint := model.FingerprintBitsOf(req.Message, req.SecretKey)
	out := src.Clone()
	tHi := req.Params.THi
	maxValue := src.MaxValue()
	// M-1 marks a saturated center during inversion, so no expanded or
	// shifted sample may land on it
	clipped := 0
	write := func(cy, cx, v int) {
		if v > maxValue-2 {
			v = maxValue - 2
			clipped++
		}
		out.Set(cy, cx, v)
	}

	// Forward pass: expand or shift each participating residual and queue a
	// flag for every saturating center
	var queue []uint8
	for cell := 0; cell < g.cells(); cell++ {
		if !mask.Bit(cell) {
			continue
		}
		pred := g.predict(out, cell)
		cy, cx := g.center(cell)
		center := out.At(cy, cx)
		e := center - pred
		if e < 0 {
			continue
		}
		switch {
		case center == maxValue-2:
			out.Set(cy, cx, center+1)
			queue = append(queue, 1)
		case center == maxValue-1:
			queue = append(queue, 0)
		case e > tHi:
			write(cy, cx, pred+e+tHi+1)
		default:
			write(cy, cx, pred+2*e+int(fingerprint[cell%model.FingerprintBits]))
		}
	}

	// Reverse pass: the last len(queue) embeddable cells carry the flags,
	// consumed from the end of the queue
	remaining := len(queue)
	for cell := g.cells() - 1; cell >= 0 && remaining > 0; cell-- {
		if !mask.Bit(cell) {
			continue
		}
		pred := g.predict(src, cell)
		cy, cx := g.center(cell)
		center := src.At(cy, cx)
		e := center - pred
		if e < 0 || center >= maxValue-2 || e > tHi {
			continue
		}
		remaining--
		write(cy, cx, pred+2*e+int(queue[remaining]))
	}
	if remaining > 0 {
		return nil, nil, fmt.Errorf("%w: %d of %d overflow flags could not be placed",
			model.ErrNoCapacity, remaining, len(queue))
	}

	if len(queue) > 0 {
		c.logger.Debug("Resolved overflow queue", zap.Int("flags", len(queue)))
	}
	if clipped > 0 {
		c.logger.Warn("Clipped samples at the top of the range",
			zap.Int("clipped", clipped),
			zap.Int("t_hi", tHi),
		)
	}

	tx := &model.EmbedderTransaction{
		Timestamp:     c.now().UTC(),
		SecretKey:     req.SecretKey,
		Message:       req.Message,
		Watermark:     model.Fingerprint(req.Message, req.SecretKey),
		Kernel:        copyKernel(req.Params.Kernel),
		Stride:        req.Params.Stride,
		THi:           tHi,
		HashImageWat:  out.ContentHash(),
		HashImageOrig: src.ContentHash(),
		BitDepth:      src.BitDepth,
		DataType:      req.DataType,
		OperationType: model.OperationEmbedding,
	}

	c.logger.Debug("Embedded watermark",
		zap.String("hash_image_wat", tx.HashImageWat),
		zap.Int("cells", g.cells()),
		zap.Int("overflow", len(queue)),
	)
	return out, tx, nil
}

func copyKernel(k model.Kernel) model.Kernel {
	out := make(model.Kernel, len(k))
	for i, row := range k {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
