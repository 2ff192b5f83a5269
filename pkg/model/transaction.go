package model

import "time"

// EmbedderTransaction records the embedding of one image
type EmbedderTransaction struct {
	Timestamp     time.Time `json:"timestamp"`
	SecretKey     string    `json:"secret_key"`
	Message       string    `json:"message"`
	Watermark     string    `json:"watermark"`
	Kernel        Kernel    `json:"kernel"`
	Stride        int       `json:"stride"`
	THi           int       `json:"t_hi"`
	HashImageWat  string    `json:"hash_image_wat"`
	HashImageOrig string    `json:"hash_image_orig"`
	BitDepth      int       `json:"bit_depth"`
	DataType      string    `json:"data_type"`
	OperationType string    `json:"operation_type"`
}

// Params returns the codec parameters the image was embedded with
func (t *EmbedderTransaction) Params() Params {
	return Params{
		Kernel:   t.Kernel,
		Stride:   t.Stride,
		THi:      t.THi,
		BitDepth: t.BitDepth,
	}
}

// RemovalTransaction records the removal of a watermark from one image
type RemovalTransaction struct {
	Timestamp            time.Time `json:"timestamp"`
	OperationType        string    `json:"operation_type"`
	OriginalImageHash    string    `json:"original_image_hash"`
	WatermarkedImageHash string    `json:"watermarked_image_hash"`
	RecoveredImageHash   string    `json:"recovered_image_hash"`
	ExtractionBER        float64   `json:"extraction_ber"`
	OriginalWatermark    string    `json:"original_watermark"`
	ExtractedWatermark   string    `json:"extracted_watermark"`
	RemovalParameters    Params    `json:"removal_parameters"`
}

// Params holds the codec parameters shared by embedding, extraction and removal
type Params struct {
	Kernel   Kernel `json:"kernel"`
	Stride   int    `json:"stride"`
	THi      int    `json:"t_hi"`
	BitDepth int    `json:"bit_depth"`
}

// Validate checks kernel shape, stride and threshold
func (p Params) Validate() error {
	if err := p.Kernel.Validate(); err != nil {
		return err
	}
	if p.Stride < 1 {
		return paramError("stride must be at least 1, got %d", p.Stride)
	}
	if p.THi < 0 {
		return paramError("t_hi must be non-negative, got %d", p.THi)
	}
	if p.BitDepth < 0 || p.BitDepth > MaxBitDepth {
		return paramError("bit depth must be in [0, %d], got %d", MaxBitDepth, p.BitDepth)
	}
	return p.checkDisjointCenters()
}

// checkDisjointCenters rejects grids where a window's prediction reads the
// center of another window. Embedding rewrites centers, so such a
// prediction could not be reproduced on the watermarked image.
func (p Params) checkDisjointCenters() error {
	cy, cx := p.Kernel.Rows()/2, p.Kernel.Cols()/2
	for dy := -(cy / p.Stride) * p.Stride; dy <= cy; dy += p.Stride {
		for dx := -(cx / p.Stride) * p.Stride; dx <= cx; dx += p.Stride {
			if (dy != 0 || dx != 0) && p.Kernel[cy+dy][cx+dx] != 0 {
				return paramError("stride %d places a neighbouring window center under kernel weight (%d,%d)",
					p.Stride, cy+dy, cx+dx)
			}
		}
	}
	return nil
}
