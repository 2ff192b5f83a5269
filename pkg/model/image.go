package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Image is a single-channel integer raster stored row-major
type Image struct {
	Height   int
	Width    int
	BitDepth int
	Pix      []uint16
}

// NewImage allocates a zeroed image
func NewImage(height, width, bitDepth int) *Image {
	return &Image{
		Height:   height,
		Width:    width,
		BitDepth: bitDepth,
		Pix:      make([]uint16, height*width),
	}
}

// MaxValue returns 2^BitDepth, one past the largest legal sample
func (im *Image) MaxValue() int {
	return 1 << im.BitDepth
}

// At returns the sample at row y, column x
func (im *Image) At(y, x int) int {
	return int(im.Pix[y*im.Width+x])
}

// Set stores v at row y, column x
func (im *Image) Set(y, x, v int) {
	im.Pix[y*im.Width+x] = uint16(v)
}

// Clone returns a deep copy of the image
func (im *Image) Clone() *Image {
	pix := make([]uint16, len(im.Pix))
	copy(pix, im.Pix)
	return &Image{
		Height:   im.Height,
		Width:    im.Width,
		BitDepth: im.BitDepth,
		Pix:      pix,
	}
}

// Equal reports whether two images have the same shape, depth and samples
func (im *Image) Equal(other *Image) bool {
	if im.Height != other.Height || im.Width != other.Width || im.BitDepth != other.BitDepth {
		return false
	}
	for i, v := range im.Pix {
		if other.Pix[i] != v {
			return false
		}
	}
	return true
}

// Validate checks dimensions, depth and that every sample is below 2^BitDepth
func (im *Image) Validate() error {
	if im.Height <= 0 || im.Width <= 0 {
		return paramError("image dimensions must be positive, got %dx%d", im.Height, im.Width)
	}
	if im.BitDepth < 1 || im.BitDepth > MaxBitDepth {
		return paramError("bit depth must be in [1, %d], got %d", MaxBitDepth, im.BitDepth)
	}
	if len(im.Pix) != im.Height*im.Width {
		return paramError("pixel buffer has %d samples, expected %d", len(im.Pix), im.Height*im.Width)
	}
	limit := im.MaxValue()
	for i, v := range im.Pix {
		if int(v) >= limit {
			return paramError("sample %d is %d, exceeds %d-bit range", i, v, im.BitDepth)
		}
	}
	return nil
}

// Bytes returns the row-major sample bytes: one byte per sample up to 8 bits,
// otherwise two bytes little-endian
func (im *Image) Bytes() []byte {
	if im.BitDepth <= 8 {
		out := make([]byte, len(im.Pix))
		for i, v := range im.Pix {
			out[i] = byte(v)
		}
		return out
	}
	out := make([]byte, 2*len(im.Pix))
	for i, v := range im.Pix {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// ContentHash returns the hex SHA-256 of the sample bytes
func (im *Image) ContentHash() string {
	sum := sha256.Sum256(im.Bytes())
	return hex.EncodeToString(sum[:])
}

// String returns a string representation of the image
func (im *Image) String() string {
	return fmt.Sprintf("Image(%dx%d, %d-bit)", im.Height, im.Width, im.BitDepth)
}
