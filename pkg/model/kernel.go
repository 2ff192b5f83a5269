package model

import (
	"fmt"
	"math"
)

// Kernel is a rectangular grid of non-negative prediction weights
type Kernel [][]float64

// DefaultKernel returns the 3x3 cross predictor
func DefaultKernel() Kernel {
	return Kernel{
		{0, 0.25, 0},
		{0.25, 0, 0.25},
		{0, 0.25, 0},
	}
}

// Rows returns the kernel height
func (k Kernel) Rows() int {
	return len(k)
}

// Cols returns the kernel width
func (k Kernel) Cols() int {
	if len(k) == 0 {
		return 0
	}
	return len(k[0])
}

// Validate checks that the kernel is rectangular with odd dimensions and
// finite non-negative weights
func (k Kernel) Validate() error {
	if len(k) == 0 || len(k[0]) == 0 {
		return paramError("kernel must not be empty")
	}
	cols := len(k[0])
	for r, row := range k {
		if len(row) != cols {
			return paramError("kernel row %d has %d columns, expected %d", r, len(row), cols)
		}
		for c, w := range row {
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				return paramError("kernel weight (%d,%d) must be finite and non-negative, got %v", r, c, w)
			}
		}
	}
	if len(k)%2 == 0 || cols%2 == 0 {
		return paramError("kernel dimensions must be odd, got %dx%d", len(k), cols)
	}
	return nil
}

func paramError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}
