package codec

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Operation labels used for logging and metrics
const (
	OpEmbed   = "embed"
	OpExtract = "extract"
	OpRemove  = "remove"
)

// Lookup resolves ledger transactions for extraction
type Lookup interface {
	// LookupByContentHash returns the most recent embedding whose watermarked
	// hash equals hash, or ErrNotFound
	LookupByContentHash(hash string) (*model.Record, error)

	// EmbedderRecords returns every embedding of the given data type in ledger
	// order. An empty data type matches all.
	EmbedderRecords(dataType string) ([]*model.Record, error)
}

// Codec embeds, extracts and removes reversible watermarks. A Codec holds no
// per-image state and is safe for concurrent use.
type Codec struct {
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// Option configures a Codec
type Option func(*Codec)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Codec) { c.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(registry *metrics.Registry) Option {
	return func(c *Codec) { c.metrics = registry }
}

// WithClock sets the transaction timestamp source
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New creates a new codec
func New(opts ...Option) *Codec {
	c := &Codec{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// grid enumerates the kernel-sized sampling windows of an image in raster order
type grid struct {
	kernel model.Kernel
	kh, kw int
	stride int
	rows   int
	cols   int
}

func newGrid(height, width int, params model.Params) (grid, error) {
	g := grid{
		kernel: params.Kernel,
		kh:     params.Kernel.Rows(),
		kw:     params.Kernel.Cols(),
		stride: params.Stride,
	}
	if height >= g.kh {
		g.rows = (height-g.kh)/g.stride + 1
	}
	if width >= g.kw {
		g.cols = (width-g.kw)/g.stride + 1
	}
	if g.rows <= 0 || g.cols <= 0 {
		return g, fmt.Errorf("%w: %dx%d image has no %dx%d windows at stride %d",
			model.ErrNoCapacity, height, width, g.kh, g.kw, g.stride)
	}
	return g, nil
}

// cells returns the number of windows
func (g grid) cells() int {
	return g.rows * g.cols
}

// origin returns the top-left pixel of window cell
func (g grid) origin(cell int) (int, int) {
	return (cell / g.cols) * g.stride, (cell % g.cols) * g.stride
}

// center returns the center pixel coordinates of window cell
func (g grid) center(cell int) (int, int) {
	y, x := g.origin(cell)
	return y + g.kh/2, x + g.kw/2
}

// predict returns floor(sum(window * kernel)) for window cell of im
func (g grid) predict(im *model.Image, cell int) int {
	y0, x0 := g.origin(cell)
	sum := 0.0
	for r := 0; r < g.kh; r++ {
		row := (y0 + r) * im.Width
		for c := 0; c < g.kw; c++ {
			sum += float64(im.Pix[row+x0+c]) * g.kernel[r][c]
		}
	}
	return int(math.Floor(sum))
}

// recovery is the outcome of the forward inversion pass
type recovery struct {
	// image holds the recovered samples
	image *model.Image

	// bits are the recovered bits in grid order, slots their fingerprint index
	bits  []uint8
	slots []int

	// overflow lists the pixel offsets of saturated participating cells
	overflow []int
}

// payload returns the recovered bits and slots with the trailing overflow flags removed
func (r *recovery) payload() ([]uint8, []int) {
	n := len(r.bits) - len(r.overflow)
	if n < 0 {
		n = 0
	}
	return r.bits[:n], r.slots[:n]
}

// flags returns the overflow flag for each overflow position; positions
// without a recovered flag get -1
func (r *recovery) flags() []int {
	out := make([]int, len(r.overflow))
	offset := len(r.bits) - len(r.overflow)
	for i := range r.overflow {
		j := offset + i
		if j < 0 {
			out[i] = -1
			continue
		}
		out[i] = int(r.bits[j])
	}
	return out
}

// invert replays the embedding traversal over a copy of im, writing each
// recovered sample back before the next window is visited
func invert(im *model.Image, g grid, mask maskBits, tHi int) *recovery {
	work := im.Clone()
	maxValue := work.MaxValue()
	rec := &recovery{image: work}

	for cell := 0; cell < g.cells(); cell++ {
		if !mask.Bit(cell) {
			continue
		}
		pred := g.predict(work, cell)
		cy, cx := g.center(cell)
		center := work.At(cy, cx)
		errW := center - pred
		if errW < 0 {
			continue
		}
		if center == maxValue-1 {
			rec.overflow = append(rec.overflow, cy*work.Width+cx)
			continue
		}

		var recovered int
		if errW > 2*tHi+1 {
			recovered = errW - tHi - 1
		} else {
			bit := errW % 2
			recovered = (errW - bit) / 2
			rec.bits = append(rec.bits, uint8(bit))
			rec.slots = append(rec.slots, cell%model.FingerprintBits)
		}
		work.Set(cy, cx, pred+recovered)
	}
	return rec
}

// vote reconstructs a fingerprint by majority over each slot. Slots without
// votes default to 0.
func vote(bits []uint8, slots []int) []uint8 {
	var sum, count [model.FingerprintBits]int
	for i, b := range bits {
		sum[slots[i]] += int(b)
		count[slots[i]]++
	}
	out := make([]uint8, model.FingerprintBits)
	for s := range out {
		if count[s] > 0 && 2*sum[s] > count[s] {
			out[s] = 1
		}
	}
	return out
}

// maskBits is the part of a position mask the codec reads
type maskBits interface {
	Bit(i int) bool
}

// withDepth returns im reinterpreted at depth bits, or an error when a sample
// does not fit. A depth of 0 keeps the image's own depth.
func withDepth(im *model.Image, depth int) (*model.Image, error) {
	if depth == 0 || depth == im.BitDepth {
		return im, nil
	}
	out := &model.Image{
		Height:   im.Height,
		Width:    im.Width,
		BitDepth: depth,
		Pix:      im.Pix,
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
