package imageio

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Format identifies a raster container
type Format string

// Known formats
const (
	PNG   Format = "png"
	JPEG  Format = "jpeg"
	BMP   Format = "bmp"
	TIFF  Format = "tiff"
	DICOM Format = "dcm"
)

var extensions = map[string]Format{
	".png":  PNG,
	".jpg":  JPEG,
	".jpeg": JPEG,
	".bmp":  BMP,
	".tif":  TIFF,
	".tiff": TIFF,
	".dcm":  DICOM,
}

// FormatFromPath returns the container format implied by the file extension
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := extensions[ext]
	if !ok {
		return "", fmt.Errorf("%w: extension %q", model.ErrUnsupportedFormat, ext)
	}
	return f, nil
}

// IsImagePath reports whether path has a recognised image extension
func IsImagePath(path string) bool {
	_, err := FormatFromPath(path)
	return err == nil
}

// Lossy reports whether the format cannot carry a reversible watermark
func (f Format) Lossy() bool {
	return f == JPEG
}

// DataType returns the short name recorded in ledger transactions
func (f Format) DataType() string {
	return string(f)
}

// Decode reads one grayscale raster. Colour inputs are converted to
// luminance the way PIL's "L" mode does.
func Decode(r io.Reader, f Format) (*model.Image, error) {
	var (
		img image.Image
		err error
	)
	switch f {
	case PNG:
		img, err = png.Decode(r)
	case JPEG:
		img, err = jpeg.Decode(r)
	case BMP:
		img, err = bmp.Decode(r)
	case TIFF:
		img, err = tiff.Decode(r)
	default:
		return nil, fmt.Errorf("%w: no decoder for %s", model.ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f, err)
	}
	return fromImage(img), nil
}

func fromImage(img image.Image) *model.Image {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()

	switch src := img.(type) {
	case *image.Gray:
		out := model.NewImage(h, w, 8)
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				out.Pix[y*w+x] = uint16(v)
			}
		}
		return out
	case *image.Gray16:
		out := model.NewImage(h, w, 16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Pix[y*w+x] = src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y
			}
		}
		return out
	case *image.RGBA64, *image.NRGBA64:
		out := model.NewImage(h, w, 16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				out.Pix[y*w+x] = g.Y
			}
		}
		return out
	}

	out := model.NewImage(h, w, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			out.Pix[y*w+x] = uint16(g.Y)
		}
	}
	return out
}

// Encode writes im losslessly. JPEG is refused because it would destroy the watermark.
func Encode(w io.Writer, im *model.Image, f Format) error {
	img := toImage(im)
	switch f {
	case PNG:
		return png.Encode(w, img)
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case BMP:
		if im.BitDepth > 8 {
			return fmt.Errorf("%w: bmp cannot hold %d-bit samples", model.ErrUnsupportedFormat, im.BitDepth)
		}
		return bmp.Encode(w, img)
	default:
		return fmt.Errorf("%w: no lossless encoder for %s", model.ErrUnsupportedFormat, f)
	}
}

func toImage(im *model.Image) image.Image {
	rect := image.Rect(0, 0, im.Width, im.Height)
	if im.BitDepth <= 8 {
		out := image.NewGray(rect)
		for i, v := range im.Pix {
			out.Pix[i] = uint8(v)
		}
		return out
	}
	out := image.NewGray16(rect)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			out.SetGray16(x, y, color.Gray16{Y: im.Pix[y*im.Width+x]})
		}
	}
	return out
}

// ApplyBitDepth reinterprets im at depth bits. A depth of 0 keeps the
// container depth; a depth that some sample exceeds is rejected.
func ApplyBitDepth(im *model.Image, depth int) error {
	if depth == 0 || depth == im.BitDepth {
		return nil
	}
	previous := im.BitDepth
	im.BitDepth = depth
	if err := im.Validate(); err != nil {
		im.BitDepth = previous
		return err
	}
	return nil
}

// Read decodes the image at path and applies the bit depth override
func Read(path string, bitDepth int) (*model.Image, Format, error) {
	f, err := FormatFromPath(path)
	if err != nil {
		return nil, "", err
	}

	var im *model.Image
	if f == DICOM {
		im, err = readDICOM(path)
	} else {
		im, err = decodeFile(path, f)
	}
	if err != nil {
		return nil, f, fmt.Errorf("%s: %w", path, err)
	}
	if err := ApplyBitDepth(im, bitDepth); err != nil {
		return nil, f, fmt.Errorf("%s: %w", path, err)
	}
	return im, f, nil
}

func decodeFile(path string, f Format) (*model.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()
	return Decode(bufio.NewReader(file), f)
}

// WriteFrom writes im to path. DICOM output keeps every element of the
// source dataset and replaces only its pixel frame; other formats ignore
// source.
func WriteFrom(path, source string, im *model.Image) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if f == DICOM {
		return writeDICOM(path, source, im)
	}
	return Write(path, im)
}

// Write encodes im to path in the format implied by its extension. DICOM
// needs a source dataset and is written by WriteFrom.
func Write(path string, im *model.Image) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if f == DICOM {
		return fmt.Errorf("%w: DICOM output needs a source dataset", model.ErrUnsupportedFormat)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}

	buf := bufio.NewWriter(file)
	if err := Encode(buf, im, f); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := buf.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	return file.Close()
}

// OutputName returns prefix+name, switching lossy extensions to .png
func OutputName(prefix, name string) string {
	base := filepath.Base(name)
	if f, err := FormatFromPath(base); err == nil && f.Lossy() {
		base = strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
	}
	return prefix + base
}
