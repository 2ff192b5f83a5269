package imageio

import (
	"bufio"
	"fmt"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// dicomPixels is the single native grayscale frame of a parsed dataset
type dicomPixels struct {
	dataset dicom.Dataset
	frame   *frame.NativeFrame
	depth   int
}

// parseDICOM parses path and locates its pixel frame. Compressed pixel
// data, multi-frame series and colour samples are refused.
func parseDICOM(path string) (*dicomPixels, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DICOM: %w", err)
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%w: DICOM without pixel data", model.ErrUnsupportedFormat)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if info.IsEncapsulated {
		return nil, fmt.Errorf("%w: encapsulated DICOM pixel data", model.ErrUnsupportedFormat)
	}
	if len(info.Frames) != 1 {
		return nil, fmt.Errorf("%w: DICOM with %d frames", model.ErrUnsupportedFormat, len(info.Frames))
	}
	nf, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to read DICOM frame: %w", err)
	}
	if len(nf.Data) != nf.Rows*nf.Cols || (len(nf.Data) > 0 && len(nf.Data[0]) != 1) {
		return nil, fmt.Errorf("%w: DICOM frame is not single-sample grayscale", model.ErrUnsupportedFormat)
	}

	depth := nf.BitsPerSample
	if el, err := ds.FindElementByTag(tag.BitsStored); err == nil {
		if stored := dicom.MustGetInts(el.Value); len(stored) == 1 && stored[0] > 0 && stored[0] < depth {
			depth = stored[0]
		}
	}
	if depth < 1 || depth > 16 {
		return nil, fmt.Errorf("%w: DICOM %d-bit samples", model.ErrUnsupportedFormat, depth)
	}
	return &dicomPixels{dataset: ds, frame: nf, depth: depth}, nil
}

func readDICOM(path string) (*model.Image, error) {
	px, err := parseDICOM(path)
	if err != nil {
		return nil, err
	}
	im := model.NewImage(px.frame.Rows, px.frame.Cols, px.depth)
	for i, sample := range px.frame.Data {
		v := sample[0]
		if v < 0 || v > im.MaxValue() {
			return nil, fmt.Errorf("%w: DICOM sample %d outside %d-bit range", model.ErrUnsupportedFormat, v, px.depth)
		}
		im.Pix[i] = uint16(v)
	}
	return im, nil
}

// writeDICOM re-emits the dataset at template with its pixel frame
// replaced by im. Every other element is kept as parsed.
func writeDICOM(path, template string, im *model.Image) error {
	px, err := parseDICOM(template)
	if err != nil {
		return fmt.Errorf("%s: %w", template, err)
	}
	if px.frame.Rows != im.Height || px.frame.Cols != im.Width {
		return fmt.Errorf("%w: image is %dx%d, DICOM frame is %dx%d", model.ErrInvalidParameters,
			im.Height, im.Width, px.frame.Rows, px.frame.Cols)
	}
	if im.BitDepth > px.frame.BitsPerSample {
		return fmt.Errorf("%w: %d-bit image in %d-bit DICOM samples", model.ErrUnsupportedFormat, im.BitDepth, px.frame.BitsPerSample)
	}
	for i, v := range im.Pix {
		px.frame.Data[i][0] = int(v)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	buf := bufio.NewWriter(file)
	if err := dicom.Write(buf, px.dataset); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write DICOM: %w", err)
	}
	if err := buf.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	return file.Close()
}
