package imageio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// ===== TEST HELPERS =====

// dicomWriter emits explicit VR little endian elements
type dicomWriter struct {
	bytes.Buffer
}

func (w *dicomWriter) element(group, elem uint16, vr string, value []byte) {
	if len(value)%2 == 1 {
		pad := byte(0)
		if vr != "UI" && vr != "OB" {
			pad = ' '
		}
		value = append(value, pad)
	}
	binary.Write(w, binary.LittleEndian, group)
	binary.Write(w, binary.LittleEndian, elem)
	w.WriteString(vr)
	switch vr {
	case "OB", "OW", "SQ", "UN", "UT":
		w.Write([]byte{0, 0})
		binary.Write(w, binary.LittleEndian, uint32(len(value)))
	default:
		binary.Write(w, binary.LittleEndian, uint16(len(value)))
	}
	w.Write(value)
}

func (w *dicomWriter) us(group, elem, v uint16) {
	w.element(group, elem, "US", binary.LittleEndian.AppendUint16(nil, v))
}

// dicomFile builds a single-frame MONOCHROME2 Part 10 file with 16-bit
// allocated samples, stored bits wide
func dicomFile(rows, cols, stored int, pix []uint16) []byte {
	var meta dicomWriter
	meta.element(0x0002, 0x0001, "OB", []byte{0, 1})
	meta.element(0x0002, 0x0002, "UI", []byte("1.2.840.10008.5.1.4.1.1.7"))
	meta.element(0x0002, 0x0003, "UI", []byte("1.2.826.0.1.3680043.2.1125.1"))
	meta.element(0x0002, 0x0010, "UI", []byte("1.2.840.10008.1.2.1"))

	var ds dicomWriter
	ds.element(0x0008, 0x0016, "UI", []byte("1.2.840.10008.5.1.4.1.1.7"))
	ds.element(0x0008, 0x0018, "UI", []byte("1.2.826.0.1.3680043.2.1125.1"))
	ds.us(0x0028, 0x0002, 1)
	ds.element(0x0028, 0x0004, "CS", []byte("MONOCHROME2"))
	ds.us(0x0028, 0x0010, uint16(rows))
	ds.us(0x0028, 0x0011, uint16(cols))
	ds.us(0x0028, 0x0100, 16)
	ds.us(0x0028, 0x0101, uint16(stored))
	ds.us(0x0028, 0x0102, uint16(stored-1))
	ds.us(0x0028, 0x0103, 0)
	raw := make([]byte, 0, 2*len(pix))
	for _, v := range pix {
		raw = binary.LittleEndian.AppendUint16(raw, v)
	}
	ds.element(0x7FE0, 0x0010, "OW", raw)

	var out dicomWriter
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	out.element(0x0002, 0x0000, "UL", binary.LittleEndian.AppendUint32(nil, uint32(meta.Len())))
	out.Write(meta.Bytes())
	out.Write(ds.Bytes())
	return out.Bytes()
}

func writeDICOMFixture(t *testing.T, dir string, rows, cols, stored int) (string, []uint16) {
	t.Helper()
	pix := make([]uint16, rows*cols)
	for i := range pix {
		pix[i] = uint16((i * 131) % (1 << stored))
	}
	path := filepath.Join(dir, "scan.dcm")
	require.NoError(t, os.WriteFile(path, dicomFile(rows, cols, stored, pix), 0o644))
	return path, pix
}

// ===== TESTS =====

func TestReadDICOM(t *testing.T) {
	path, pix := writeDICOMFixture(t, t.TempDir(), 6, 5, 12)

	im, format, err := Read(path, 0)
	require.NoError(t, err)
	assert.Equal(t, DICOM, format)
	assert.Equal(t, "dcm", format.DataType())
	assert.Equal(t, 6, im.Height)
	assert.Equal(t, 5, im.Width)
	assert.Equal(t, 12, im.BitDepth, "depth follows bits stored, not bits allocated")
	assert.Equal(t, pix, im.Pix)
}

func TestWriteFromDICOMKeepsDataset(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeDICOMFixture(t, dir, 4, 4, 12)
	im, _, err := Read(src, 0)
	require.NoError(t, err)

	modified := im.Clone()
	for i := range modified.Pix {
		modified.Pix[i] = uint16(4095 - i)
	}
	dst := filepath.Join(dir, "watermarked_scan.dcm")
	require.NoError(t, WriteFrom(dst, src, modified))

	got, format, err := Read(dst, 0)
	require.NoError(t, err)
	assert.Equal(t, DICOM, format)
	assert.True(t, modified.Equal(got), "pixel frame should round trip through the dataset")

	original, _, err := Read(src, 0)
	require.NoError(t, err)
	assert.True(t, im.Equal(original), "source dataset is left untouched")
}

func TestWriteDICOMNeedsSource(t *testing.T) {
	dir := t.TempDir()
	err := Write(filepath.Join(dir, "scan.dcm"), rampImage(4, 4, 8))
	assert.True(t, errors.Is(err, model.ErrUnsupportedFormat))

	src, _ := writeDICOMFixture(t, dir, 4, 4, 12)
	err = WriteFrom(filepath.Join(dir, "out.dcm"), src, rampImage(3, 4, 8))
	assert.True(t, errors.Is(err, model.ErrInvalidParameters), "frame dimensions must match")
}

func TestWriteFromNonDICOMIgnoresSource(t *testing.T) {
	dir := t.TempDir()
	im := rampImage(3, 3, 8)
	dst := filepath.Join(dir, "a.png")
	require.NoError(t, WriteFrom(dst, filepath.Join(dir, "missing.dcm"), im))

	got, _, err := Read(dst, 0)
	require.NoError(t, err)
	assert.True(t, im.Equal(got))
}
