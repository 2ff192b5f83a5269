package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/codec"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/imageio"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/ledger"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/node"
)

// Both a local ledger and a daemon client can back a batch
var (
	_ Ledger = (*ledger.Ledger)(nil)
	_ Ledger = (*node.Client)(nil)
)

// ===== TEST HELPERS =====

// sampleImage is a smooth 8-bit image; offset makes each file distinct
func sampleImage(size, offset int) *model.Image {
	im := model.NewImage(size, size, 8)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			im.Set(y, x, 60+offset+x/12+y/12)
		}
	}
	return im
}

func writeSamples(t *testing.T, dir string, names ...string) map[string]*model.Image {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	out := make(map[string]*model.Image)
	for i, name := range names {
		im := sampleImage(96, i*7)
		require.NoError(t, imageio.Write(filepath.Join(dir, name), im))
		out[name] = im
	}
	return out
}

func defaultParams() model.Params {
	return model.Params{Kernel: model.DefaultKernel(), Stride: 3}
}

type fixture struct {
	ledger  *ledger.Ledger
	metrics *metrics.Registry
	coord   *Coordinator
	root    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	registry := metrics.NewRegistry()
	l, err := ledger.New(ledger.NewFileStore(filepath.Join(root, "blockchain.json")),
		ledger.WithLogger(logger), ledger.WithMetrics(registry))
	require.NoError(t, err)

	cdc := codec.New(codec.WithLogger(logger), codec.WithMetrics(registry))
	opts = append([]Option{WithLogger(logger), WithMetrics(registry), WithWorkers(2)}, opts...)
	return &fixture{
		ledger:  l,
		metrics: registry,
		coord:   New(cdc, l, opts...),
		root:    root,
	}
}

func (f *fixture) dir(name string) string {
	return filepath.Join(f.root, name)
}

// failingCheck wraps a ledger and reports corruption after appends
type failingCheck struct {
	*ledger.Ledger
}

func (failingCheck) Check() error {
	return fmt.Errorf("%w: injected", model.ErrChainCorruption)
}

// ===== TESTS =====

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	writeSamples(t, dir, "b.png", "a.png", "c.tiff")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))

	files, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "c.tiff"),
	}, files)

	single, err := ListImages(filepath.Join(dir, "a.png"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = ListImages(filepath.Join(dir, "notes.txt"))
	assert.True(t, errors.Is(err, model.ErrUnsupportedFormat))

	_, err = ListImages(t.TempDir())
	assert.True(t, errors.Is(err, model.ErrInvalidParameters))

	_, err = ListImages(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestEmbedRemoveExtract(t *testing.T) {
	f := newFixture(t)
	originals := writeSamples(t, f.dir("data"), "one.png", "two.png", "three.tiff")

	embedded, err := f.coord.Embed(context.Background(), EmbedJob{
		DataPath: f.dir("data"),
		SavePath: f.dir("watermarked"),
		Message:  "provenance",
		Params:   defaultParams(),
		DataType: "png",
	})
	require.NoError(t, err)

	batch := embedded.Batch
	assert.Equal(t, uint64(1), embedded.Block.Number())
	assert.Equal(t, model.InfoEmbedder, embedded.Block.Info)
	assert.NotEmpty(t, batch.BatchID)
	assert.Equal(t, 3, batch.TotalImages)
	assert.Equal(t, 3, batch.ProcessedImages)
	assert.Empty(t, batch.FailedImages)
	require.Len(t, batch.TransactionDict, 3)

	keys := make(map[string]bool)
	for _, tx := range batch.TransactionDict {
		keys[tx.SecretKey] = true
	}
	assert.Len(t, keys, 3, "every image gets its own secret key")

	// Each watermarked file hashes to its ledger key
	for name := range originals {
		out := filepath.Join(f.dir("watermarked"), WatermarkedPrefix+name)
		im, _, err := imageio.Read(out, 0)
		require.NoError(t, err, name)
		rec, err := f.ledger.LookupByContentHash(im.ContentHash())
		require.NoError(t, err, name)
		assert.Equal(t, uint64(1), rec.Attribution.BlockNumber)
	}

	verdict, err := f.coord.Extract(filepath.Join(f.dir("watermarked"), WatermarkedPrefix+"one.png"), "png")
	require.NoError(t, err)
	assert.True(t, verdict.Recognized)
	assert.Equal(t, 0.0, verdict.BER)
	require.NotNil(t, verdict.Attribution)
	assert.Equal(t, embedded.Block.Hash(), verdict.Attribution.BlockHash)

	removed, err := f.coord.Remove(context.Background(), RemoveJob{
		DataPath:   f.dir("watermarked"),
		SavePath:   f.dir("recovered"),
		ExtWatPath: f.dir("wm"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), removed.Block.Number())
	assert.Equal(t, model.InfoRemover, removed.Block.Info)
	assert.Equal(t, 3, removed.Batch.ProcessedImages)
	assert.Equal(t, 0.0, removed.Batch.AverageBER)

	for name, original := range originals {
		watermarked := WatermarkedPrefix + name
		restored, _, err := imageio.Read(filepath.Join(f.dir("recovered"), RecoveredPrefix+watermarked), 0)
		require.NoError(t, err, name)
		assert.True(t, restored.Equal(original), "%s should be restored exactly", name)

		digest, err := ReadWatermark(filepath.Join(f.dir("wm"), watermarked+WatermarkExt))
		require.NoError(t, err)
		wm, _, err := imageio.Read(filepath.Join(f.dir("watermarked"), watermarked), 0)
		require.NoError(t, err)
		tx := batch.TransactionDict[wm.ContentHash()]
		require.NotNil(t, tx)
		removal := removed.Batch.TransactionDict[wm.ContentHash()]
		require.NotNil(t, removal)
		assert.Len(t, digest, model.HashHexLength)
		assert.Equal(t, removal.ExtractedWatermark, digest)
		assert.Equal(t, tx.Watermark, removal.OriginalWatermark)
		assert.Equal(t, tx.HashImageOrig, removal.RecoveredImageHash)
	}

	assert.Equal(t, 3, f.ledger.Height())
	assert.True(t, f.ledger.Verify())
	assert.Equal(t, Metrics{EmbeddedCount: 3, RemovedCount: 3, BatchCount: 2}, f.coord.GetMetrics())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.BatchImagesTotal.WithLabelValues("embed", "processed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.LedgerHeight))
}

func TestEmbedRecordsFailedImages(t *testing.T) {
	f := newFixture(t)
	writeSamples(t, f.dir("data"), "good.png")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir("data"), "broken.png"), []byte("not a png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir("data"), "readme.txt"), []byte("skip me"), 0o644))

	res, err := f.coord.Embed(context.Background(), EmbedJob{
		DataPath: f.dir("data"),
		SavePath: f.dir("out"),
		Message:  "m",
		Params:   defaultParams(),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Batch.TotalImages)
	assert.Equal(t, 1, res.Batch.ProcessedImages)
	assert.Equal(t, []string{filepath.Join(f.dir("data"), "broken.png")}, res.Batch.FailedImages)
	assert.Len(t, res.Batch.TransactionDict, 1)
	for _, tx := range res.Batch.TransactionDict {
		assert.Equal(t, "png", tx.DataType)
	}

	_, err = os.Stat(filepath.Join(f.dir("out"), WatermarkedPrefix+"good.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.dir("out"), WatermarkedPrefix+"broken.png"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, uint64(1), f.coord.GetMetrics().FailedCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchImagesTotal.WithLabelValues("embed", "failed")))
}

func TestEmbedAllFailedStillSealsBlock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.dir("data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir("data"), "broken.png"), []byte("junk"), 0o644))

	res, err := f.coord.Embed(context.Background(), EmbedJob{
		DataPath: f.dir("data"),
		SavePath: f.dir("out"),
		Params:   defaultParams(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batch.ProcessedImages)
	assert.Len(t, res.Batch.FailedImages, 1)
	assert.Equal(t, 2, f.ledger.Height())
}

func TestEmbedRejectsBadJobs(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Embed(context.Background(), EmbedJob{
		DataPath: t.TempDir(),
		SavePath: f.dir("out"),
		Params:   defaultParams(),
	})
	assert.True(t, errors.Is(err, model.ErrInvalidParameters))

	writeSamples(t, f.dir("data"), "a.png")
	_, err = f.coord.Embed(context.Background(), EmbedJob{
		DataPath: f.dir("data"),
		SavePath: f.dir("out"),
		Params:   model.Params{Kernel: model.DefaultKernel(), Stride: 0},
	})
	assert.True(t, errors.Is(err, model.ErrInvalidParameters))

	assert.Equal(t, 1, f.ledger.Height(), "rejected jobs append nothing")
}

func TestEmbedCancelled(t *testing.T) {
	f := newFixture(t)
	writeSamples(t, f.dir("data"), "a.png", "b.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.Embed(ctx, EmbedJob{
		DataPath: f.dir("data"),
		SavePath: f.dir("out"),
		Params:   defaultParams(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, f.ledger.Height())
	assert.Equal(t, uint64(0), f.coord.GetMetrics().BatchCount)
}

func TestSealReportsFailedCheck(t *testing.T) {
	f := newFixture(t)
	broken := New(codec.New(), failingCheck{f.ledger}, WithLogger(zaptest.NewLogger(t)))
	writeSamples(t, f.dir("data"), "a.png")

	_, err := broken.Embed(context.Background(), EmbedJob{
		DataPath: f.dir("data"),
		SavePath: f.dir("out"),
		Params:   defaultParams(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrChainCorruption))
	assert.Contains(t, err.Error(), "after block 1")
	assert.Equal(t, uint64(0), broken.GetMetrics().BatchCount)
}

func TestRemoveUnknownImage(t *testing.T) {
	f := newFixture(t)
	writeSamples(t, f.dir("data"), "stranger.png")

	res, err := f.coord.Remove(context.Background(), RemoveJob{
		DataPath:   f.dir("data"),
		SavePath:   f.dir("recovered"),
		ExtWatPath: f.dir("wm"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batch.ProcessedImages)
	assert.Equal(t, 0.0, res.Batch.AverageBER)
	assert.Equal(t, []string{filepath.Join(f.dir("data"), "stranger.png")}, res.Batch.FailedImages)
	assert.Empty(t, res.Batch.TransactionDict)
	assert.Equal(t, model.InfoRemover, res.Block.Info)
}

func TestExtractUnknownImage(t *testing.T) {
	f := newFixture(t)
	writeSamples(t, f.dir("data"), "stranger.png")

	verdict, err := f.coord.Extract(filepath.Join(f.dir("data"), "stranger.png"), "")
	require.NoError(t, err)
	assert.False(t, verdict.Recognized)
	assert.Nil(t, verdict.Attribution)

	_, err = f.coord.Extract(filepath.Join(f.dir("data"), "missing.png"), "")
	assert.Error(t, err)
}

func TestJPEGInputWritesPNG(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.dir("data"), 0o755))

	gray := image.NewGray(image.Rect(0, 0, 96, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 96; x++ {
			gray.Pix[y*gray.Stride+x] = uint8(80 + x/12 + y/12)
		}
	}
	src := filepath.Join(f.dir("data"), "photo.jpg")
	file, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(file, gray, &jpeg.Options{Quality: 100}))
	require.NoError(t, file.Close())

	decoded, _, err := imageio.Read(src, 0)
	require.NoError(t, err)

	res, err := f.coord.Embed(context.Background(), EmbedJob{
		DataPath: src,
		SavePath: f.dir("out"),
		Message:  "jpeg",
		Params:   defaultParams(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Batch.ProcessedImages)
	for _, tx := range res.Batch.TransactionDict {
		assert.Equal(t, "jpeg", tx.DataType)
	}

	out := filepath.Join(f.dir("out"), WatermarkedPrefix+"photo.png")
	_, err = os.Stat(out)
	require.NoError(t, err)

	_, err = f.coord.Remove(context.Background(), RemoveJob{
		DataPath:   out,
		SavePath:   f.dir("recovered"),
		ExtWatPath: f.dir("wm"),
	})
	require.NoError(t, err)
	restored, _, err := imageio.Read(filepath.Join(f.dir("recovered"), RecoveredPrefix+WatermarkedPrefix+"photo.png"), 0)
	require.NoError(t, err)
	assert.True(t, restored.Equal(decoded))
}

func TestBatchThroughLedgerDaemon(t *testing.T) {
	logger := zaptest.NewLogger(t)
	l, err := ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(logger))
	require.NoError(t, err)
	daemon := node.New("127.0.0.1:0", l, node.WithLogger(logger))
	require.NoError(t, daemon.Start())
	t.Cleanup(daemon.Stop)

	client := node.NewClient(daemon.Addr(), logger)
	t.Cleanup(func() { client.Close() })

	root := t.TempDir()
	coord := New(codec.New(codec.WithLogger(logger)), client, WithLogger(logger))
	writeSamples(t, filepath.Join(root, "data"), "a.png", "b.png")

	embedded, err := coord.Embed(context.Background(), EmbedJob{
		DataPath: filepath.Join(root, "data"),
		SavePath: filepath.Join(root, "out"),
		Message:  "remote",
		Params:   defaultParams(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), embedded.Block.Number())

	verdict, err := coord.Extract(filepath.Join(root, "out", WatermarkedPrefix+"b.png"), "")
	require.NoError(t, err)
	assert.True(t, verdict.Recognized)
	require.NotNil(t, verdict.Attribution)
	assert.Equal(t, embedded.Block.Hash(), verdict.Attribution.BlockHash)

	removed, err := coord.Remove(context.Background(), RemoveJob{
		DataPath:   filepath.Join(root, "out"),
		SavePath:   filepath.Join(root, "recovered"),
		ExtWatPath: filepath.Join(root, "wm"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed.Batch.ProcessedImages)

	height, err := client.Height()
	require.NoError(t, err)
	assert.Equal(t, 3, height)
	assert.True(t, l.Verify())
	assert.Equal(t, uint64(2), daemon.GetAppendedBlocks())
}
