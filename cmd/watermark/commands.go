package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/batch"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/codec"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/config"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// overlay runs the setter of every flag given explicitly on the command line
func overlay(fs *pflag.FlagSet, setters map[string]func()) {
	for name, set := range setters {
		if fs.Changed(name) {
			set()
		}
	}
}

// loadInto reads path into cfg when path is set
func loadInto(path string, cfg any) error {
	if path == "" {
		return nil
	}
	return config.Load(path, cfg)
}

// parseKernel parses rows separated by ';' of weights separated by ','
func parseKernel(s string) (model.Kernel, error) {
	var k model.Kernel
	for _, row := range strings.Split(s, ";") {
		var weights []float64
		for _, field := range strings.Split(row, ",") {
			w, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: kernel weight %q: %v", model.ErrInvalidParameters, field, err)
			}
			weights = append(weights, w)
		}
		k = append(k, weights)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

func formatKernel(k model.Kernel) string {
	rows := make([]string, len(k))
	for i, row := range k {
		fields := make([]string, len(row))
		for j, w := range row {
			fields[j] = strconv.FormatFloat(w, 'g', -1, 64)
		}
		rows[i] = strings.Join(fields, ",")
	}
	return strings.Join(rows, ";")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newCoordinator(l batch.Ledger, logger *zap.Logger, workers int) *batch.Coordinator {
	cdc := codec.New(codec.WithLogger(logger))
	return batch.New(cdc, l, batch.WithLogger(logger), batch.WithWorkers(workers))
}

func runEmbed(args []string, stdout io.Writer) error {
	fs := newFlagSet("embed")
	var common commonFlags
	common.add(fs)

	flags := config.DefaultEmbed()
	kernel := formatKernel(flags.Kernel)
	workers := batch.DefaultWorkers
	fs.StringVar(&flags.DataPath, "data-path", "", "image file or directory to watermark")
	fs.StringVar(&flags.SavePath, "save-path", "", "directory for watermarked images")
	fs.StringVar(&flags.BlockchainPath, "blockchain-path", flags.BlockchainPath, "ledger JSON file")
	fs.StringVar(&flags.Message, "message", "", "message bound into every watermark")
	fs.StringVar(&kernel, "kernel", kernel, "prediction kernel, rows separated by ';'")
	fs.IntVar(&flags.Stride, "stride", flags.Stride, "sampling grid stride")
	fs.IntVar(&flags.THi, "t-hi", flags.THi, "prediction error threshold")
	fs.IntVar(&flags.BitDepth, "bit-depth", flags.BitDepth, "sample depth override, 0 keeps the container depth")
	fs.StringVar(&flags.DataType, "data-type", flags.DataType, "data type recorded for the batch")
	fs.IntVar(&workers, "workers", workers, "images processed concurrently")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	cfg := config.DefaultEmbed()
	if err := loadInto(common.configPath, cfg); err != nil {
		return err
	}
	var kernelErr error
	overlay(fs, map[string]func(){
		"data-path":       func() { cfg.DataPath = flags.DataPath },
		"save-path":       func() { cfg.SavePath = flags.SavePath },
		"blockchain-path": func() { cfg.BlockchainPath = flags.BlockchainPath },
		"message":         func() { cfg.Message = flags.Message },
		"kernel":          func() { cfg.Kernel, kernelErr = parseKernel(kernel) },
		"stride":          func() { cfg.Stride = flags.Stride },
		"t-hi":            func() { cfg.THi = flags.THi },
		"bit-depth":       func() { cfg.BitDepth = flags.BitDepth },
		"data-type":       func() { cfg.DataType = flags.DataType },
	})
	if kernelErr != nil {
		return kernelErr
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := common.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	l, err := openLedger(common.ledgerAddr, cfg.BlockchainPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := newCoordinator(l, logger, workers).Embed(ctx, batch.EmbedJob{
		DataPath: cfg.DataPath,
		SavePath: cfg.SavePath,
		Message:  cfg.Message,
		Params:   cfg.Params(),
		DataType: cfg.DataType,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "block %d %s: embedded %d of %d images\n",
		res.Block.Number(), res.Block.Hash(), res.Batch.ProcessedImages, res.Batch.TotalImages)
	for _, path := range res.Batch.FailedImages {
		fmt.Fprintf(stdout, "failed: %s\n", path)
	}
	return nil
}

func runExtract(args []string, stdout io.Writer) error {
	fs := newFlagSet("extract")
	var common commonFlags
	common.add(fs)

	flags := config.DefaultExtract()
	fs.StringVar(&flags.DataPath, "data-path", "", "probe image")
	fs.StringVar(&flags.BlockchainPath, "blockchain-path", flags.BlockchainPath, "ledger JSON file")
	fs.StringVar(&flags.DataType, "data-type", flags.DataType, "data type of the embeddings to compare against")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	cfg := config.DefaultExtract()
	if err := loadInto(common.configPath, cfg); err != nil {
		return err
	}
	overlay(fs, map[string]func(){
		"data-path":       func() { cfg.DataPath = flags.DataPath },
		"blockchain-path": func() { cfg.BlockchainPath = flags.BlockchainPath },
		"data-type":       func() { cfg.DataType = flags.DataType },
	})
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := common.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	l, err := openLedger(common.ledgerAddr, cfg.BlockchainPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	verdict, err := newCoordinator(l, logger, 1).Extract(cfg.DataPath, cfg.DataType)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}

func runRemove(args []string, stdout io.Writer) error {
	fs := newFlagSet("remove")
	var common commonFlags
	common.add(fs)

	flags := config.DefaultRemove()
	workers := batch.DefaultWorkers
	fs.StringVar(&flags.DataPath, "data-path", "", "watermarked image file or directory")
	fs.StringVar(&flags.SavePath, "save-path", "", "directory for recovered images")
	fs.StringVar(&flags.ExtWatPath, "ext-wat-path", "", "directory for recovered watermark digests")
	fs.StringVar(&flags.BlockchainPath, "blockchain-path", flags.BlockchainPath, "ledger JSON file")
	fs.IntVar(&workers, "workers", workers, "images processed concurrently")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	cfg := config.DefaultRemove()
	if err := loadInto(common.configPath, cfg); err != nil {
		return err
	}
	overlay(fs, map[string]func(){
		"data-path":       func() { cfg.DataPath = flags.DataPath },
		"save-path":       func() { cfg.SavePath = flags.SavePath },
		"ext-wat-path":    func() { cfg.ExtWatPath = flags.ExtWatPath },
		"blockchain-path": func() { cfg.BlockchainPath = flags.BlockchainPath },
	})
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := common.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	l, err := openLedger(common.ledgerAddr, cfg.BlockchainPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := newCoordinator(l, logger, workers).Remove(ctx, batch.RemoveJob{
		DataPath:   cfg.DataPath,
		SavePath:   cfg.SavePath,
		ExtWatPath: cfg.ExtWatPath,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "block %d %s: restored %d of %d images, average BER %.4f\n",
		res.Block.Number(), res.Block.Hash(), res.Batch.ProcessedImages, res.Batch.TotalImages, res.Batch.AverageBER)
	for _, path := range res.Batch.FailedImages {
		fmt.Fprintf(stdout, "failed: %s\n", path)
	}
	return nil
}

func runVerify(args []string, stdout io.Writer) error {
	fs := newFlagSet("verify")
	var common commonFlags
	common.add(fs)
	path := config.DefaultLedgerPath
	fs.StringVar(&path, "blockchain-path", path, "ledger JSON file")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	logger, err := common.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	l, err := openLedger(common.ledgerAddr, path, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.Check(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "ledger is valid")
	return nil
}

func runGenConfig(args []string, stdout io.Writer) error {
	fs := newFlagSet("genconfig")
	dir := "."
	embed := config.DefaultEmbed()
	embed.DataPath = "data"
	embed.SavePath = "watermarked"
	embed.Message = "watermark"
	extWatPath := "extracted"
	recoveredPath := "recovered"
	fs.StringVar(&dir, "dir", dir, "directory to write the configs into")
	fs.StringVar(&embed.DataPath, "data-path", embed.DataPath, "input images for embedding")
	fs.StringVar(&embed.SavePath, "save-path", embed.SavePath, "watermarked output, also the removal and extraction input")
	fs.StringVar(&recoveredPath, "recovered-path", recoveredPath, "recovered images written by removal")
	fs.StringVar(&extWatPath, "ext-wat-path", extWatPath, "watermark digests written by removal")
	fs.StringVar(&embed.BlockchainPath, "blockchain-path", embed.BlockchainPath, "ledger JSON file")
	fs.StringVar(&embed.Message, "message", embed.Message, "message bound into every watermark")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	extract := config.DefaultExtract()
	extract.DataPath = embed.SavePath
	extract.BlockchainPath = embed.BlockchainPath
	extract.DataType = embed.DataType

	remove := config.DefaultRemove()
	remove.DataPath = embed.SavePath
	remove.SavePath = recoveredPath
	remove.ExtWatPath = extWatPath
	remove.BlockchainPath = embed.BlockchainPath
	remove.DataType = embed.DataType

	g := config.NewGenerator(dir)
	for _, generate := range []func() (string, error){
		func() (string, error) { return g.GenerateEmbed(embed) },
		func() (string, error) { return g.GenerateExtract(extract) },
		func() (string, error) { return g.GenerateRemove(remove) },
	} {
		path, err := generate()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", path)
	}
	return nil
}
