// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dehaze_records converts directories of hazed and clear images into record files (shards) that dehaze_train
// reads with -records, skipping the directory scan and image decoding at training time.
//
// Example:
//
//	dehaze_records -data_dir=~/data/hazed -clear_dir=~/data/clear -output=~/data/records/train -shard_size=2000
//
// creates ~/data/records/train-00000.rec, ~/data/records/train-00001.rec, ...
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"path/filepath"
	"runtime"

	"github.com/gomlx/dehaze/internal/workerspool"
	"github.com/gomlx/dehaze/pkg/dehaze/catalog"
	"github.com/gomlx/dehaze/pkg/dehaze/pairing"
	"github.com/gomlx/dehaze/pkg/dehaze/records"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagHazedDir    = flag.String("data_dir", "", "Directory with the hazed images.")
	flagClearDir    = flag.String("clear_dir", "", "Directory with the clear images.")
	flagOutput      = flag.String("output", "", "Prefix of the record files, shards are named <output>-%05d.rec.")
	flagShardSize   = flag.Int("shard_size", 1000, "Maximum number of entries per record file.")
	flagHeight      = flag.Int("height", 224, "Height of the images. Images of any other resolution are an error.")
	flagWidth       = flag.Int("width", 224, "Width of the images. Images of any other resolution are an error.")
	flagIndexLength = flag.Int("index_length", 4, "Number of leading characters of the file names joining hazed and clear images.")
	flagShuffle     = flag.Bool("shuffle", true, "Shuffle the pairs before writing, otherwise they are interleaved by scene.")
	flagSeed        = flag.Int64("seed", 0, "Seed used to shuffle the pairs.")
	flagParallelism = flag.Int("parallelism", runtime.NumCPU(), "Number of images decoded in parallel.")
)

// ShardExt is the extension of the record files.
const ShardExt = ".rec"

// options of a conversion.
type options struct {
	Output        string
	ShardSize     int
	Height, Width int
	Shuffle       bool
	Seed          int64
	Parallelism   int
	Progress      bool
}

// ShardPath returns the path of the shard number i.
func ShardPath(output string, i int) string {
	return fmt.Sprintf("%s-%05d%s", output, i, ShardExt)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagHazedDir == "" || *flagClearDir == "" || *flagOutput == "" {
		klog.Exitf("-data_dir, -clear_dir and -output must be set")
	}
	output := must.M1(fsutil.ReplaceTildeInDir(*flagOutput))
	must.M(fsutil.EnsureDir(filepath.Dir(output)))

	hazed := must.M1(catalog.Scan(*flagHazedDir, catalog.WithIndexLength(*flagIndexLength)))
	clearImages := must.M1(catalog.ScanClear(*flagClearDir, catalog.WithIndexLength(*flagIndexLength)))
	must.M(catalog.Validate(hazed.Records, clearImages.Clear))

	paths := must.M1(convert(hazed, clearImages, options{
		Output:      output,
		ShardSize:   *flagShardSize,
		Height:      *flagHeight,
		Width:       *flagWidth,
		Shuffle:     *flagShuffle,
		Seed:        *flagSeed,
		Parallelism: *flagParallelism,
		Progress:    true,
	}))
	fmt.Printf("Wrote %d pairs to %d record files:\n", hazed.Len(), len(paths))
	for _, path := range paths {
		fmt.Printf("\t%s\n", path)
	}
}

// convert writes all pairs of hazed images and their clear counterparts to shards, and returns their paths.
func convert(hazed, clearImages *catalog.Catalog, opts options) ([]string, error) {
	if opts.ShardSize <= 0 {
		return nil, errors.Errorf("invalid shard size %d", opts.ShardSize)
	}
	ordered := catalog.InterleaveByScene(hazed.Records)
	if opts.Shuffle {
		catalog.Shuffle(ordered, rand.New(rand.NewSource(opts.Seed)))
	}
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(ordered),
			progressbar.OptionSetDescription("Writing records"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("pairs"),
			progressbar.OptionShowIts(),
		)
		defer func() { _ = bar.Finish() }()
	}

	pool := workerspool.New().SetMaxParallelism(opts.Parallelism)
	runID := uuid.NewString()
	var paths []string
	for start := 0; start < len(ordered); start += opts.ShardSize {
		shard := ordered[start:min(start+opts.ShardSize, len(ordered))]
		path := ShardPath(opts.Output, len(paths))
		if err := writeShard(path, runID, shard, clearImages.Clear, opts, pool); err != nil {
			return paths, err
		}
		paths = append(paths, path)
		if bar != nil {
			_ = bar.Add(len(shard))
		}
	}
	return paths, nil
}

// writeShard decodes the pairs of the shard in parallel and writes them in order.
func writeShard(path, runID string, shard []*catalog.ImageRecord, clearIndex catalog.ClearIndex, opts options,
	pool *workerspool.Pool) error {
	entries := make([]records.Entry, len(shard))
	errs := make([]error, len(shard))
	pool.RunAll(len(shard), func(i int) {
		entries[i], errs[i] = decodePair(shard[i], clearIndex, opts.Height, opts.Width)
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	w, err := records.Create(path, opts.Height, opts.Width, runID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err = w.Write(entry); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func decodePair(hazed *catalog.ImageRecord, clearIndex catalog.ClearIndex, height, width int) (records.Entry, error) {
	clearRecord, err := clearIndex.Lookup(hazed)
	if err != nil {
		return records.Entry{}, err
	}
	var pix [2][]uint8
	for ii, record := range []*catalog.ImageRecord{hazed, clearRecord} {
		pixels, err := pairing.NewDecoder().DecodeContext(context.Background(), record.Path)
		if err != nil {
			return records.Entry{}, err
		}
		if pixels.Height != height || pixels.Width != width {
			return records.Entry{}, errors.Wrapf(pairing.ErrShapeMismatch, "%q is %dx%d, expected %dx%d",
				record.Path, pixels.Height, pixels.Width, height, width)
		}
		pix[ii] = pixels.Pix
	}
	return records.Entry{Hazed: pix[0], Clear: pix[1], Index: hazed.Index}, nil
}
