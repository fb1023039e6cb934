// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/dehaze/catalog"
	"github.com/gomlx/dehaze/pkg/dehaze/config"
	"github.com/gomlx/dehaze/pkg/dehaze/pairing"
	"github.com/gomlx/dehaze/pkg/dehaze/records"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dataset is the source of training examples and their count.
type dataset struct {
	Producer batching.Producer
	Len      int
	closeFn  func() error
}

// Close releases the files held by the dataset, if any.
func (d *dataset) Close() {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		klog.Warningf("failed to close dataset: %v", err)
	}
}

// openDataset opens the record files given by -records, or scans the -data_dir and -clear_dir directories.
func openDataset(cfg *config.Config) (*dataset, error) {
	if cfg.Records != "" {
		return openRecords(cfg)
	}
	hazed, err := catalog.Scan(cfg.HazedDir, catalog.WithIndexLength(cfg.IndexLength))
	if err != nil {
		return nil, errors.WithMessage(err, "scanning -data_dir")
	}
	clearImages, err := catalog.ScanClear(cfg.ClearDir, catalog.WithIndexLength(cfg.IndexLength))
	if err != nil {
		return nil, errors.WithMessage(err, "scanning -clear_dir")
	}
	klog.Infof("Found %d hazed images (%d scenes) and %d clear images",
		hazed.Len(), len(catalog.SceneCounts(hazed.Records)), clearImages.Len())
	pipeline, err := pairing.New(hazed, clearImages).
		Shape(cfg.InputImageHeight, cfg.InputImageWidth).
		Shuffle(cfg.Shuffle).
		Seed(cfg.Seed).
		Done()
	if err != nil {
		return nil, err
	}
	return &dataset{Producer: pipeline, Len: pipeline.Len()}, nil
}

func openRecords(cfg *config.Config) (*dataset, error) {
	paths, err := fsutil.ExpandList(cfg.Records)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, err.Error())
	}
	source, err := records.NewSource(paths, pairing.DefaultAugmenter(), cfg.Seed)
	if err != nil {
		return nil, err
	}
	if height, width := source.Shape(); height != cfg.InputImageHeight || width != cfg.InputImageWidth {
		_ = source.Close()
		return nil, errors.Wrapf(pairing.ErrShapeMismatch, "record files hold %dx%d images, training configured for %dx%d",
			height, width, cfg.InputImageHeight, cfg.InputImageWidth)
	}
	klog.Infof("Found %d examples in %d record files", source.Len(), len(paths))
	return &dataset{Producer: source, Len: source.Len(), closeFn: source.Close}, nil
}
