// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package catalog scans directories of hazed and clear images and builds the records used to pair them.
//
// Every image file name starts with a fixed-width index prefix (e.g. "0001" in "0001_a.png").
// Clear images are indexed by that prefix, and each hazed image is paired with the clear image
// sharing its prefix. Many hazed variants may share one clear image.
//
// Scanning only reads directory entries: pixel data is decoded later, on demand, by the
// pairing pipeline and cached in the ImageRecord.
package catalog

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultIndexLength is the number of leading characters of a file name used as the index prefix.
	DefaultIndexLength = 4

	// DefaultMinSuffixLength is the minimum number of characters a clear image name must have after
	// its index prefix: room for at least the ".png"/".jpg" extension.
	DefaultMinSuffixLength = 4
)

var (
	// ErrEmptyDirectory is returned when the root directory is not given, missing, or holds no images.
	ErrEmptyDirectory = errors.New("no images found")

	// ErrMalformedName is returned for files whose names are too short to carry an index prefix.
	ErrMalformedName = errors.New("malformed image name")

	// ErrMissingClear is returned when a hazed image has no clear counterpart.
	ErrMissingClear = errors.New("missing clear image")

	// ErrDuplicateIndex is returned when two clear images share the same index prefix.
	ErrDuplicateIndex = errors.New("duplicate clear image index")
)

// recognizedExtensions maps lower-case file extensions to whether they are considered images.
var recognizedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// IsImageFile returns whether the file name has a recognized image extension.
func IsImageFile(name string) bool {
	return recognizedExtensions[strings.ToLower(filepath.Ext(name))]
}

var nextKey atomic.Uint64

// Pixels is a decoded 8-bit RGB image, stored in row-major (height, width, channel) order.
type Pixels struct {
	Height, Width int
	Pix           []uint8
}

// ImageRecord identifies one image file of the dataset.
type ImageRecord struct {
	// Key is unique for the lifetime of the process.
	Key uint64

	// Path to the image file.
	Path string

	// Index is the fixed-width prefix of the file name joining hazed and clear images.
	Index string

	mu     sync.Mutex
	pixels *Pixels
}

// NewImageRecord creates a record for the given path, extracting an index of indexLength characters
// from the base name. It returns ErrMalformedName if the base name is shorter than
// indexLength+minSuffixLength.
func NewImageRecord(path string, indexLength, minSuffixLength int) (*ImageRecord, error) {
	name := filepath.Base(path)
	if len(name) < indexLength+minSuffixLength {
		return nil, errors.Wrapf(ErrMalformedName, "%q needs at least %d characters (index of %d plus %d)",
			path, indexLength+minSuffixLength, indexLength, minSuffixLength)
	}
	return &ImageRecord{
		Key:   nextKey.Add(1),
		Path:  path,
		Index: name[:indexLength],
	}, nil
}

// Name returns the base file name of the record.
func (r *ImageRecord) Name() string { return filepath.Base(r.Path) }

// String implements fmt.Stringer.
func (r *ImageRecord) String() string { return r.Path }

// LoadPixels returns the decoded pixels, calling decode on the first use.
// If cache is true the decoded value is kept in the record for future calls.
// Concurrent callers for the same record are serialized, so an image is decoded at most once when cached.
func (r *ImageRecord) LoadPixels(decode func(path string) (*Pixels, error), cache bool) (*Pixels, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pixels != nil {
		return r.pixels, nil
	}
	pixels, err := decode(r.Path)
	if err != nil {
		return nil, err
	}
	if cache {
		r.pixels = pixels
	}
	return pixels, nil
}

// HasPixels returns whether the decoded buffer is cached.
func (r *ImageRecord) HasPixels() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pixels != nil
}

// ReleasePixels drops the cached decoded buffer.
func (r *ImageRecord) ReleasePixels() {
	r.mu.Lock()
	r.pixels = nil
	r.mu.Unlock()
}

// ClearIndex maps index prefixes to clear image records.
type ClearIndex map[string]*ImageRecord

// Lookup returns the clear record sharing the index of the hazed record. It is an exact key match.
func (idx ClearIndex) Lookup(hazed *ImageRecord) (*ImageRecord, error) {
	clear, found := idx[hazed.Index]
	if !found {
		return nil, errors.Wrapf(ErrMissingClear, "no clear image with index %q for hazed image %q", hazed.Index, hazed.Path)
	}
	return clear, nil
}

// Catalog is the result of scanning a directory tree.
type Catalog struct {
	// Root directory scanned.
	Root string

	// Files holds the paths of every image found.
	Files []string

	// Records holds one ImageRecord per image found, in the same order as Files.
	Records []*ImageRecord

	// Clear is only set when scanning clear images (see ScanClear).
	Clear ClearIndex
}

// Len returns the number of images found.
func (c *Catalog) Len() int { return len(c.Records) }

type scanConfig struct {
	indexLength, minSuffixLength int
	buildIndex                   bool
}

// Option configures Scan and ScanClear.
type Option func(cfg *scanConfig)

// WithIndexLength sets the number of characters of the index prefix. Default is DefaultIndexLength.
func WithIndexLength(n int) Option {
	return func(cfg *scanConfig) { cfg.indexLength = n }
}

// WithMinSuffixLength sets the minimum number of characters after the prefix of clear image names.
// Default is DefaultMinSuffixLength.
func WithMinSuffixLength(n int) Option {
	return func(cfg *scanConfig) { cfg.minSuffixLength = n }
}

// Scan recursively lists the images under root, creating one ImageRecord per file.
// Files with unrecognized extensions are ignored.
//
// Hazed image names only need to be long enough to hold the index prefix; see ScanClear for clear images.
func Scan(root string, options ...Option) (*Catalog, error) {
	return scan(root, false, options)
}

// ScanClear is like Scan, but also builds the ClearIndex, and enforces that every file name holds an
// index prefix plus a minimum suffix. Names that are too short fail with ErrMalformedName, and two
// images with the same prefix fail with ErrDuplicateIndex.
func ScanClear(root string, options ...Option) (*Catalog, error) {
	return scan(root, true, options)
}

func scan(root string, buildIndex bool, options []Option) (*Catalog, error) {
	cfg := &scanConfig{
		indexLength:     DefaultIndexLength,
		minSuffixLength: DefaultMinSuffixLength,
		buildIndex:      buildIndex,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.indexLength <= 0 {
		return nil, errors.Errorf("catalog: invalid index length %d", cfg.indexLength)
	}
	if root == "" {
		return nil, errors.Wrap(ErrEmptyDirectory, "please supply a data directory")
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(ErrEmptyDirectory, "failed to open %q: %v", root, err)
	}
	if !fi.IsDir() {
		return nil, errors.Wrapf(ErrEmptyDirectory, "%q is not a directory", root)
	}

	c := &Catalog{Root: root}
	if buildIndex {
		c.Clear = make(ClearIndex)
	}
	minSuffix := 0
	if buildIndex {
		minSuffix = cfg.minSuffixLength
	}
	if err = c.walk(root, cfg.indexLength, minSuffix); err != nil {
		return nil, err
	}
	if len(c.Records) == 0 {
		return nil, errors.Wrapf(ErrEmptyDirectory, "no .png or .jpg images under %q", root)
	}
	klog.V(1).Infof("catalog: %d images found under %q", len(c.Records), root)
	return c, nil
}

// walk visits dir, recursing into subdirectories.
func (c *Catalog) walk(dir string, indexLength, minSuffix int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "catalog: failed to list %q", dir)
	}
	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err = c.walk(entryPath, indexLength, minSuffix); err != nil {
				return err
			}
			continue
		}
		if !IsImageFile(entry.Name()) {
			continue
		}
		record, err := NewImageRecord(entryPath, indexLength, minSuffix)
		if err != nil {
			return err
		}
		c.Files = append(c.Files, entryPath)
		c.Records = append(c.Records, record)
		if c.Clear != nil {
			if previous, found := c.Clear[record.Index]; found {
				return errors.Wrapf(ErrDuplicateIndex, "%q and %q share index %q", previous.Path, record.Path, record.Index)
			}
			c.Clear[record.Index] = record
		}
	}
	return nil
}

// Validate checks that every hazed record has a clear counterpart. It reports the first missing one.
func Validate(hazed []*ImageRecord, clear ClearIndex) error {
	for _, record := range hazed {
		if _, err := clear.Lookup(record); err != nil {
			return err
		}
	}
	return nil
}

// SceneCounts returns the number of hazed records per index prefix.
func SceneCounts(records []*ImageRecord) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		counts[record.Index]++
	}
	return counts
}

// InterleaveByScene returns the records in a deterministic order that round-robins over the
// index prefixes (sorted), so consecutive records come from distinct scenes whenever possible.
// Within a scene records are sorted by path.
func InterleaveByScene(records []*ImageRecord) []*ImageRecord {
	groups := make(map[string][]*ImageRecord)
	for _, record := range records {
		groups[record.Index] = append(groups[record.Index], record)
	}
	indices := make([]string, 0, len(groups))
	for index, group := range groups {
		indices = append(indices, index)
		sort.Slice(group, func(i, j int) bool { return group[i].Path < group[j].Path })
	}
	sort.Strings(indices)

	ordered := make([]*ImageRecord, 0, len(records))
	for round := 0; len(ordered) < len(records); round++ {
		for _, index := range indices {
			if group := groups[index]; round < len(group) {
				ordered = append(ordered, group[round])
			}
		}
	}
	return ordered
}

// Shuffle shuffles the records in place.
func Shuffle(records []*ImageRecord, rng *rand.Rand) {
	rng.Shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})
}
