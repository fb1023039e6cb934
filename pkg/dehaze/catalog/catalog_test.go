// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch creates empty files under dir: scanning never reads the contents.
func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, nil, 0644))
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "0001_a.png", "0001_b.jpg", "sub/0002_a.JPEG", "sub/deeper/0003_c.png", "notes.txt", "0004.gif")
	c, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
	assert.Len(t, c.Files, 4)
	assert.Nil(t, c.Clear)

	indices := map[string]bool{}
	keys := map[uint64]bool{}
	for _, r := range c.Records {
		indices[r.Index] = true
		assert.False(t, keys[r.Key], "keys must be unique")
		keys[r.Key] = true
		assert.False(t, r.HasPixels())
	}
	assert.Equal(t, map[string]bool{"0001": true, "0002": true, "0003": true}, indices)
}

func TestScanEmpty(t *testing.T) {
	_, err := Scan("")
	require.True(t, errors.Is(err, ErrEmptyDirectory))

	_, err = Scan(filepath.Join(t.TempDir(), "missing"))
	require.True(t, errors.Is(err, ErrEmptyDirectory))

	dir := t.TempDir()
	touch(t, dir, "readme.md")
	_, err = Scan(dir)
	require.True(t, errors.Is(err, ErrEmptyDirectory))
}

func TestScanClear(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "0001.png", "0002.jpg")
	c, err := ScanClear(dir)
	require.NoError(t, err)
	require.Len(t, c.Clear, 2)
	assert.Equal(t, "0001.png", c.Clear["0001"].Name())
	assert.Equal(t, "0002.jpg", c.Clear["0002"].Name())
}

func TestScanClearMalformedName(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "0001.png", "01.png")
	_, err := ScanClear(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedName))
	assert.Contains(t, err.Error(), "01.png")

	// Hazed images too short for the index itself are also rejected.
	dir = t.TempDir()
	touch(t, dir, "1.png")
	_, err = Scan(dir, WithIndexLength(6))
	require.True(t, errors.Is(err, ErrMalformedName))
}

func TestScanClearDuplicateIndex(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "0001.png", "sub/0001.jpg")
	_, err := ScanClear(dir)
	require.True(t, errors.Is(err, ErrDuplicateIndex))
}

func TestLookup(t *testing.T) {
	hazedDir, clearDir := t.TempDir(), t.TempDir()
	touch(t, hazedDir, "0001_a.png", "0001_b.png", "0002_a.png", "0002_b.png")
	touch(t, clearDir, "0001.png", "0002.png", "0010.png")
	hazed, err := Scan(hazedDir)
	require.NoError(t, err)
	clear, err := ScanClear(clearDir)
	require.NoError(t, err)
	require.NoError(t, Validate(hazed.Records, clear.Clear))

	for _, h := range hazed.Records {
		c, err := clear.Clear.Lookup(h)
		require.NoError(t, err)
		assert.Equal(t, h.Name()[:4]+".png", c.Name(), "hazed %s", h.Name())
		assert.Same(t, clear.Clear[h.Index], c)
	}

	// Prefix "0010" must not match "0001" or any nearby key.
	orphan, err := NewImageRecord(filepath.Join(hazedDir, "0100_x.png"), DefaultIndexLength, 0)
	require.NoError(t, err)
	_, err = clear.Clear.Lookup(orphan)
	require.True(t, errors.Is(err, ErrMissingClear))
	require.True(t, errors.Is(Validate(append(hazed.Records, orphan), clear.Clear), ErrMissingClear))
}

func TestLoadPixels(t *testing.T) {
	r, err := NewImageRecord("/data/0001_a.png", DefaultIndexLength, 0)
	require.NoError(t, err)
	calls := 0
	decode := func(string) (*Pixels, error) {
		calls++
		return &Pixels{Height: 1, Width: 1, Pix: []uint8{1, 2, 3}}, nil
	}
	_, err = r.LoadPixels(decode, false)
	require.NoError(t, err)
	assert.False(t, r.HasPixels())
	_, err = r.LoadPixels(decode, true)
	require.NoError(t, err)
	_, err = r.LoadPixels(decode, true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, r.HasPixels())
	r.ReleasePixels()
	assert.False(t, r.HasPixels())
}

func TestInterleaveByScene(t *testing.T) {
	var records []*ImageRecord
	for _, name := range []string{"0002_b.png", "0001_b.png", "0001_a.png", "0002_a.png", "0003_a.png"} {
		r, err := NewImageRecord(name, DefaultIndexLength, 0)
		require.NoError(t, err)
		records = append(records, r)
	}
	ordered := InterleaveByScene(records)
	var names []string
	for _, r := range ordered {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"0001_a.png", "0002_a.png", "0003_a.png", "0001_b.png", "0002_b.png"}, names)
	assert.Equal(t, map[string]int{"0001": 2, "0002": 2, "0003": 1}, SceneCounts(records))

	Shuffle(ordered, rand.New(rand.NewSource(1)))
	assert.Len(t, ordered, 5)
}
