// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package records

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/dehaze/pkg/dehaze/pairing"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeShard(t *testing.T, path string, indices ...string) {
	t.Helper()
	w, err := Create(path, 2, 3, "")
	require.NoError(t, err)
	for ii, index := range indices {
		hazed := make([]uint8, 2*3*3)
		clear := make([]uint8, 2*3*3)
		for jj := range hazed {
			hazed[jj] = uint8(ii*10 + jj)
			clear[jj] = 255
		}
		require.NoError(t, w.Write(Entry{Hazed: hazed, Clear: clear, Index: index}))
	}
	require.NoError(t, w.Close())
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train-000.rec")
	writeShard(t, path, "0001", "0002", "0003")

	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	header := r.Header()
	assert.Equal(t, 3, header.Count)
	assert.Equal(t, 2, header.Height)
	assert.Equal(t, 3, header.Width)
	assert.NotEmpty(t, header.RunID)

	for pass := 0; pass < 2; pass++ {
		for ii, want := range []string{"0001", "0002", "0003"} {
			entry, err := r.Read()
			require.NoError(t, err)
			assert.Equal(t, want, entry.Index)
			assert.Equal(t, uint8(ii*10+5), entry.Hazed[5])
			assert.Equal(t, uint8(255), entry.Clear[17])
		}
		_, err = r.Read()
		require.Equal(t, io.EOF, err)
		require.NoError(t, r.Reset())
	}
}

func TestWriterErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "bad.rec"), 0, 3, "")
	require.Error(t, err)

	w, err := Create(filepath.Join(dir, "a.rec"), 1, 1, "run")
	require.NoError(t, err)
	assert.Error(t, w.Write(Entry{Hazed: []uint8{1}, Clear: []uint8{1, 2, 3}, Index: "0001"}))
	assert.Error(t, w.Write(Entry{Hazed: []uint8{1, 2, 3}, Clear: []uint8{1, 2, 3}, Index: "0123456789abcdefXYZ"}))
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.rec"), []byte("junk"), 0o644))
	_, err = Open(filepath.Join(dir, "junk.rec"))
	assert.True(t, errors.Is(err, ErrBadRecordFile))
}

func TestSource(t *testing.T) {
	dir := t.TempDir()
	shards := []string{filepath.Join(dir, "a.rec"), filepath.Join(dir, "b.rec")}
	writeShard(t, shards[0], "0001", "0002")
	writeShard(t, shards[1], "0003")

	s, err := NewSource(shards, pairing.DefaultAugmenter(), 1)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, 3, s.Len())

	ctx := context.Background()
	var indices []string
	for ii := 0; ii < 7; ii++ {
		example, err := s.Produce(ctx)
		require.NoError(t, err)
		indices = append(indices, example.Index)
		assert.InDelta(t, 1.0, example.Clear.Data()[0], 1e-12)
		assert.True(t, example.Hazed.IsImage())
	}
	assert.Equal(t, []string{"0001", "0002", "0003", "0001", "0002", "0003", "0001"}, indices)
	assert.Equal(t, 2, s.Passes())

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Produce(ctx)
	assert.Error(t, err)
}

func TestSourceShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, filepath.Join(dir, "a.rec"), "0001")
	w, err := Create(filepath.Join(dir, "b.rec"), 4, 4, "")
	require.NoError(t, err)
	require.NoError(t, w.Write(Entry{Hazed: make([]uint8, 48), Clear: make([]uint8, 48), Index: "0002"}))
	require.NoError(t, w.Close())
	_, err = NewSource([]string{filepath.Join(dir, "a.rec"), filepath.Join(dir, "b.rec")}, pairing.Augmenter{}, 0)
	assert.True(t, errors.Is(err, pairing.ErrShapeMismatch))
}
