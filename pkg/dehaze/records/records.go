// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package records reads and writes pre-serialized (hazed, clear) image pairs, so training can skip
// scanning and decoding image directories.
//
// A record file (a "shard") holds:
//
//   - the 8 bytes magic "DHZREC01";
//   - the number of entries, uint64 little-endian;
//   - the length of the JSON header, uint32 little-endian, followed by the JSON Header;
//   - the entries: hazed pixels (height*width*3 bytes, HWC), clear pixels (same size)
//     and the scene index (IndexSize bytes, zero padded).
package records

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Magic identifies record files and their version.
const Magic = "DHZREC01"

// IndexSize is the fixed number of bytes used to store the scene index of an entry.
const IndexSize = 16

// ErrBadRecordFile is returned for files that are not valid record files.
var ErrBadRecordFile = errors.New("bad record file")

// Header describes the contents of a record file.
type Header struct {
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Channels int       `json:"channels"`
	Created  time.Time `json:"created"`
	RunID    string    `json:"run_id"`

	// Count is stored outside the JSON header, since it is only known when the writer is closed.
	Count int `json:"-"`
}

// EntrySize returns the number of bytes of each entry.
func (h Header) EntrySize() int {
	return 2*h.Height*h.Width*h.Channels + IndexSize
}

// Entry is one (hazed, clear) pair with its scene index.
type Entry struct {
	Hazed, Clear []uint8
	Index        string
}

// Writer creates a record file.
type Writer struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	header Header
}

// Create a record file for images of the given resolution. runID may be empty, in which case a new
// one is generated.
func Create(path string, height, width int, runID string) (*Writer, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("records.Create(%q): invalid image shape %dx%d", path, height, width)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create record file %q", path)
	}
	w := &Writer{
		path: path,
		file: f,
		buf:  bufio.NewWriter(f),
		header: Header{
			Height:   height,
			Width:    width,
			Channels: 3,
			Created:  time.Now(),
			RunID:    runID,
		},
	}
	headerJSON, err := json.Marshal(w.header)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to encode header of %q", path)
	}
	if _, err = w.buf.WriteString(Magic); err == nil {
		err = binary.Write(w.buf, binary.LittleEndian, uint64(0))
	}
	if err == nil {
		err = binary.Write(w.buf, binary.LittleEndian, uint32(len(headerJSON)))
	}
	if err == nil {
		_, err = w.buf.Write(headerJSON)
	}
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to write header of %q", path)
	}
	return w, nil
}

// Header returns the header of the file being written.
func (w *Writer) Header() Header { return w.header }

// Write appends an entry.
func (w *Writer) Write(entry Entry) error {
	imageSize := w.header.Height * w.header.Width * w.header.Channels
	if len(entry.Hazed) != imageSize || len(entry.Clear) != imageSize {
		return errors.Errorf("records.Write(%q): entry %q has %d hazed and %d clear bytes, expected %d each",
			w.path, entry.Index, len(entry.Hazed), len(entry.Clear), imageSize)
	}
	if len(entry.Index) > IndexSize {
		return errors.Errorf("records.Write(%q): index %q longer than %d bytes", w.path, entry.Index, IndexSize)
	}
	var index [IndexSize]byte
	copy(index[:], entry.Index)
	for _, b := range [][]byte{entry.Hazed, entry.Clear, index[:]} {
		if _, err := w.buf.Write(b); err != nil {
			return errors.Wrapf(err, "failed to write entry to %q", w.path)
		}
	}
	w.header.Count++
	return nil
}

// Close flushes the entries and writes the final count.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return errors.Wrapf(err, "failed to flush %q", w.path)
	}
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(w.header.Count))
	if _, err := w.file.WriteAt(count[:], int64(len(Magic))); err != nil {
		_ = w.file.Close()
		return errors.Wrapf(err, "failed to write entry count to %q", w.path)
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", w.path)
	}
	klog.V(1).Infof("wrote %d entries to %q", w.header.Count, w.path)
	return nil
}

// Reader reads a record file sequentially.
type Reader struct {
	path       string
	file       *os.File
	buf        *bufio.Reader
	header     Header
	dataOffset int64
	position   int
}

// Open a record file and reads its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open record file %q", path)
	}
	r := &Reader{path: path, file: f, buf: bufio.NewReader(f)}
	if err = r.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r.buf, magic); err != nil || string(magic) != Magic {
		return errors.Wrapf(ErrBadRecordFile, "%q: missing magic %q", r.path, Magic)
	}
	var count uint64
	var headerLen uint32
	if err := binary.Read(r.buf, binary.LittleEndian, &count); err != nil {
		return errors.Wrapf(ErrBadRecordFile, "%q: reading count: %v", r.path, err)
	}
	if err := binary.Read(r.buf, binary.LittleEndian, &headerLen); err != nil {
		return errors.Wrapf(ErrBadRecordFile, "%q: reading header length: %v", r.path, err)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r.buf, headerJSON); err != nil {
		return errors.Wrapf(ErrBadRecordFile, "%q: reading header: %v", r.path, err)
	}
	if err := json.Unmarshal(headerJSON, &r.header); err != nil {
		return errors.Wrapf(ErrBadRecordFile, "%q: decoding header: %v", r.path, err)
	}
	if r.header.Height <= 0 || r.header.Width <= 0 || r.header.Channels != 3 {
		return errors.Wrapf(ErrBadRecordFile, "%q: invalid image shape %dx%dx%d",
			r.path, r.header.Height, r.header.Width, r.header.Channels)
	}
	r.header.Count = int(count)
	r.dataOffset = int64(len(Magic) + 8 + 4 + int(headerLen))
	return nil
}

// Header returns the header of the file.
func (r *Reader) Header() Header { return r.header }

// Path of the file being read.
func (r *Reader) Path() string { return r.path }

// Read the next entry. It returns io.EOF after the last entry.
func (r *Reader) Read() (Entry, error) {
	if r.position >= r.header.Count {
		return Entry{}, io.EOF
	}
	imageSize := r.header.Height * r.header.Width * r.header.Channels
	data := make([]byte, r.header.EntrySize())
	if _, err := io.ReadFull(r.buf, data); err != nil {
		return Entry{}, errors.Wrapf(ErrBadRecordFile, "%q: reading entry %d of %d: %v", r.path, r.position, r.header.Count, err)
	}
	r.position++
	index := data[2*imageSize:]
	n := 0
	for n < len(index) && index[n] != 0 {
		n++
	}
	return Entry{
		Hazed: data[:imageSize:imageSize],
		Clear: data[imageSize : 2*imageSize : 2*imageSize],
		Index: string(index[:n]),
	}, nil
}

// Reset rewinds the reader to the first entry.
func (r *Reader) Reset() error {
	if _, err := r.file.Seek(r.dataOffset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "failed to rewind %q", r.path)
	}
	r.buf.Reset(r.file)
	r.position = 0
	return nil
}

// Close the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
