// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/dehaze/pkg/dehaze/catalog"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnreadableImage is returned when an image file can't be decoded, after all retries.
	ErrUnreadableImage = errors.New("unreadable image")

	// ErrShapeMismatch is returned when a decoded image doesn't have the configured resolution.
	ErrShapeMismatch = errors.New("image shape mismatch")
)

// Decode reads an image file and returns its pixels as interleaved RGB (height, width, 3) bytes.
//
// The decoder is chosen by the file extension: PNG and JPEG are supported. Both yield the same
// R, G, B channel order, and any alpha channel is dropped.
func Decode(path string) (*catalog.Pixels, error) {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadableImage, "%q: %v", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()

	var img image.Image
	switch format {
	case imaging.PNG:
		img, err = png.Decode(f)
	case imaging.JPEG:
		img, err = jpeg.Decode(f)
	default:
		return nil, errors.Wrapf(ErrUnreadableImage, "%q: unsupported image format %s", path, format)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadableImage, "%q: %v", path, err)
	}
	return PixelsFromImage(img), nil
}

// PixelsFromImage converts any image.Image to interleaved RGB bytes, dropping alpha.
func PixelsFromImage(img image.Image) *catalog.Pixels {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	pixels := &catalog.Pixels{Height: height, Width: width, Pix: make([]uint8, height*width*3)}
	dst := pixels.Pix
	for y := 0; y < height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+width*4]
		for x := 0; x < width; x++ {
			copy(dst[:3], row[x*4:x*4+3])
			dst = dst[3:]
		}
	}
	return pixels
}

// Decoder decodes images with retries and exponential backoff.
type Decoder struct {
	// Retries is the number of attempts before giving up. Values < 1 mean a single attempt.
	Retries int

	// Backoff is the wait before the second attempt, doubled after each failed attempt.
	Backoff time.Duration

	// Decode function, defaults to Decode.
	Decode func(path string) (*catalog.Pixels, error)
}

// DefaultDecodeRetries is the default number of decode attempts per image.
const DefaultDecodeRetries = 3

// NewDecoder returns a Decoder with DefaultDecodeRetries attempts, starting with a 100ms backoff.
func NewDecoder() *Decoder {
	return &Decoder{Retries: DefaultDecodeRetries, Backoff: 100 * time.Millisecond, Decode: Decode}
}

// DecodeContext decodes path, retrying failures. The wait between attempts is interrupted if ctx is done.
// After the last attempt fails, the returned error wraps ErrUnreadableImage.
func (d *Decoder) DecodeContext(ctx context.Context, path string) (*catalog.Pixels, error) {
	decode := d.Decode
	if decode == nil {
		decode = Decode
	}
	attempts := max(d.Retries, 1)
	backoff := d.Backoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			klog.V(1).Infof("retrying to decode %q (attempt %d of %d) in %s: %v", path, attempt+1, attempts, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		pixels, err := decode(path)
		if err == nil {
			return pixels, nil
		}
		lastErr = err
	}
	if errors.Is(lastErr, ErrUnreadableImage) {
		return nil, errors.WithMessagef(lastErr, "failed after %d attempts", attempts)
	}
	return nil, errors.Wrapf(ErrUnreadableImage, "%q failed after %d attempts: %v", path, attempts, lastErr)
}
