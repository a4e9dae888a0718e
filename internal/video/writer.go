// Package video writes and reads the MJPEG AVI files produced by a recording.
package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"

	"github.com/icza/mjpeg"
)

// DefaultQuality is the JPEG quality used for recorded frames.
const DefaultQuality = 90

// Writer encodes RGB24 frames into an MJPEG AVI file.
type Writer struct {
	aw      mjpeg.AviWriter
	path    string
	width   int
	height  int
	quality int

	img    *image.RGBA
	buf    bytes.Buffer
	frames int
}

// Create opens a new AVI file at path. fps is rounded to the nearest whole
// rate the container can declare.
func Create(path string, width, height int, fps float64, quality int) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	rate := int32(math.Round(fps))
	if rate < 1 {
		rate = 1
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	aw, err := mjpeg.New(path, int32(width), int32(height), rate)
	if err != nil {
		return nil, fmt.Errorf("failed to create video %s: %w", path, err)
	}
	return &Writer{
		aw:      aw,
		path:    path,
		width:   width,
		height:  height,
		quality: quality,
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// WriteFrame encodes one RGB24 frame and appends it to the file.
func (w *Writer) WriteFrame(rgb []byte) error {
	if len(rgb) != w.width*w.height*3 {
		return fmt.Errorf("frame has %d bytes, want %d", len(rgb), w.width*w.height*3)
	}

	w.buf.Reset()
	if err := EncodeJPEG(&w.buf, w.img, rgb, w.quality); err != nil {
		return err
	}
	if err := w.aw.AddFrame(w.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to add frame %d: %w", w.frames, err)
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int { return w.frames }

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// Close finalizes the AVI headers and index.
func (w *Writer) Close() error {
	if err := w.aw.Close(); err != nil {
		return fmt.Errorf("failed to finalize video %s: %w", w.path, err)
	}
	return nil
}

// Discard closes the writer and removes the file.
func (w *Writer) Discard() error {
	closeErr := w.aw.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove video %s: %w", w.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close discarded video: %w", closeErr)
	}
	return nil
}

// EncodeJPEG copies an RGB24 buffer into img and JPEG-encodes it to buf.
// img must have the frame's dimensions.
func EncodeJPEG(buf *bytes.Buffer, img *image.RGBA, rgb []byte, quality int) error {
	px := img.Pix
	for i, j := 0, 0; i+2 < len(rgb); i, j = i+3, j+4 {
		px[j], px[j+1], px[j+2], px[j+3] = rgb[i], rgb[i+1], rgb[i+2], 0xff
	}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return nil
}

// DecodeJPEG decodes a JPEG image into an RGB24 buffer, reusing dst when it
// is large enough.
func DecodeJPEG(dst []byte, data []byte) ([]byte, int, int, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode jpeg: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if cap(dst) < w*h*3 {
		dst = make([]byte, w*h*3)
	}
	dst = dst[:w*h*3]

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			dst[i], dst[i+1], dst[i+2] = byte(r>>8), byte(g>>8), byte(bl>>8)
			i += 3
		}
	}
	return dst, w, h, nil
}
