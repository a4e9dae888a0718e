package device

import (
	"context"
	"fmt"
	"time"
)

// Transform crops and rotates the frames of an underlying device.
type Transform struct {
	dev Device

	srcW, srcH int
	crop       [4]int // left, right, top, bottom
	rotate     int

	cropped []byte
	out     []byte
}

// NewTransform wraps dev. crop is [left, right, top, bottom] or empty;
// rotate is 0, 90, 180 or 270 degrees clockwise.
func NewTransform(dev Device, crop []int, rotate int) (*Transform, error) {
	w, h := dev.Size()
	t := &Transform{dev: dev, srcW: w, srcH: h, rotate: rotate}

	switch len(crop) {
	case 0:
		t.crop = [4]int{0, w, 0, h}
	case 4:
		copy(t.crop[:], crop)
		l, r, top, b := t.crop[0], t.crop[1], t.crop[2], t.crop[3]
		if l < 0 || top < 0 || r > w || b > h || l >= r || top >= b {
			return nil, fmt.Errorf("crop %v out of bounds for %dx%d", crop, w, h)
		}
	default:
		return nil, fmt.Errorf("crop must have 4 values, got %d", len(crop))
	}

	switch rotate {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("unsupported rotation %d", rotate)
	}

	return t, nil
}

func (t *Transform) Open(ctx context.Context) error { return t.dev.Open(ctx) }
func (t *Transform) Close() error                   { return t.dev.Close() }
func (t *Transform) FPS() float64                   { return t.dev.FPS() }

// Size returns the dimensions after crop and rotation.
func (t *Transform) Size() (int, int) {
	w := t.crop[1] - t.crop[0]
	h := t.crop[3] - t.crop[2]
	if t.rotate == 90 || t.rotate == 270 {
		return h, w
	}
	return w, h
}

func (t *Transform) ImageOnTime(ctx context.Context) ([]byte, time.Time, error) {
	img, ts, err := t.dev.ImageOnTime(ctx)
	if err != nil {
		return nil, ts, err
	}
	if len(img) != t.srcW*t.srcH*3 {
		return nil, ts, fmt.Errorf("device returned %d bytes, want %d", len(img), t.srcW*t.srcH*3)
	}

	cw := t.crop[1] - t.crop[0]
	ch := t.crop[3] - t.crop[2]

	src := img
	if cw != t.srcW || ch != t.srcH {
		t.cropped = Crop(t.cropped, img, t.srcW, t.crop)
		src = t.cropped
	}

	if t.rotate == 0 {
		return src, ts, nil
	}
	t.out = Rotate(t.out, src, cw, ch, t.rotate)
	return t.out, ts, nil
}

// Crop copies the [left, right) x [top, bottom) region of an RGB24 image of
// width w into dst, growing dst if needed.
func Crop(dst, src []byte, w int, crop [4]int) []byte {
	left, right, top, bottom := crop[0], crop[1], crop[2], crop[3]
	rowBytes := (right - left) * 3
	dst = grow(dst, rowBytes*(bottom-top))
	for y := top; y < bottom; y++ {
		start := (y*w + left) * 3
		copy(dst[(y-top)*rowBytes:], src[start:start+rowBytes])
	}
	return dst
}

// Rotate rotates a w x h RGB24 image clockwise by deg into dst.
func Rotate(dst, src []byte, w, h, deg int) []byte {
	dst = grow(dst, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var nx, ny, nw int
			switch deg {
			case 90:
				nx, ny, nw = h-1-y, x, h
			case 180:
				nx, ny, nw = w-1-x, h-1-y, w
			case 270:
				nx, ny, nw = y, w-1-x, h
			default:
				nx, ny, nw = x, y, w
			}
			si := (y*w + x) * 3
			di := (ny*nw + nx) * 3
			dst[di], dst[di+1], dst[di+2] = src[si], src[si+1], src[si+2]
		}
	}
	return dst
}

// GrayToRGB expands an 8-bit grayscale image into RGB24.
func GrayToRGB(dst, gray []byte) []byte {
	dst = grow(dst, len(gray)*3)
	for i, v := range gray {
		dst[i*3], dst[i*3+1], dst[i*3+2] = v, v, v
	}
	return dst
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
