// Package label draws pose keypoints on frames, for the live display and
// for labeled copies of recorded videos.
package label

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/poselive/internal/types"
)

// ramp anchors a blue-green-yellow color scale
var ramp = []color.RGBA{
	{R: 0, G: 32, B: 255, A: 255},
	{R: 0, G: 170, B: 140, A: 255},
	{R: 60, G: 210, B: 40, A: 255},
	{R: 230, G: 230, B: 0, A: 255},
}

// Palette returns n colors spread evenly along the ramp, one per body part.
func Palette(n int) []color.RGBA {
	out := make([]color.RGBA, n)
	for i := range out {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		out[i] = rampAt(t)
	}
	return out
}

func rampAt(t float64) color.RGBA {
	pos := t * float64(len(ramp)-1)
	i := int(pos)
	if i >= len(ramp)-1 {
		return ramp[len(ramp)-1]
	}
	f := pos - float64(i)
	a, b := ramp[i], ramp[i+1]
	mix := func(x, y uint8) uint8 { return uint8(math.Round(float64(x) + f*(float64(y)-float64(x)))) }
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// ToRGBA copies an RGB24 buffer into a new image.
func ToRGBA(rgb []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	px := img.Pix
	for i, j := 0, 0; i+2 < len(rgb) && j+3 < len(px); i, j = i+3, j+4 {
		px[j], px[j+1], px[j+2], px[j+3] = rgb[i], rgb[i+1], rgb[i+2], 0xff
	}
	return img
}

// FromRGBA copies img back into an RGB24 buffer, reusing dst when it is large enough.
func FromRGBA(dst []byte, img *image.RGBA) []byte {
	b := img.Bounds()
	n := b.Dx() * b.Dy() * 3
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			dst[i], dst[i+1], dst[i+2] = row[x*4], row[x*4+1], row[x*4+2]
			i += 3
		}
	}
	return dst
}

// DrawPose draws a filled circle for every keypoint whose likelihood is above
// cutoff. Keypoint i uses colors[i % len(colors)]; circles are clipped to the image.
func DrawPose(img draw.Image, p types.Pose, cutoff float64, radius int, colors []color.RGBA) int {
	if len(colors) == 0 {
		colors = Palette(len(p))
	}
	drawn := 0
	for i, kp := range p {
		if math.IsNaN(kp.X) || math.IsNaN(kp.Y) || !(kp.Likelihood > cutoff) {
			continue
		}
		circle(img, int(kp.X), int(kp.Y), radius, colors[i%len(colors)])
		drawn++
	}
	return drawn
}

func circle(img draw.Image, cx, cy, r int, c color.Color) {
	bounds := img.Bounds()
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > r*r || !(image.Point{X: x, Y: y}).In(bounds) {
				continue
			}
			img.Set(x, y, c)
		}
	}
}

// Resize returns img scaled by factor. A factor of 1 returns img itself.
func Resize(img *image.RGBA, factor float64) *image.RGBA {
	if factor <= 0 || factor == 1 {
		return img
	}
	b := img.Bounds()
	w := int(math.Max(1, math.Round(float64(b.Dx())*factor)))
	h := int(math.Max(1, math.Round(float64(b.Dy())*factor)))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// Caption writes text in the top-left corner.
func Caption(img draw.Image, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(4), Y: fixed.I(14)},
	}
	d.DrawString(text)
}
