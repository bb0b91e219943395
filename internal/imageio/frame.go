package imageio

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/gogpu/waifu2x"
)

// Frame is a decoded image split into the planar RGB the pipeline
// upscales and an optional alpha plane kept aside.
type Frame struct {
	RGB *waifu2x.Image

	// Alpha is nil for opaque images.
	Alpha *image.Alpha

	// Format is the decoder name ("png", "jpeg", ...), empty when the frame
	// was not decoded from a file.
	Format string
}

// FromImage converts img to a Frame. Color samples are un-premultiplied
// and scaled to [0, 1].
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rgb := waifu2x.NewImage(w, h)
	alpha := image.NewAlpha(image.Rect(0, 0, w, h))
	opaque := true

	// Fast path for NRGBA images
	if n, ok := img.(*image.NRGBA); ok {
		for y := range h {
			row := n.Pix[(y+b.Min.Y-n.Rect.Min.Y)*n.Stride+(b.Min.X-n.Rect.Min.X)*4:]
			for x := range w {
				p := row[x*4 : x*4+4]
				rgb.Set(x, y, float32(p[0])/255, float32(p[1])/255, float32(p[2])/255)
				alpha.Pix[y*alpha.Stride+x] = p[3]
				opaque = opaque && p[3] == 0xff
			}
		}
	} else {
		for y := range h {
			for x := range w {
				c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
				rgb.Set(x, y, float32(c.R)/0xffff, float32(c.G)/0xffff, float32(c.B)/0xffff)
				a := uint8(c.A >> 8)
				alpha.Pix[y*alpha.Stride+x] = a
				opaque = opaque && a == 0xff
			}
		}
	}

	fr := &Frame{RGB: rgb}
	if !opaque {
		fr.Alpha = alpha
	}
	return fr
}

func to8(v float32) uint8 {
	return uint8(math.Round(float64(max(0, min(v, 1))) * 255))
}

// Image returns the frame as an 8-bit NRGBA image. An alpha plane of a
// different size than RGB, as left by upscaling, is resized to match.
func (f *Frame) Image() *image.NRGBA {
	w, h := f.RGB.Width, f.RGB.Height
	rect := image.Rect(0, 0, w, h)
	out := image.NewNRGBA(rect)

	var alpha *image.Alpha
	if f.Alpha != nil {
		alpha = f.Alpha
		if f.Alpha.Bounds().Size() != rect.Size() {
			alpha = image.NewAlpha(rect)
			draw.CatmullRom.Scale(alpha, rect, f.Alpha, f.Alpha.Bounds(), draw.Src, nil)
		}
	}

	for y := range h {
		row := out.Pix[y*out.Stride:]
		for x := range w {
			r, g, b := f.RGB.At(x, y)
			p := row[x*4 : x*4+4]
			p[0], p[1], p[2], p[3] = to8(r), to8(g), to8(b), 0xff
			if alpha != nil {
				p[3] = alpha.Pix[y*alpha.Stride+x]
			}
		}
	}
	return out
}
