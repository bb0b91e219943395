package waifu2x

import (
	"fmt"

	"github.com/gogpu/waifu2x/internal/compute"
)

// Image is a planar RGB float image. Samples are nominally in [0, 1];
// pixel (x, y) of each channel is at index y*Stride+x.
type Image struct {
	R, G, B []float32

	Width, Height int
	Stride        int
}

// NewImage allocates a zeroed w x h image with Stride == w.
func NewImage(w, h int) *Image {
	n := w * h
	buf := make([]float32, 3*n)
	return &Image{
		R:      buf[:n:n],
		G:      buf[n : 2*n : 2*n],
		B:      buf[2*n:],
		Width:  w,
		Height: h,
		Stride: w,
	}
}

// At returns the samples of pixel (x, y).
func (m *Image) At(x, y int) (r, g, b float32) {
	i := y*m.Stride + x
	return m.R[i], m.G[i], m.B[i]
}

// Set stores the samples of pixel (x, y).
func (m *Image) Set(x, y int, r, g, b float32) {
	i := y*m.Stride + x
	m.R[i], m.G[i], m.B[i] = r, g, b
}

// Validate checks that every plane covers Width x Height at Stride.
func (m *Image) Validate() error {
	if m == nil {
		return fmt.Errorf("waifu2x: nil image")
	}
	return m.host().Validate()
}

func (m *Image) host() compute.HostImage {
	return compute.HostImage{
		Planes: [][]float32{m.R, m.G, m.B},
		W:      m.Width,
		H:      m.Height,
		Stride: m.Stride,
	}
}

// copyFrom copies src's pixels, which must have the same size.
func (m *Image) copyFrom(src *Image) {
	dst := m.host().Planes
	for c, sp := range src.host().Planes {
		dp := dst[c]
		for y := range src.Height {
			copy(dp[y*m.Stride:y*m.Stride+m.Width], sp[y*src.Stride:y*src.Stride+src.Width])
		}
	}
}
