// Package tile plans the tile grid of one frame.
//
// A frame of W x H pixels is cut into output windows of at most TileW x TileH.
// Every output window is grown by the model's prepadding on each side so
// the network sees the same receptive field at a tile edge as it would in
// the untiled image, and the right/bottom padding is grown further so the
// unpadded extent suits the network's stride:
//
//	scale 1: a multiple of 4
//	scale 2: a multiple of 2
//
// The padded (input) window may extend past the image; the preprocess
// stage fills those pixels by edge replication.
package tile

import (
	"errors"
	"fmt"
	"image"
)

// MinSize is the smallest accepted tile extent.
const MinSize = 32

// ErrParams is returned by Plan for parameters outside their domain.
var ErrParams = errors.New("tile: invalid parameters")

// Params describe one frame.
type Params struct {
	Width, Height int
	TileW, TileH  int
	Scale         int
	Prepadding    int
}

func (p Params) validate() error {
	switch {
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("%w: image %dx%d", ErrParams, p.Width, p.Height)
	case p.TileW < MinSize || p.TileH < MinSize:
		return fmt.Errorf("%w: tile %dx%d below %d", ErrParams, p.TileW, p.TileH, MinSize)
	case p.Scale != 1 && p.Scale != 2:
		return fmt.Errorf("%w: scale %d", ErrParams, p.Scale)
	case p.Prepadding < 0:
		return fmt.Errorf("%w: prepadding %d", ErrParams, p.Prepadding)
	}
	return nil
}

// Padding is the per-edge margin between a tile's output and input windows.
type Padding struct {
	Left, Top, Right, Bottom int
}

// Tile is one cell of the grid.
type Tile struct {
	// Col and Row index the tile in the grid.
	Col, Row int

	// Output is the unpadded window this tile is responsible for.
	Output image.Rectangle

	// Input is Output grown by Pad. It is not clamped and defines the
	// extent of the tile tensor.
	Input image.Rectangle

	// Source is Input clamped to the image: the pixels actually read.
	Source image.Rectangle

	Pad Padding
}

// Scaled returns where the tile's output lands in the s-times larger image.
func (t Tile) Scaled(s int) image.Rectangle {
	return image.Rect(t.Output.Min.X*s, t.Output.Min.Y*s, t.Output.Max.X*s, t.Output.Max.Y*s)
}

// Grid is the tile plan of one frame.
type Grid struct {
	Params
	Cols, Rows int
	tiles      []Tile
}

// Len returns the number of tiles.
func (g *Grid) Len() int { return len(g.tiles) }

// Tiles returns the tiles in row-major order.
func (g *Grid) Tiles() []Tile { return g.tiles }

// At returns the tile at column col and row row.
func (g *Grid) At(col, row int) Tile { return g.tiles[row*g.Cols+col] }

// alignment is the multiple the unpadded tile extent is rounded up to.
func alignment(scale int) int {
	if scale == 1 {
		return 4
	}
	return 2
}

// extra returns the padding that rounds n up to a multiple of a.
func extra(n, a int) int {
	return (n+a-1)/a*a - n
}

// Plan computes the tile grid for p.
func Plan(p Params) (*Grid, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	g := &Grid{
		Params: p,
		Cols:   (p.Width + p.TileW - 1) / p.TileW,
		Rows:   (p.Height + p.TileH - 1) / p.TileH,
	}
	g.tiles = make([]Tile, 0, g.Cols*g.Rows)

	bounds := image.Rect(0, 0, p.Width, p.Height)
	a := alignment(p.Scale)
	for row := range g.Rows {
		y0 := row * p.TileH
		y1 := min(y0+p.TileH, p.Height)
		for col := range g.Cols {
			x0 := col * p.TileW
			x1 := min(x0+p.TileW, p.Width)

			pad := Padding{
				Left:   p.Prepadding,
				Top:    p.Prepadding,
				Right:  p.Prepadding + extra(x1-x0, a),
				Bottom: p.Prepadding + extra(y1-y0, a),
			}
			in := image.Rect(x0-pad.Left, y0-pad.Top, x1+pad.Right, y1+pad.Bottom)
			g.tiles = append(g.tiles, Tile{
				Col:    col,
				Row:    row,
				Output: image.Rect(x0, y0, x1, y1),
				Input:  in,
				Source: in.Intersect(bounds),
				Pad:    pad,
			})
		}
	}
	return g, nil
}

// Auto returns the tile extent used when none is configured: the whole
// image, but never below MinSize.
func Auto(n int) int {
	return max(n, MinSize)
}
