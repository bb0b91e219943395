package tile

import (
	"errors"
	"testing"
)

func TestPlanRejectsBadParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero width", Params{Width: 0, Height: 10, TileW: 32, TileH: 32, Scale: 2}},
		{"small tile", Params{Width: 10, Height: 10, TileW: 31, TileH: 32, Scale: 2}},
		{"scale 3", Params{Width: 10, Height: 10, TileW: 32, TileH: 32, Scale: 3}},
		{"negative padding", Params{Width: 10, Height: 10, TileW: 32, TileH: 32, Scale: 1, Prepadding: -1}},
	}
	for _, tt := range tests {
		if _, err := Plan(tt.p); !errors.Is(err, ErrParams) {
			t.Errorf("%s: Plan() error = %v, want ErrParams", tt.name, err)
		}
	}
}

// TestPlanCoverage checks that output windows tile the image exactly.
func TestPlanCoverage(t *testing.T) {
	sizes := []int{1, 2, 3, 31, 32, 33, 63, 64, 65, 100, 129}
	tileSizes := []int{32, 33, 48, 64, 100}
	for _, w := range sizes {
		for _, h := range []int{1, 17, 64, 97} {
			for _, ts := range tileSizes {
				g, err := Plan(Params{Width: w, Height: h, TileW: ts, TileH: 32, Scale: 2, Prepadding: 7})
				if err != nil {
					t.Fatal(err)
				}
				covered := make([]int, w*h)
				for _, tl := range g.Tiles() {
					for y := tl.Output.Min.Y; y < tl.Output.Max.Y; y++ {
						for x := tl.Output.Min.X; x < tl.Output.Max.X; x++ {
							covered[y*w+x]++
						}
					}
				}
				for i, n := range covered {
					if n != 1 {
						t.Fatalf("%dx%d tile %d: pixel %d covered %d times", w, h, ts, i, n)
					}
				}
			}
		}
	}
}

func TestPlanAlignment(t *testing.T) {
	for _, scale := range []int{1, 2} {
		a := 4
		if scale == 2 {
			a = 2
		}
		for _, w := range []int{1, 5, 33, 37, 70, 101} {
			g, err := Plan(Params{Width: w, Height: w, TileW: 32, TileH: 32, Scale: scale, Prepadding: 18})
			if err != nil {
				t.Fatal(err)
			}
			for _, tl := range g.Tiles() {
				ew := tl.Output.Dx() + tl.Pad.Right - tl.Pad.Left
				eh := tl.Output.Dy() + tl.Pad.Bottom - tl.Pad.Top
				if ew%a != 0 || eh%a != 0 {
					t.Errorf("scale %d, %dx%d tile (%d,%d): aligned extent %dx%d not a multiple of %d",
						scale, w, w, tl.Col, tl.Row, ew, eh, a)
				}
				if got, want := tl.Input.Dx(), tl.Output.Dx()+tl.Pad.Left+tl.Pad.Right; got != want {
					t.Errorf("Input.Dx() = %d, want %d", got, want)
				}
			}
		}
	}
}

func TestPlanSourceClamped(t *testing.T) {
	g, err := Plan(Params{Width: 50, Height: 40, TileW: 32, TileH: 32, Scale: 2, Prepadding: 7})
	if err != nil {
		t.Fatal(err)
	}
	for _, tl := range g.Tiles() {
		if tl.Source.Min.X < 0 || tl.Source.Min.Y < 0 || tl.Source.Max.X > 50 || tl.Source.Max.Y > 40 {
			t.Errorf("tile (%d,%d) source %v outside image", tl.Col, tl.Row, tl.Source)
		}
		if !tl.Output.In(tl.Source) {
			t.Errorf("tile (%d,%d) output %v not inside source %v", tl.Col, tl.Row, tl.Output, tl.Source)
		}
	}
	first := g.At(0, 0)
	if first.Input.Min.X != -7 || first.Input.Min.Y != -7 {
		t.Errorf("first tile input origin = %v, want (-7,-7)", first.Input.Min)
	}
}

// TestPlanScenario covers a 64x64 frame cut into 32x32 tiles with the
// 18-pixel prepadding of the CUNet family at scale 2.
func TestPlanScenario(t *testing.T) {
	g, err := Plan(Params{Width: 64, Height: 64, TileW: 32, TileH: 32, Scale: 2, Prepadding: 18})
	if err != nil {
		t.Fatal(err)
	}
	if g.Cols != 2 || g.Rows != 2 || g.Len() != 4 {
		t.Fatalf("grid = %dx%d (%d tiles), want 2x2", g.Cols, g.Rows, g.Len())
	}
	for _, tl := range g.Tiles() {
		if tl.Input.Dx() < 68 || tl.Input.Dy() < 68 {
			t.Errorf("tile (%d,%d) input %dx%d, want at least 68x68", tl.Col, tl.Row, tl.Input.Dx(), tl.Input.Dy())
		}
		s := tl.Scaled(2)
		if s.Dx() != 64 || s.Dy() != 64 {
			t.Errorf("tile (%d,%d) scaled %v, want 64x64", tl.Col, tl.Row, s)
		}
	}
	if got := g.At(1, 1).Scaled(2).Max; got.X != 128 || got.Y != 128 {
		t.Errorf("last tile scaled max = %v, want (128,128)", got)
	}
}

func TestAuto(t *testing.T) {
	if Auto(10) != MinSize {
		t.Errorf("Auto(10) = %d, want %d", Auto(10), MinSize)
	}
	if Auto(500) != 500 {
		t.Errorf("Auto(500) = %d, want 500", Auto(500))
	}
}

func BenchmarkPlan(b *testing.B) {
	p := Params{Width: 3840, Height: 2160, TileW: 200, TileH: 200, Scale: 2, Prepadding: 18}
	for b.Loop() {
		if _, err := Plan(p); err != nil {
			b.Fatal(err)
		}
	}
}
