package waifu2x

import "testing"

func TestNewImage(t *testing.T) {
	m := NewImage(5, 3)
	if m.Width != 5 || m.Height != 3 || m.Stride != 5 {
		t.Fatalf("NewImage(5, 3) = %dx%d stride %d", m.Width, m.Height, m.Stride)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	m.Set(4, 2, 0.1, 0.2, 0.3)
	r, g, b := m.At(4, 2)
	if r != 0.1 || g != 0.2 || b != 0.3 {
		t.Errorf("At(4, 2) = %v %v %v", r, g, b)
	}
	// Planes must not alias.
	if m.R[len(m.R)-1] != 0.1 || m.G[len(m.G)-1] != 0.2 {
		t.Error("planes overlap")
	}
	m.R = append(m.R, 9)
	if m.G[0] == 9 {
		t.Error("appending to R overwrote G")
	}
}

func TestImageValidate(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
	}{
		{"nil", nil},
		{"empty", &Image{}},
		{"stride", &Image{R: make([]float32, 4), G: make([]float32, 4), B: make([]float32, 4), Width: 2, Height: 2, Stride: 1}},
		{"short plane", &Image{R: make([]float32, 4), G: make([]float32, 3), B: make([]float32, 4), Width: 2, Height: 2, Stride: 2}},
	}
	for _, tt := range tests {
		if err := tt.img.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}

	// The last row only needs Width elements.
	ok := &Image{R: make([]float32, 5), G: make([]float32, 5), B: make([]float32, 5), Width: 2, Height: 2, Stride: 3}
	if err := ok.Validate(); err != nil {
		t.Errorf("strided image: Validate() = %v", err)
	}
}
