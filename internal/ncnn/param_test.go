package ncnn

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/waifu2x/internal/ncnn/ncnntest"
)

func TestParseParam(t *testing.T) {
	src := `7767517
3 3
Input            Input1   0 1 Input1
Convolution      conv1    1 1 Input1 c1 0=32 1=3 5=1 6=864 9=2 -23310=1,0.1
Crop             crop     1 1 c1 out -23309=2,4,4 -23310=2,-4,-4 -23311=2,1,2
`
	g, err := ParseParam(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Layers) != 3 || g.Blobs != 3 {
		t.Fatalf("layers = %d, blobs = %d, want 3, 3", len(g.Layers), g.Blobs)
	}

	conv := g.Layers[1]
	if conv.Type != "Convolution" || conv.Name != "conv1" {
		t.Errorf("layer 1 = %s %s", conv.Type, conv.Name)
	}
	if len(conv.Bottoms) != 1 || conv.Bottoms[0] != "Input1" || conv.Tops[0] != "c1" {
		t.Errorf("conv blobs = %v -> %v", conv.Bottoms, conv.Tops)
	}
	if v, _ := conv.Params.Int(0, 0); v != 32 {
		t.Errorf("num_output = %d, want 32", v)
	}
	if v, _ := conv.Params.Int(11, 7); v != 7 {
		t.Errorf("unset kernel_h = %d, want default 7", v)
	}
	slopes, err := conv.Params.Floats(10)
	if err != nil || len(slopes) != 1 || slopes[0] != 0.1 {
		t.Errorf("activation params = %v, %v", slopes, err)
	}

	ends, _ := g.Layers[2].Params.Ints(10)
	if len(ends) != 2 || ends[0] != -4 {
		t.Errorf("ends = %v", ends)
	}
}

func TestParseParamErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no magic", "123\n1 1\nInput in 0 1 in\n"},
		{"missing layers", "7767517\n2 2\nInput in 0 1 in\n"},
		{"short line", "7767517\n1 1\nInput in\n"},
		{"bad array", "7767517\n1 1\nInput in 0 1 in -23300=3,1,2\n"},
		{"bad key", "7767517\n1 1\nInput in 0 1 in x=1\n"},
		{"huge layer count", "7767517\n999999999999999 1\n"},
		{"huge bottom count", "7767517\n1 1\nConvolution c 9223372036854775807 1 in out\n"},
	}
	for _, tt := range tests {
		if _, err := ParseParam(strings.NewReader(tt.src)); !errors.Is(err, ErrFormat) {
			t.Errorf("%s: error = %v, want ErrFormat", tt.name, err)
		}
	}
}

func TestParamDictBadValue(t *testing.T) {
	d, err := parseParams([]string{"0=abc", "1=2.5"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Int(0, 0); !errors.Is(err, ErrFormat) {
		t.Errorf("Int(0) error = %v, want ErrFormat", err)
	}
	if v, err := d.Float(1, 0); err != nil || v != 2.5 {
		t.Errorf("Float(1) = %v, %v", v, err)
	}
	if !d.Has(1) || d.Has(2) {
		t.Error("Has() mismatch")
	}
}

func TestBinReader(t *testing.T) {
	m := ncnntest.New().
		Float32([]float32{1, 2}).
		Float16([]float32{0.5, -3, 7}).
		Raw([]float32{9})
	r := newBinReader(bytes.NewReader(m.Bin()))

	f32, err := r.tagged(2)
	if err != nil || f32[0] != 1 || f32[1] != 2 {
		t.Fatalf("fp32 = %v, %v", f32, err)
	}
	f16, err := r.tagged(3)
	if err != nil || f16[0] != 0.5 || f16[1] != -3 || f16[2] != 7 {
		t.Fatalf("fp16 = %v, %v", f16, err)
	}
	raw, err := r.raw(1)
	if err != nil || raw[0] != 9 {
		t.Fatalf("raw = %v, %v", raw, err)
	}
	if _, err := r.raw(1); !errors.Is(err, ErrFormat) {
		t.Errorf("read past end = %v, want ErrFormat", err)
	}
}

func TestBinReaderUnknownTag(t *testing.T) {
	r := newBinReader(bytes.NewReader([]byte{1, 2, 3, 4, 0, 0, 0, 0}))
	if _, err := r.tagged(1); !errors.Is(err, ErrFormat) {
		t.Errorf("tagged() = %v, want ErrFormat", err)
	}
}

func TestBinReaderRejectsOversizedArrays(t *testing.T) {
	small := []byte{0, 0, 0, 0, 1, 0, 0, 0}
	tests := []struct {
		name string
		r    io.Reader
		read func(*binReader) error
	}{
		{"negative", bytes.NewReader(small), func(b *binReader) error { _, err := b.raw(-1); return err }},
		{"past file size", bytes.NewReader(small), func(b *binReader) error { _, err := b.raw(1 << 20); return err }},
		{"tagged past file size", bytes.NewReader(small), func(b *binReader) error { _, err := b.tagged(1 << 30); return err }},
		{"fp16 past file size", bytes.NewReader([]byte{0x47, 0x6B, 0x30, 0x01, 0, 0}),
			func(b *binReader) error { _, err := b.tagged(1 << 20); return err }},
		{"unknown size", io.MultiReader(bytes.NewReader(small)),
			func(b *binReader) error { _, err := b.raw(maxWeights + 1); return err }},
	}
	for _, tt := range tests {
		if err := tt.read(newBinReader(tt.r)); !errors.Is(err, ErrFormat) {
			t.Errorf("%s: error = %v, want ErrFormat", tt.name, err)
		}
	}
}

func TestReaderSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.bin")
	if err := os.WriteFile(path, make([]byte, 12), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Seek(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		r    io.Reader
		want int64
	}{
		{"bytes", bytes.NewReader(make([]byte, 5)), 5},
		{"file after seek", f, 8},
		{"stream", io.MultiReader(strings.NewReader("abc")), -1},
	}
	for _, tt := range tests {
		if got := readerSize(tt.r); got != tt.want {
			t.Errorf("%s: readerSize = %d, want %d", tt.name, got, tt.want)
		}
	}
}
