// Package ncnntest writes small ncnn models for tests.
package ncnntest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/x448/float16"
)

// Model accumulates layers and weights of a model under construction.
type Model struct {
	lines   []string
	blobs   map[string]bool
	weights bytes.Buffer
}

// New returns an empty model.
func New() *Model {
	return &Model{blobs: make(map[string]bool)}
}

// Layer appends a layer line. params is the raw "k=v ..." tail.
func (m *Model) Layer(typ, name string, bottoms, tops []string, params string) *Model {
	fields := []string{typ, name, fmt.Sprint(len(bottoms)), fmt.Sprint(len(tops))}
	fields = append(fields, bottoms...)
	fields = append(fields, tops...)
	if params != "" {
		fields = append(fields, params)
	}
	m.lines = append(m.lines, strings.Join(fields, " "))
	for _, t := range tops {
		m.blobs[t] = true
	}
	return m
}

// Float32 appends a tagged fp32 weight array.
func (m *Model) Float32(vals []float32) *Model {
	_ = binary.Write(&m.weights, binary.LittleEndian, uint32(0))
	return m.Raw(vals)
}

// Float16 appends a tagged half-precision weight array.
func (m *Model) Float16(vals []float32) *Model {
	_ = binary.Write(&m.weights, binary.LittleEndian, uint32(0x01306B47))
	for _, v := range vals {
		_ = binary.Write(&m.weights, binary.LittleEndian, float16.Fromfloat32(v).Bits())
	}
	if len(vals)%2 == 1 {
		m.weights.Write([]byte{0, 0})
	}
	return m
}

// Raw appends untagged fp32 values, the encoding of bias arrays.
func (m *Model) Raw(vals []float32) *Model {
	for _, v := range vals {
		_ = binary.Write(&m.weights, binary.LittleEndian, math.Float32bits(v))
	}
	return m
}

// Param returns the .param text.
func (m *Model) Param() []byte {
	var b bytes.Buffer
	fmt.Fprintln(&b, 7767517)
	fmt.Fprintln(&b, len(m.lines), len(m.blobs))
	for _, l := range m.lines {
		fmt.Fprintln(&b, l)
	}
	return b.Bytes()
}

// Bin returns the .bin bytes.
func (m *Model) Bin() []byte { return bytes.Clone(m.weights.Bytes()) }

// WriteFiles writes base.param and base.bin into dir.
func (m *Model) WriteFiles(dir, base string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, base+".param"), m.Param(), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, base+".bin"), m.Bin(), 0o644)
}

// Values returns n deterministic weights in [-0.5, 0.5).
func Values(n int, seed uint32) []float32 {
	out := make([]float32, n)
	x := seed*2654435761 + 1
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = float32(x%1000)/1000 - 0.5
	}
	return out
}

// Upscaler returns a small network with the waifu2x blob names ("Input1"
// in, "Eltwise4" out) whose output is (in - 2*prepadding) * scale. Its
// receptive field is 5x5, so tiles with prepadding >= 2 reproduce the
// untiled result exactly. The tail exercises Split, both Crop forms and
// Eltwise.
func Upscaler(prepadding, scale int) *Model {
	m := New()
	m.Layer("Input", "Input1", nil, []string{"Input1"}, "0=0 1=0 2=3")
	m.Layer("Convolution", "conv1", []string{"Input1"}, []string{"conv1"},
		"0=4 1=3 5=1 6=108 9=2 -23310=1,1.000000e-01")
	m.Float32(Values(108, 1)).Raw(Values(4, 2))

	last := "conv2"
	m.Layer("Convolution", "conv2", []string{"conv1"}, []string{"conv2"}, "0=3 1=3 5=0 6=108")
	m.Float32(Values(108, 3))

	// Two 3x3 valid convolutions shrink each side by 2.
	margin := prepadding - 2
	if scale == 2 {
		m.Layer("Deconvolution", "up", []string{"conv2"}, []string{"up"}, "0=3 1=2 3=2 5=1 6=36")
		m.Float32(Values(36, 4)).Raw(Values(3, 5))
		last = "up"
		margin *= 2
	}

	m.Layer("Split", "split", []string{last}, []string{"a", "b"}, "")
	m.Layer("Crop", "crop_off", []string{"a"}, []string{"ca"},
		fmt.Sprintf("0=%d 1=%d 6=%d 7=%d", margin, margin, margin, margin))
	m.Layer("Crop", "crop_se", []string{"b"}, []string{"cb"},
		fmt.Sprintf("-23309=2,%d,%d -23310=2,%d,%d -23311=2,1,2", margin, margin, -margin, -margin))
	m.Layer("Eltwise", "Eltwise4", []string{"ca", "cb"}, []string{"Eltwise4"}, "0=1 -23301=2,5.000000e-01,5.000000e-01")
	return m
}
