// Package ncnn reads networks stored in the ncnn .param/.bin format and
// runs them on a compute device.
//
// Only the layer types used by the waifu2x model sets are implemented:
// Input, Convolution, Deconvolution, ReLU, Sigmoid, Split, Crop, Eltwise,
// BinaryOp and Pooling. Any other type fails the load.
package ncnn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// paramMagic is the first line of every text .param file.
const paramMagic = 7767517

// arrayKeyBase marks array-valued params: key -23300-id holds array id.
const arrayKeyBase = -23300

// Special values some params use instead of a size.
const (
	autoValue = -233
)

// ErrFormat is returned for malformed .param or .bin data.
var ErrFormat = errors.New("ncnn: malformed model")

// LayerDecl is one line of a .param file.
type LayerDecl struct {
	Type    string
	Name    string
	Bottoms []string
	Tops    []string
	Params  ParamDict
}

// Graph is a parsed .param file.
type Graph struct {
	Layers []LayerDecl
	Blobs  int
}

// ParamDict holds the k=v pairs of one layer.
type ParamDict struct {
	scalars map[int]string
	arrays  map[int][]string
}

// Has reports whether id was set.
func (d ParamDict) Has(id int) bool {
	_, ok := d.scalars[id]
	return ok
}

// Int returns param id as an integer, or def when unset.
func (d ParamDict) Int(id, def int) (int, error) {
	s, ok := d.scalars[id]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: param %d=%q is not an integer", ErrFormat, id, s)
	}
	return v, nil
}

// Float returns param id as a float, or def when unset.
func (d ParamDict) Float(id int, def float32) (float32, error) {
	s, ok := d.scalars[id]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: param %d=%q is not a number", ErrFormat, id, s)
	}
	return float32(v), nil
}

// Ints returns array param id, or nil when unset.
func (d ParamDict) Ints(id int) ([]int, error) {
	raw := d.arrays[id]
	out := make([]int, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: array %d element %q is not an integer", ErrFormat, id, s)
		}
		out = append(out, v)
	}
	return out, nil
}

// Floats returns array param id, or nil when unset.
func (d ParamDict) Floats(id int) ([]float32, error) {
	raw := d.arrays[id]
	out := make([]float32, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: array %d element %q is not a number", ErrFormat, id, s)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func parseParams(fields []string) (ParamDict, error) {
	d := ParamDict{scalars: make(map[int]string), arrays: make(map[int][]string)}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return d, fmt.Errorf("%w: param %q", ErrFormat, f)
		}
		id, err := strconv.Atoi(k)
		if err != nil {
			return d, fmt.Errorf("%w: param key %q", ErrFormat, k)
		}
		if id > arrayKeyBase {
			d.scalars[id] = v
			continue
		}

		items := strings.Split(v, ",")
		n, err := strconv.Atoi(items[0])
		if err != nil || n != len(items)-1 {
			return d, fmt.Errorf("%w: array param %q", ErrFormat, f)
		}
		d.arrays[arrayKeyBase-id] = items[1:]
	}
	return d, nil
}

// ParseParam reads a text .param file.
func ParseParam(r io.Reader) (*Graph, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	next := func() ([]string, bool) {
		for sc.Scan() {
			if fields := strings.Fields(sc.Text()); len(fields) > 0 {
				return fields, true
			}
		}
		return nil, false
	}

	head, ok := next()
	if !ok || len(head) != 1 || head[0] != strconv.Itoa(paramMagic) {
		return nil, fmt.Errorf("%w: missing magic %d", ErrFormat, paramMagic)
	}
	counts, ok := next()
	if !ok || len(counts) != 2 {
		return nil, fmt.Errorf("%w: missing layer and blob counts", ErrFormat)
	}
	layers, err1 := strconv.Atoi(counts[0])
	blobs, err2 := strconv.Atoi(counts[1])
	if err1 != nil || err2 != nil || layers <= 0 || blobs <= 0 {
		return nil, fmt.Errorf("%w: counts %q", ErrFormat, counts)
	}

	// Counts are untrusted; the slice grows with the lines actually present.
	g := &Graph{Blobs: blobs}
	for i := 0; i < layers; i++ {
		fields, ok := next()
		if !ok {
			return nil, fmt.Errorf("%w: %d of %d layers present", ErrFormat, i, layers)
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: layer line %q", ErrFormat, strings.Join(fields, " "))
		}
		nin, err1 := strconv.Atoi(fields[2])
		nout, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || nin < 0 || nout < 0 || nin > len(fields) || nout > len(fields) ||
			len(fields) < 4+nin+nout {
			return nil, fmt.Errorf("%w: layer %s blob counts", ErrFormat, fields[1])
		}

		params, err := parseParams(fields[4+nin+nout:])
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", fields[1], err)
		}
		g.Layers = append(g.Layers, LayerDecl{
			Type:    fields[0],
			Name:    fields[1],
			Bottoms: fields[4 : 4+nin],
			Tops:    fields[4+nin : 4+nin+nout],
			Params:  params,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ncnn: read param: %w", err)
	}
	return g, nil
}
