package ncnn

import (
	"errors"
	"fmt"
	"io"

	"github.com/gogpu/waifu2x/internal/compute"
)

// Options select how a network is instantiated.
type Options struct {
	// Precision is the storage precision of weights and activations.
	Precision compute.Precision

	// Input and Output name the blobs bound by Forward.
	Input, Output string
}

type node struct {
	name    string
	typ     string
	l       layer
	bottoms []int
	tops    []int
}

// Net is a network instantiated on one device. It owns its weight tensors
// and the programs its layers dispatch. A Net is immutable after Load and
// safe for concurrent Forward calls on different streams.
type Net struct {
	dev      compute.Device
	nodes    []node
	blobs    map[string]int
	input    int
	output   int
	plan     []int // nodes needed to produce output, in file order
	uses     []int // consumers per blob within plan
	programs map[compute.Kernel]compute.Program
}

// Load instantiates the network described by param and bin on dev.
func Load(dev compute.Device, param, bin io.Reader, opts Options) (*Net, error) {
	g, err := ParseParam(param)
	if err != nil {
		return nil, err
	}

	n := &Net{
		dev:      dev,
		blobs:    make(map[string]int),
		programs: make(map[compute.Kernel]compute.Program),
	}
	b := &builder{
		dev:      dev,
		bin:      newBinReader(bin),
		prec:     opts.Precision,
		programs: n.program,
	}

	blobID := func(name string) int {
		id, ok := n.blobs[name]
		if !ok {
			id = len(n.blobs)
			n.blobs[name] = id
		}
		return id
	}
	producer := make(map[int]int)

	for _, d := range g.Layers {
		factory, ok := layerFactories[d.Type]
		if !ok {
			n.Release()
			return nil, fmt.Errorf("%w: layer type %s (%s)", compute.ErrUnsupported, d.Type, d.Name)
		}
		l, err := factory(b, d)
		if err != nil {
			n.Release()
			return nil, fmt.Errorf("ncnn: layer %s: %w", d.Name, err)
		}

		nd := node{name: d.Name, typ: d.Type, l: l}
		for _, name := range d.Bottoms {
			id, ok := n.blobs[name]
			if !ok {
				n.nodes = append(n.nodes, nd)
				n.Release()
				return nil, fmt.Errorf("%w: layer %s reads undefined blob %s", ErrFormat, d.Name, name)
			}
			nd.bottoms = append(nd.bottoms, id)
		}
		for _, name := range d.Tops {
			id := blobID(name)
			producer[id] = len(n.nodes)
			nd.tops = append(nd.tops, id)
		}
		n.nodes = append(n.nodes, nd)
	}

	var ok bool
	if n.input, ok = n.blobs[opts.Input]; !ok {
		n.Release()
		return nil, fmt.Errorf("%w: no input blob %q", ErrFormat, opts.Input)
	}
	if n.output, ok = n.blobs[opts.Output]; !ok {
		n.Release()
		return nil, fmt.Errorf("%w: no output blob %q", ErrFormat, opts.Output)
	}
	if err := n.schedule(producer); err != nil {
		n.Release()
		return nil, err
	}
	return n, nil
}

// program returns the net's program for k, compiling it on first use.
func (n *Net) program(k compute.Kernel) (compute.Program, error) {
	if p, ok := n.programs[k]; ok {
		return p, nil
	}
	p, err := n.dev.CompileProgram(k)
	if err != nil {
		return nil, fmt.Errorf("ncnn: compile %s: %w", k, err)
	}
	n.programs[k] = p
	return p, nil
}

// schedule selects the nodes the output depends on, stopping at the input
// blob, and counts how often each blob is consumed.
func (n *Net) schedule(producer map[int]int) error {
	needed := make([]bool, len(n.nodes))
	stack := []int{n.output}
	seen := make(map[int]bool)
	for len(stack) > 0 {
		blob := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[blob] || blob == n.input {
			continue
		}
		seen[blob] = true
		idx, ok := producer[blob]
		if !ok {
			return fmt.Errorf("%w: blob %d has no producer", ErrFormat, blob)
		}
		needed[idx] = true
		stack = append(stack, n.nodes[idx].bottoms...)
	}

	n.uses = make([]int, len(n.blobs))
	for i, nd := range n.nodes {
		if !needed[i] {
			continue
		}
		if nd.typ == "Input" {
			continue
		}
		n.plan = append(n.plan, i)
		for _, b := range nd.bottoms {
			n.uses[b]++
		}
	}
	n.uses[n.output]++
	return nil
}

// Layers returns the number of layers Forward runs.
func (n *Net) Layers() int { return len(n.plan) }

// Forward runs the network on in and returns the output blob. The input
// tensor stays owned by the caller; the result is owned by s.
func (n *Net) Forward(s compute.Stream, in *compute.Tensor) (*compute.Tensor, error) {
	if in.Empty() {
		return nil, fmt.Errorf("%w: empty network input", compute.ErrShape)
	}

	values := make([]*compute.Tensor, len(n.blobs))
	remaining := append([]int(nil), n.uses...)
	// refs counts live blobs per tensor so Split aliases are freed once.
	refs := make(map[*compute.Tensor]int)
	values[n.input] = in

	drop := func(blob int) {
		remaining[blob]--
		if remaining[blob] > 0 {
			return
		}
		t := values[blob]
		values[blob] = nil
		if t == nil || t == in {
			return
		}
		refs[t]--
		if refs[t] == 0 {
			delete(refs, t)
			s.Release(t)
		}
	}
	fail := func(err error) (*compute.Tensor, error) {
		for t := range refs {
			s.Release(t)
		}
		return nil, err
	}

	for _, idx := range n.plan {
		nd := &n.nodes[idx]
		bottoms := make([]*compute.Tensor, len(nd.bottoms))
		for i, b := range nd.bottoms {
			if values[b] == nil {
				return fail(fmt.Errorf("%w: layer %s input not computed", ErrFormat, nd.name))
			}
			bottoms[i] = values[b]
		}

		tops, err := nd.l.forward(s, bottoms)
		if err != nil {
			return fail(fmt.Errorf("ncnn: layer %s: %w", nd.name, err))
		}
		if len(tops) != len(nd.tops) {
			return fail(fmt.Errorf("ncnn: layer %s produced %d outputs, want %d", nd.name, len(tops), len(nd.tops)))
		}
		for i, b := range nd.tops {
			values[b] = tops[i]
			if tops[i] != in {
				refs[tops[i]]++
			}
			if remaining[b] == 0 {
				remaining[b] = 1
				drop(b)
			}
		}
		for _, b := range nd.bottoms {
			drop(b)
		}
	}

	out := values[n.output]
	if out == nil {
		return fail(fmt.Errorf("%w: output blob not computed", ErrFormat))
	}
	if out == in {
		return fail(errors.New("ncnn: output blob is the input"))
	}
	return out, nil
}

// Release frees the net's weights and programs. It is safe to call on a
// partially loaded net and more than once.
func (n *Net) Release() {
	for i := range n.nodes {
		if n.nodes[i].l != nil {
			n.nodes[i].l.destroy(n.dev)
			n.nodes[i].l = nil
		}
	}
	for k, p := range n.programs {
		p.Release()
		delete(n.programs, k)
	}
}
