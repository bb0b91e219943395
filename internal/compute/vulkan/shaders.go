// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"fmt"
	"strings"

	"github.com/gogpu/waifu2x/internal/compute"
)

// workgroupSize is the x and y extent of every kernel's workgroup; z is 1
// and the channel index is the z invocation id.
const workgroupSize = 8

// paramType is the WGSL type a uniform word is reinterpreted as.
type paramType byte

const (
	paramI32 paramType = 'i'
	paramU32 paramType = 'u'
	paramF32 paramType = 'f'
)

type param struct {
	name string
	typ  paramType
}

// shader is one WGSL compute program. Storage buffer slot i is bound at
// binding i+1 as b{i}; binding 0 is the uniform block holding the extent
// and precision of every slot followed by the kernel's words.
type shader struct {
	name   string
	slots  int
	params []param
	funcs  string
	body   string
}

// Words past the kernel's own Params, appended by the dispatcher.
var (
	orientParams = []param{{"orient", paramU32}}
	modeParams   = []param{{"orient", paramU32}, {"mode", paramU32}}
)

func withParams(base []param, extra ...[]param) []param {
	out := append([]param(nil), base...)
	for _, e := range extra {
		out = append(out, e...)
	}
	return out
}

var (
	preprocessParams  = []param{{"x0", paramI32}, {"y0", paramI32}}
	postprocessParams = []param{{"offx", paramI32}, {"offy", paramI32}, {"ew", paramI32}, {"eh", paramI32}}
	convParams        = []param{
		{"kw", paramI32}, {"kh", paramI32},
		{"sw", paramI32}, {"sh", paramI32},
		{"dw", paramI32}, {"dh", paramI32},
		{"pl", paramI32}, {"pt", paramI32},
		{"bias", paramU32}, {"act", paramI32}, {"slope", paramF32},
	}
)

const orientFuncs = `
fn forward(x: i32, y: i32, w: i32, h: i32, o: u32) -> vec2<i32> {
    var fx = x;
    var fy = y;
    var fw = w;
    var fh = h;
    if (o >= 4u) {
        fx = y;
        fy = x;
        fw = h;
        fh = w;
    }
    let r = o & 3u;
    if (r == 1u || r == 2u) {
        fx = fw - 1 - fx;
    }
    if (r == 2u || r == 3u) {
        fy = fh - 1 - fy;
    }
    return vec2<i32>(fx, fy);
}
`

const activateFuncs = `
fn activate(v: f32, act: i32, slope: f32) -> f32 {
    if (act == 1 && v < 0.0) {
        if (slope == 0.0) {
            return 0.0;
        }
        return v * slope;
    }
    if (act == 2) {
        return 1.0 / (1.0 + exp(-v));
    }
    return v;
}
`

var preprocessShader = shader{
	name:   "preprocess",
	slots:  2,
	params: withParams(preprocessParams, orientParams),
	funcs:  orientFuncs,
	body: `
    let o = p_orient();
    let dw = i32(u.dims[1].w);
    let dh = i32(u.dims[1].h);
    var tw = dw;
    var th = dh;
    if (o >= 4u) {
        tw = dh;
        th = dw;
    }
    let x = i32(gid.x);
    let y = i32(gid.y);
    let c = i32(gid.z);
    if (x >= tw || y >= th || c >= i32(u.dims[1].c)) {
        return;
    }
    let sw = i32(u.dims[0].w);
    let sh = i32(u.dims[0].h);
    let sx = clamp(p_x0() + x, 0, sw - 1);
    let sy = clamp(p_y0() + y, 0, sh - 1);
    let v = b0[(c * sh + sy) * sw + sx];
    let f = forward(x, y, tw, th, o);
    b1[(c * dh + f.y) * dw + f.x] = quantize(v, u.dims[1].fp16);
`,
}

// postprocessShader writes one variant. mode 0 stores, 1 accumulates and
// 2 accumulates and averages over the eight variants.
var postprocessShader = shader{
	name:   "postprocess",
	slots:  2,
	params: withParams(postprocessParams, modeParams),
	funcs:  orientFuncs,
	body: `
    let x = i32(gid.x);
    let y = i32(gid.y);
    let c = i32(gid.z);
    if (x >= p_ew() || y >= p_eh() || c >= i32(u.dims[1].c)) {
        return;
    }
    let o = p_orient();
    let iw = i32(u.dims[0].w);
    let ih = i32(u.dims[0].h);
    var ow = iw;
    var oh = ih;
    if (o >= 4u) {
        ow = ih;
        oh = iw;
    }
    let f = forward(x, y, ow, oh, o);
    let v = b0[(c * ih + f.y) * iw + f.x];
    let dw = i32(u.dims[1].w);
    let dh = i32(u.dims[1].h);
    let idx = (c * dh + p_offy() + y) * dw + p_offx() + x;
    let m = p_mode();
    var r = v;
    if (m != 0u) {
        r = b1[idx] + v;
    }
    if (m == 2u) {
        r = r * 0.125;
    }
    b1[idx] = quantize(r, u.dims[1].fp16);
`,
}

var convolutionShader = shader{
	name:   "convolution",
	slots:  4,
	params: convParams,
	funcs:  activateFuncs,
	body: `
    let ox = i32(gid.x);
    let oy = i32(gid.y);
    let oc = i32(gid.z);
    let ow = i32(u.dims[3].w);
    let oh = i32(u.dims[3].h);
    if (ox >= ow || oy >= oh || oc >= i32(u.dims[3].c)) {
        return;
    }
    let iw = i32(u.dims[0].w);
    let ih = i32(u.dims[0].h);
    let cin = i32(u.dims[0].c);
    let kw = p_kw();
    let kh = p_kh();
    var sum = 0.0;
    if (p_bias() != 0u) {
        sum = b2[oc];
    }
    for (var ic = 0; ic < cin; ic++) {
        let wbase = (oc * cin + ic) * kw * kh;
        let pbase = ic * iw * ih;
        for (var ky = 0; ky < kh; ky++) {
            let iy = oy * p_sh() + ky * p_dh() - p_pt();
            if (iy < 0 || iy >= ih) {
                continue;
            }
            for (var kx = 0; kx < kw; kx++) {
                let ix = ox * p_sw() + kx * p_dw() - p_pl();
                if (ix < 0 || ix >= iw) {
                    continue;
                }
                sum += b0[pbase + iy * iw + ix] * b1[wbase + ky * kw + kx];
            }
        }
    }
    b3[(oc * oh + oy) * ow + ox] = quantize(activate(sum, p_act(), p_slope()), u.dims[3].fp16);
`,
}

var deconvolutionShader = shader{
	name:   "deconvolution",
	slots:  4,
	params: convParams,
	funcs:  activateFuncs,
	body: `
    let ox = i32(gid.x);
    let oy = i32(gid.y);
    let oc = i32(gid.z);
    let ow = i32(u.dims[3].w);
    let oh = i32(u.dims[3].h);
    if (ox >= ow || oy >= oh || oc >= i32(u.dims[3].c)) {
        return;
    }
    let iw = i32(u.dims[0].w);
    let ih = i32(u.dims[0].h);
    let cin = i32(u.dims[0].c);
    let kw = p_kw();
    let kh = p_kh();
    let sw = p_sw();
    let sh = p_sh();
    let fx = ox + p_pl();
    let fy = oy + p_pt();
    var sum = 0.0;
    if (p_bias() != 0u) {
        sum = b2[oc];
    }
    for (var ic = 0; ic < cin; ic++) {
        let wbase = (oc * cin + ic) * kw * kh;
        let pbase = ic * iw * ih;
        for (var ky = 0; ky < kh; ky++) {
            let ty = fy - ky * p_dh();
            if (ty < 0 || ty % sh != 0 || ty / sh >= ih) {
                continue;
            }
            let iy = ty / sh;
            for (var kx = 0; kx < kw; kx++) {
                let tx = fx - kx * p_dw();
                if (tx < 0 || tx % sw != 0 || tx / sw >= iw) {
                    continue;
                }
                sum += b0[pbase + iy * iw + tx / sw] * b1[wbase + ky * kw + kx];
            }
        }
    }
    b3[(oc * oh + oy) * ow + ox] = quantize(activate(sum, p_act(), p_slope()), u.dims[3].fp16);
`,
}

var activationShader = shader{
	name:   "activation",
	slots:  2,
	params: []param{{"act", paramI32}, {"slope", paramF32}},
	funcs:  activateFuncs,
	body: `
    let x = gid.x;
    let y = gid.y;
    let c = gid.z;
    let w = u.dims[1].w;
    let h = u.dims[1].h;
    if (x >= w || y >= h || c >= u.dims[1].c) {
        return;
    }
    let i = (c * h + y) * w + x;
    b1[i] = quantize(activate(b0[i], p_act(), p_slope()), u.dims[1].fp16);
`,
}

var eltwiseShader = shader{
	name:   "eltwise",
	slots:  3,
	params: []param{{"op", paramI32}, {"ca", paramF32}, {"cb", paramF32}},
	body: `
    let x = gid.x;
    let y = gid.y;
    let c = gid.z;
    let w = u.dims[2].w;
    let h = u.dims[2].h;
    if (x >= w || y >= h || c >= u.dims[2].c) {
        return;
    }
    let i = (c * h + y) * w + x;
    let a = b0[i];
    let b = b1[i];
    let op = p_op();
    var r = max(a, b);
    if (op == 0) {
        r = a * b;
    } else if (op == 1) {
        r = p_ca() * a + p_cb() * b;
    }
    b2[i] = quantize(r, u.dims[2].fp16);
`,
}

var binaryOpShader = shader{
	name:   "binaryop",
	slots:  3,
	params: []param{{"op", paramI32}, {"scalar", paramU32}, {"b", paramF32}},
	funcs: `
fn bindex(slot: u32, x: u32, y: u32, c: u32) -> u32 {
    let d = u.dims[slot];
    var bx = x;
    var by = y;
    var bc = c;
    if (d.w == 1u) {
        bx = 0u;
    }
    if (d.h == 1u) {
        by = 0u;
    }
    if (d.c == 1u) {
        bc = 0u;
    }
    return (bc * d.h + by) * d.w + bx;
}

fn apply(op: i32, a: f32, b: f32) -> f32 {
    if (op == 0) {
        return a + b;
    }
    if (op == 1) {
        return a - b;
    }
    if (op == 2) {
        return a * b;
    }
    if (op == 3) {
        return a / b;
    }
    if (op == 4) {
        return max(a, b);
    }
    if (op == 5) {
        return min(a, b);
    }
    if (op == 6) {
        return pow(a, b);
    }
    if (op == 7) {
        return b - a;
    }
    if (op == 8) {
        return b / a;
    }
    return a;
}
`,
	body: `
    let x = gid.x;
    let y = gid.y;
    let c = gid.z;
    let w = u.dims[2].w;
    let h = u.dims[2].h;
    if (x >= w || y >= h || c >= u.dims[2].c) {
        return;
    }
    var rhs = p_b();
    if (p_scalar() == 0u) {
        rhs = b1[bindex(1u, x, y, c)];
    }
    let r = apply(p_op(), b0[bindex(0u, x, y, c)], rhs);
    b2[(c * h + y) * w + x] = quantize(r, u.dims[2].fp16);
`,
}

var cropShader = shader{
	name:   "crop",
	slots:  2,
	params: []param{{"x", paramU32}, {"y", paramU32}, {"c", paramU32}},
	body: `
    let x = gid.x;
    let y = gid.y;
    let c = gid.z;
    let w = u.dims[1].w;
    let h = u.dims[1].h;
    if (x >= w || y >= h || c >= u.dims[1].c) {
        return;
    }
    let sw = u.dims[0].w;
    let sh = u.dims[0].h;
    let v = b0[((c + p_c()) * sh + y + p_y()) * sw + x + p_x()];
    b1[(c * h + y) * w + x] = quantize(v, u.dims[1].fp16);
`,
}

var poolingShader = shader{
	name:  "pooling",
	slots: 2,
	params: []param{
		{"type", paramI32}, {"global", paramU32},
		{"kw", paramI32}, {"kh", paramI32}, {"sw", paramI32}, {"sh", paramI32},
	},
	body: `
    let ox = i32(gid.x);
    let oy = i32(gid.y);
    let c = i32(gid.z);
    let ow = i32(u.dims[1].w);
    let oh = i32(u.dims[1].h);
    if (ox >= ow || oy >= oh || c >= i32(u.dims[1].c)) {
        return;
    }
    let iw = i32(u.dims[0].w);
    let ih = i32(u.dims[0].h);
    var kw = p_kw();
    var kh = p_kh();
    var sw = p_sw();
    var sh = p_sh();
    if (p_global() != 0u) {
        kw = iw;
        kh = ih;
        sw = 1;
        sh = 1;
    }
    let x0 = ox * sw;
    let y0 = oy * sh;
    let x1 = min(x0 + kw, iw);
    let y1 = min(y0 + kh, ih);
    let isMax = p_type() == 0;
    var acc = 0.0;
    if (isMax) {
        acc = -3.4028235e38;
    }
    for (var y = y0; y < y1; y++) {
        for (var x = x0; x < x1; x++) {
            let v = b0[(c * ih + y) * iw + x];
            if (isMax) {
                acc = max(acc, v);
            } else {
                acc += v;
            }
        }
    }
    let n = (y1 - y0) * (x1 - x0);
    if (!isMax && n > 0) {
        acc = acc / f32(n);
    }
    b1[(c * oh + oy) * ow + ox] = quantize(acc, u.dims[1].fp16);
`,
}

// shaders maps every kernel to the program that implements it. The
// ensemble kernels reuse the single-tile programs once per orientation.
var shaders = [compute.KernelCount]*shader{
	compute.KernelPreprocess:     &preprocessShader,
	compute.KernelPreprocessTTA:  &preprocessShader,
	compute.KernelPostprocess:    &postprocessShader,
	compute.KernelPostprocessTTA: &postprocessShader,
	compute.KernelConvolution:    &convolutionShader,
	compute.KernelDeconvolution:  &deconvolutionShader,
	compute.KernelActivation:     &activationShader,
	compute.KernelEltwise:        &eltwiseShader,
	compute.KernelBinaryOp:       &binaryOpShader,
	compute.KernelCrop:           &cropShader,
	compute.KernelPooling:        &poolingShader,
}

// uniformVec4s returns the number of vec4 words the shader's uniform block
// reserves for parameters.
func (s *shader) uniformVec4s() int {
	return max(1, (len(s.params)+3)/4)
}

// uniformSize returns the byte size of the shader's uniform block.
func (s *shader) uniformSize() int {
	return 16 * (s.slots + s.uniformVec4s())
}

// source returns the WGSL text of the shader.
func (s *shader) source() string {
	var b strings.Builder
	fmt.Fprintf(&b, "// %s\n\n", s.name)
	b.WriteString("struct Dims {\n    w: u32,\n    h: u32,\n    c: u32,\n    fp16: u32,\n}\n\n")
	fmt.Fprintf(&b, "struct Uniforms {\n    dims: array<Dims, %d>,\n    words: array<vec4<u32>, %d>,\n}\n\n",
		s.slots, s.uniformVec4s())
	b.WriteString("@group(0) @binding(0) var<uniform> u: Uniforms;\n")
	for i := range s.slots {
		fmt.Fprintf(&b, "@group(0) @binding(%d) var<storage, read_write> b%d: array<f32>;\n", i+1, i)
	}

	b.WriteString(`
fn quantize(v: f32, fp16: u32) -> f32 {
    if (fp16 != 0u) {
        return unpack2x16float(pack2x16float(vec2<f32>(v, 0.0))).x;
    }
    return v;
}
`)
	for i, p := range s.params {
		word := fmt.Sprintf("u.words[%d].%c", i/4, "xyzw"[i%4])
		switch p.typ {
		case paramI32:
			fmt.Fprintf(&b, "\nfn p_%s() -> i32 {\n    return bitcast<i32>(%s);\n}\n", p.name, word)
		case paramF32:
			fmt.Fprintf(&b, "\nfn p_%s() -> f32 {\n    return bitcast<f32>(%s);\n}\n", p.name, word)
		default:
			fmt.Fprintf(&b, "\nfn p_%s() -> u32 {\n    return %s;\n}\n", p.name, word)
		}
	}
	b.WriteString(s.funcs)

	fmt.Fprintf(&b, "\n@compute @workgroup_size(%d, %d, 1)\nfn main(@builtin(global_invocation_id) gid: vec3<u32>) {",
		workgroupSize, workgroupSize)
	b.WriteString(s.body)
	b.WriteString("}\n")
	return b.String()
}
