package compute

// Orientation is one of the eight geometric variants used by the ensemble
// (TTA) mode: the four rotations of the square times mirror / no mirror.
//
// Variants 0..3 keep the tile's shape; variants 4..7 transpose it, so a
// W x H source becomes H x W. Bit 0 and bit 1 of (v & 3) select the axis
// flips applied after the optional transpose:
//
//	v&3 == 1: flip x       v&3 == 2: flip x and y       v&3 == 3: flip y
type Orientation int

// Orientations is the number of ensemble variants.
const Orientations = 8

// Transposed reports whether the variant swaps width and height.
func (o Orientation) Transposed() bool { return o >= 4 }

func (o Orientation) flipX() bool { r := o & 3; return r == 1 || r == 2 }
func (o Orientation) flipY() bool { r := o & 3; return r == 2 || r == 3 }

// Dims returns the variant's extent for a w x h source.
func (o Orientation) Dims(w, h int) (int, int) {
	if o.Transposed() {
		return h, w
	}
	return w, h
}

// Forward maps source pixel (x, y) of a w x h tile to its position in the
// variant.
func (o Orientation) Forward(x, y, w, h int) (int, int) {
	if o.Transposed() {
		x, y = y, x
		w, h = h, w
	}
	if o.flipX() {
		x = w - 1 - x
	}
	if o.flipY() {
		y = h - 1 - y
	}
	return x, y
}

// Inverse maps variant pixel (x, y) back to the source pixel. w and h are
// the source extent, not the variant's.
func (o Orientation) Inverse(x, y, w, h int) (int, int) {
	vw, vh := o.Dims(w, h)
	if o.flipX() {
		x = vw - 1 - x
	}
	if o.flipY() {
		y = vh - 1 - y
	}
	if o.Transposed() {
		x, y = y, x
	}
	return x, y
}

// Reorient returns a copy of the planar w x h x c block data in variant o.
func Reorient(data []float32, w, h, c int, o Orientation) []float32 {
	out := make([]float32, len(data))
	vw, _ := o.Dims(w, h)
	plane := w * h
	for ch := 0; ch < c; ch++ {
		src := data[ch*plane : (ch+1)*plane]
		dst := out[ch*plane : (ch+1)*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				fx, fy := o.Forward(x, y, w, h)
				dst[fy*vw+fx] = src[y*w+x]
			}
		}
	}
	return out
}

// Restore undoes Reorient: data is a variant block and w, h the source
// extent it was derived from.
func Restore(data []float32, w, h, c int, o Orientation) []float32 {
	out := make([]float32, len(data))
	vw, _ := o.Dims(w, h)
	plane := w * h
	for ch := 0; ch < c; ch++ {
		src := data[ch*plane : (ch+1)*plane]
		dst := out[ch*plane : (ch+1)*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				fx, fy := o.Forward(x, y, w, h)
				dst[y*w+x] = src[fy*vw+fx]
			}
		}
	}
	return out
}
