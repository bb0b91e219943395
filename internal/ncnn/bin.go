package ncnn

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"math"

	"github.com/x448/float16"
)

// Storage tags that may precede a weight array in a .bin file.
const (
	tagFloat32 = 0x00000000
	tagFloat16 = 0x01306B47
)

// maxWeights caps the element count of one weight array.
const maxWeights = 1 << 28

// binReader walks the weight arrays of a .bin file in layer order.
type binReader struct {
	r   io.Reader
	off int64
	// size is the byte length of r, or -1 when unknown.
	size int64
}

func newBinReader(r io.Reader) *binReader {
	return &binReader{r: r, size: readerSize(r)}
}

// readerSize reports how many bytes remain in r, or -1 when r cannot tell.
func readerSize(r io.Reader) int64 {
	switch v := r.(type) {
	case interface{ Len() int }:
		return int64(v.Len())
	case interface {
		io.Seeker
		Stat() (fs.FileInfo, error)
	}:
		fi, err := v.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return -1
		}
		pos, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return -1
		}
		return fi.Size() - pos
	}
	return -1
}

// reserve checks that an array of n elements of elem bytes each fits the
// remaining data before anything is allocated for it.
func (b *binReader) reserve(n, elem int) (int, error) {
	if n < 0 || n > maxWeights {
		return 0, fmt.Errorf("%w: weight array of %d values at byte %d", ErrFormat, n, b.off)
	}
	size := (n*elem + 3) &^ 3
	if b.size >= 0 && b.off+int64(size) > b.size {
		return 0, fmt.Errorf("%w: weights truncated at byte %d: %d bytes needed, %d left",
			ErrFormat, b.off, size, b.size-b.off)
	}
	return size, nil
}

func (b *binReader) read(p []byte) error {
	n, err := io.ReadFull(b.r, p)
	b.off += int64(n)
	if err != nil {
		return fmt.Errorf("%w: weights truncated at byte %d: %v", ErrFormat, b.off, err)
	}
	return nil
}

// raw reads n little-endian float32 values with no storage tag.
func (b *binReader) raw(n int) ([]float32, error) {
	size, err := b.reserve(n, 4)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := b.read(buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

// tagged reads a storage tag followed by n values in that encoding.
func (b *binReader) tagged(n int) ([]float32, error) {
	var tb [4]byte
	if err := b.read(tb[:]); err != nil {
		return nil, err
	}

	switch tag := binary.LittleEndian.Uint32(tb[:]); tag {
	case tagFloat32:
		return b.raw(n)
	case tagFloat16:
		// Half data is padded to a 4-byte boundary.
		size, err := b.reserve(n, 2)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if err := b.read(buf); err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported weight encoding 0x%08x at byte %d", ErrFormat, tag, b.off-4)
	}
}
