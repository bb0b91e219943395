package parallel

import (
	"fmt"
	"runtime"
	"testing"
)

// Run with: go test -bench=BenchmarkPool -benchmem ./internal/parallel/...

// setMaxProcs sets GOMAXPROCS and returns a cleanup function to restore it.
func setMaxProcs(n int) func() {
	old := runtime.GOMAXPROCS(n)
	return func() {
		runtime.GOMAXPROCS(old)
	}
}

// BenchmarkPool_For runs a 3x3 box filter over one 256x256 channel, the
// shape of a small convolution output plane, with 1 to 8 workers.
func BenchmarkPool_For(b *testing.B) {
	const w, h = 256, 256
	src := make([]float32, w*h)
	for i := range src {
		src[i] = float32(i%17) / 17
	}
	dst := make([]float32, w*h)

	for _, workers := range []int{1, 2, 4, 8} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			defer setMaxProcs(workers)()
			pool := NewPool(workers)
			defer pool.Close()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pool.For(h, func(lo, hi int) {
					for y := lo; y < hi; y++ {
						for x := range w {
							var sum float32
							for dy := -1; dy <= 1; dy++ {
								yy := min(max(y+dy, 0), h-1)
								for dx := -1; dx <= 1; dx++ {
									sum += src[yy*w+min(max(x+dx, 0), w-1)]
								}
							}
							dst[y*w+x] = sum / 9
						}
					}
				})
			}
		})
	}
}
