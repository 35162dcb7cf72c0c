package fftproc

import (
	"testing"

	"pgregory.net/rapid"
)

// Property: segment counting never goes negative, every counted segment
// fits inside the chunk, and one more would not fit.
func TestSegmentCountProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fftSize := rapid.SampledFrom([]int{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}).Draw(t, "fftSize")
		sampleLen := rapid.IntRange(0, 1<<20).Draw(t, "sampleLen")
		overlap := rapid.Bool().Draw(t, "overlap")

		count := segmentCount(sampleLen, fftSize, overlap)
		if count < 0 {
			t.Fatalf("segment count went negative: %d", count)
		}

		step := fftSize
		if overlap {
			step = fftSize / 2
		}
		if count > 0 {
			lastStart := (count - 1) * step
			if lastStart+fftSize > sampleLen {
				t.Fatalf("segment %d overruns the chunk: start=%d fft=%d len=%d", count-1, lastStart, fftSize, sampleLen)
			}
		}
		if count*step+fftSize <= sampleLen {
			t.Fatalf("an additional segment would have fit: count=%d step=%d fft=%d len=%d", count, step, fftSize, sampleLen)
		}
	})
}
