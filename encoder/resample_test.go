package encoder

import (
	"math"
	"testing"
)

func TestResamplerPassthrough(t *testing.T) {
	r := newResampler(16000, 16000)
	in := []float32{0.1, 0.2, 0.3}
	out := r.process(in)
	if len(out) != len(in) {
		t.Fatalf("passthrough changed length: %d -> %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("passthrough changed sample %d", i)
		}
	}
}

func TestResamplerDownsampleRatio(t *testing.T) {
	r := newResampler(48000, 16000)
	in := make([]float32, 48000) // 1s
	out := r.process(in)
	if len(out) < 15990 || len(out) > 16000 {
		t.Fatalf("1s of 48kHz produced %d samples, want ~16000", len(out))
	}
}

func TestResamplerChunkBoundaries(t *testing.T) {
	// Feeding one buffer vs many small chunks must produce the same
	// total output count (give or take the carry tail).
	whole := newResampler(44100, 16000)
	chunked := newResampler(44100, 16000)

	in := make([]float32, 44100)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 44100))
	}

	wholeOut := whole.process(in)

	var chunkedTotal int
	for i := 0; i < len(in); i += 441 {
		end := i + 441
		if end > len(in) {
			end = len(in)
		}
		chunkedTotal += len(chunked.process(in[i:end]))
	}

	diff := len(wholeOut) - chunkedTotal
	if diff < -2 || diff > 2 {
		t.Fatalf("whole=%d chunked=%d, want equal within carry tail", len(wholeOut), chunkedTotal)
	}
}

func TestResamplerPreservesDC(t *testing.T) {
	r := newResampler(44100, 16000)
	in := make([]float32, 4410)
	for i := range in {
		in[i] = 0.5
	}
	out := r.process(in)
	if len(out) == 0 {
		t.Fatal("no output")
	}
	for i, s := range out {
		if math.Abs(float64(s)-0.5) > 1e-5 {
			t.Fatalf("sample %d = %f, want 0.5", i, s)
		}
	}
}
