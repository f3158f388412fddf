package encoder

import (
	"encoding/binary"
	"testing"
)

func collectFrames() (*[][]byte, FrameFunc) {
	var frames [][]byte
	return &frames, func(f []byte) {
		cp := make([]byte, len(f))
		copy(cp, f)
		frames = append(frames, cp)
	}
}

func TestFrameEncoderByteCount(t *testing.T) {
	frames, emit := collectFrames()
	e := NewFrameEncoder(SampleRate, emit)

	const n = 3
	pcm := make([]byte, n*FrameBytes)
	e.WriteS16(pcm)

	if len(*frames) != n {
		t.Fatalf("got %d frames, want %d", len(*frames), n)
	}
	total := 0
	for i, f := range *frames {
		if len(f) != FrameBytes {
			t.Errorf("frame %d: %d bytes, want %d", i, len(f), FrameBytes)
		}
		total += len(f)
	}
	if want := n * FrameSamples * 2; total != want {
		t.Errorf("total bytes = %d, want %d", total, want)
	}
}

func TestFrameEncoderPartialStaysBuffered(t *testing.T) {
	frames, emit := collectFrames()
	e := NewFrameEncoder(SampleRate, emit)

	e.WriteS16(make([]byte, FrameBytes/2))
	if len(*frames) != 0 {
		t.Fatalf("partial input emitted %d frames", len(*frames))
	}
	e.WriteS16(make([]byte, FrameBytes/2))
	if len(*frames) != 1 {
		t.Fatalf("got %d frames after completing one frame, want 1", len(*frames))
	}
}

func TestFrameEncoderFlushShortFinalFrame(t *testing.T) {
	frames, emit := collectFrames()
	e := NewFrameEncoder(SampleRate, emit)

	e.WriteS16(make([]byte, FrameBytes+100))
	e.Flush()

	if len(*frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(*frames))
	}
	if len((*frames)[1]) != 100 {
		t.Errorf("final frame = %d bytes, want 100", len((*frames)[1]))
	}
	if e.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", e.Frames())
	}

	// Flush with nothing buffered emits nothing
	e.Flush()
	if len(*frames) != 2 {
		t.Errorf("empty flush emitted a frame")
	}
}

func TestFrameEncoderOrder(t *testing.T) {
	frames, emit := collectFrames()
	e := NewFrameEncoder(SampleRate, emit)

	pcm := make([]byte, 2*FrameBytes)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(i))
	}
	e.WriteS16(pcm)

	if len(*frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(*frames))
	}
	idx := 0
	for _, f := range *frames {
		for i := 0; i+1 < len(f); i += 2 {
			if got := binary.LittleEndian.Uint16(f[i:]); got != uint16(idx) {
				t.Fatalf("sample %d = %d, out of order", idx, got)
			}
			idx++
		}
	}
}

func TestFrameEncoderClamp(t *testing.T) {
	frames, emit := collectFrames()
	e := NewFrameEncoder(SampleRate, emit)

	in := make([]float32, FrameSamples)
	for i := range in {
		if i%2 == 0 {
			in[i] = 2.5
		} else {
			in[i] = -3.0
		}
	}
	e.WriteFloat32(in)

	if len(*frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(*frames))
	}
	f := (*frames)[0]
	for i := 0; i+1 < len(f); i += 2 {
		s := int16(binary.LittleEndian.Uint16(f[i:]))
		if s != 32767 && s != -32767 {
			t.Fatalf("sample %d = %d, want clamped full-scale", i/2, s)
		}
	}
}

func TestFrameEncoderResamples(t *testing.T) {
	frames, emit := collectFrames()
	e := NewFrameEncoder(48000, emit)

	// 1.5s of 48 kHz input ≈ 24000 output samples = 6 full frames
	e.WriteS16(make([]byte, 48000*3))
	e.Flush()

	if len(*frames) < 5 || len(*frames) > 7 {
		t.Fatalf("got %d frames from 1.5s of 48kHz input, want ~6", len(*frames))
	}
	for i, f := range (*frames)[:len(*frames)-1] {
		if len(f) != FrameBytes {
			t.Errorf("frame %d: %d bytes, want %d", i, len(f), FrameBytes)
		}
	}
}

func TestFrameEncoderOddTrailingByte(t *testing.T) {
	_, emit := collectFrames()
	e := NewFrameEncoder(SampleRate, emit)

	e.WriteS16(make([]byte, 101))
	if e.Samples() != 50 {
		t.Errorf("Samples() = %d, want 50", e.Samples())
	}
}
