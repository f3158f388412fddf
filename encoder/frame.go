package encoder

import (
	"encoding/binary"
	"sync"
)

// FrameFunc receives one complete s16le frame. Frames arrive in strict
// production order; all but a final Flush frame are exactly FrameBytes long.
type FrameFunc func(frame []byte)

// FrameEncoder turns the capture callback's native-rate PCM into fixed
// 250 ms frames at 16 kHz mono s16le. It is driven from the audio callback
// and never blocks: emitted frames go straight to the FrameFunc, which is
// expected to queue rather than perform I/O.
type FrameEncoder struct {
	rs   *resampler
	emit FrameFunc

	mu      sync.Mutex
	pending []byte
	frames  uint64
	samples uint64
}

func NewFrameEncoder(inputRate int, emit FrameFunc) *FrameEncoder {
	return &FrameEncoder{
		rs:   newResampler(inputRate, SampleRate),
		emit: emit,
	}
}

// WriteFloat32 accepts native-rate float samples. Each sample is clamped to
// [-1, 1] before s16 scaling.
func (e *FrameEncoder) WriteFloat32(in []float32) {
	out := e.rs.process(in)
	if len(out) == 0 {
		return
	}
	buf := make([]byte, len(out)*2)
	for i, s := range out {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	e.append(buf)
}

// WriteS16 accepts native-rate s16le bytes, the format malgo delivers.
// A trailing odd byte is ignored.
func (e *FrameEncoder) WriteS16(data []byte) {
	n := len(data) &^ 1
	if n == 0 {
		return
	}
	if e.rs.passthrough() {
		buf := make([]byte, n)
		copy(buf, data[:n])
		e.append(buf)
		return
	}
	in := make([]float32, n/2)
	for i := range in {
		in[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	e.WriteFloat32(in)
}

func (e *FrameEncoder) append(buf []byte) {
	e.mu.Lock()
	e.samples += uint64(len(buf) / 2)
	e.pending = append(e.pending, buf...)
	var frames [][]byte
	for len(e.pending) >= FrameBytes {
		f := make([]byte, FrameBytes)
		copy(f, e.pending[:FrameBytes])
		e.pending = e.pending[FrameBytes:]
		frames = append(frames, f)
	}
	e.frames += uint64(len(frames))
	e.mu.Unlock()

	// Single producer (the audio callback), so emitting outside the lock
	// preserves frame order.
	for _, f := range frames {
		e.emit(f)
	}
}

// Flush emits the buffered leftover as one short final frame. Leftover
// smaller than a full frame is sent, not padded or dropped.
func (e *FrameEncoder) Flush() {
	e.mu.Lock()
	tail := e.pending
	e.pending = nil
	if len(tail) > 0 {
		e.frames++
	}
	e.mu.Unlock()
	if len(tail) > 0 {
		e.emit(tail)
	}
}

// Frames reports frames emitted so far, including a short Flush frame.
func (e *FrameEncoder) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Samples reports target-rate samples accepted so far, buffered or emitted.
func (e *FrameEncoder) Samples() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}
