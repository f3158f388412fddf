package encoder

import "time"

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096

	// FrameMs is the duration of one streamed audio frame. Every frame
	// except a possible short final one carries exactly FrameSamples
	// samples (FrameBytes bytes of s16le PCM).
	FrameMs      = 250
	FrameSamples = SampleRate * FrameMs / 1000
	FrameBytes   = FrameSamples * (BitsPerSample / 8)
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}
