package audio

import (
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

type FakeContext struct {
	pcm      []byte
	rate     uint32
	realtime bool
	devices  []DeviceInfo
}

// NewFakeContext replays a raw PCM file (s16le mono) as a capture device.
func NewFakeContext(pcmPath string, rate uint32, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(pcmPath)
	if err != nil {
		return nil, err
	}
	return NewFakeContextFromPCM(data, rate, realtime), nil
}

// NewFakeContextFromPCM replays in-memory PCM. Used by tests that need a
// deterministic capture feed without touching real hardware.
func NewFakeContextFromPCM(pcm []byte, rate uint32, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, rate: rate, realtime: realtime}
}

// SetDevices fixes the device list returned by Devices, so tests can
// exercise monitor-source selection.
func (f *FakeContext) SetDevices(devices []DeviceInfo) {
	f.devices = devices
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) { return f.devices, nil }
func (f *FakeContext) Close()                         {}

func (f *FakeContext) NewCapture(device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{
		pcm:       f.pcm,
		rate:      f.rate,
		realtime:  f.realtime,
		device:    device,
		audioDone: make(chan struct{}),
		ended:     make(chan struct{}),
	}, nil
}

type FakeCapture struct {
	pcm       []byte
	rate      uint32
	realtime  bool
	device    *DeviceInfo
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	ended    chan struct{}
	endOnce  sync.Once
}

// AudioDone is closed once the canned PCM has been fed completely.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) Ended() <-chan struct{} { return f.ended }

// Revoke simulates the source going away underneath the session (user stops
// sharing the tab, device unplugged).
func (f *FakeCapture) Revoke() {
	f.endOnce.Do(func() { close(f.ended) })
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string {
	if f.device != nil {
		return f.device.Name
	}
	return "fake"
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	// audioDone is NOT recreated here -- callers may already be waiting on it.
	// It's reset in Stop() for replay.

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	if !f.realtime {
		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()
		if cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)

		go func() {
			defer close(f.feedDone)
			silence := make([]byte, chunkBytes)
			for {
				select {
				case <-f.stopCh:
					return
				case <-f.ended:
					return
				case <-time.After(time.Millisecond):
				}
				f.mu.Lock()
				cb := f.cb
				f.mu.Unlock()
				if cb != nil {
					cb(silence, fakeFrameSize)
				}
			}
		}()
	} else {
		interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(f.rate)
		go func() {
			defer close(f.feedDone)
			pos := 0
			silence := make([]byte, chunkBytes)
			audioFinished := false

			for {
				select {
				case <-f.stopCh:
					return
				case <-f.ended:
					return
				default:
				}

				f.mu.Lock()
				cb := f.cb
				f.mu.Unlock()
				if cb == nil {
					time.Sleep(time.Millisecond)
					continue
				}

				if pos < len(f.pcm) {
					pos = f.feedChunk(cb, pos, chunkBytes)
				} else {
					if !audioFinished {
						audioFinished = true
						close(f.audioDone)
					}
					cb(silence, fakeFrameSize)
				}

				select {
				case <-f.stopCh:
					return
				case <-f.ended:
					return
				case <-time.After(interval):
				}
			}
		}()
	}

	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	if f.feedDone != nil {
		<-f.feedDone
	}
	f.audioDone = make(chan struct{}) // reset for replay
}

func (f *FakeCapture) Close() {}
