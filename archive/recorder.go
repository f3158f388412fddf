package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"minuta/encoder"
	"minuta/ingest"
	"minuta/log"
)

var (
	// ErrUnsupported marks sessions where archival must not run, e.g. the
	// server already holds a finalized artifact.
	ErrUnsupported = errors.New("archival unavailable")
	// ErrUploadFailed wraps upload transport and server failures.
	ErrUploadFailed = errors.New("archive upload failed")
)

// segmentDur is how often accumulated samples are cut into a segment.
const segmentDur = 1500 * time.Millisecond

type State int32

const (
	StateIdle State = iota
	StateRecording
	StateSaving
	StateSaved
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Uploader is the archive side of the REST collaborator; satisfied by
// *ingest.Client.
type Uploader interface {
	HasArchive(ctx context.Context, sessionID string) (bool, error)
	UploadArchive(ctx context.Context, sessionID string, blob []byte) (*ingest.NetworkMetrics, error)
}

// Recorder keeps a full-fidelity copy of one session's capture feed,
// independent of the streaming channel. Native-rate PCM accumulates into
// fixed-interval segments; Stop concatenates them, encodes one FLAC blob and
// uploads it exactly once.
type Recorder struct {
	sessionID string
	rate      int
	uploader  Uploader

	state atomic.Int32

	mu       sync.Mutex
	cur      []int16
	segments [][]int16
	err      error

	tickStop chan struct{}
	tickDone chan struct{}
}

func NewRecorder(sessionID string, captureRate int, uploader Uploader) *Recorder {
	return &Recorder{
		sessionID: sessionID,
		rate:      captureRate,
		uploader:  uploader,
	}
}

func (r *Recorder) State() State { return State(r.state.Load()) }

func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Start moves the recorder to Recording. Refused when the server already
// holds a finalized artifact for the session; a probe failure is logged and
// recording proceeds, since the local copy is the part we cannot recover.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRecording)) {
		return fmt.Errorf("%w: recorder is %s", ErrUnsupported, r.State())
	}

	exists, err := r.uploader.HasArchive(ctx, r.sessionID)
	if err != nil {
		log.Warnf("archive probe for session %s: %v", r.sessionID, err)
	} else if exists {
		r.state.Store(int32(StateIdle))
		return fmt.Errorf("%w: session %s already archived", ErrUnsupported, r.sessionID)
	}

	r.tickStop = make(chan struct{})
	r.tickDone = make(chan struct{})
	go r.runSegmenter()
	return nil
}

func (r *Recorder) runSegmenter() {
	defer close(r.tickDone)
	ticker := time.NewTicker(segmentDur)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cutSegment()
		case <-r.tickStop:
			return
		}
	}
}

func (r *Recorder) cutSegment() {
	r.mu.Lock()
	if len(r.cur) > 0 {
		r.segments = append(r.segments, r.cur)
		r.cur = nil
	}
	r.mu.Unlock()
}

// Feed appends native-rate s16le PCM. Ignored outside Recording.
func (r *Recorder) Feed(pcm []byte) {
	if r.State() != StateRecording {
		return
	}
	r.mu.Lock()
	for i := 0; i+1 < len(pcm); i += 2 {
		r.cur = append(r.cur, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	r.mu.Unlock()
}

// Segments reports how many segments have been cut so far.
func (r *Recorder) Segments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

// Stop finalizes the recording. With nothing captured the recorder returns
// to Idle and no upload happens. A second stop while saving is a no-op, as
// is stopping a recorder that never started.
func (r *Recorder) Stop(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateRecording), int32(StateSaving)) {
		return nil
	}

	close(r.tickStop)
	<-r.tickDone
	r.cutSegment()

	r.mu.Lock()
	segments := r.segments
	r.segments = nil
	r.mu.Unlock()

	if len(segments) == 0 {
		r.state.Store(int32(StateIdle))
		return nil
	}

	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	samples := make([]int16, 0, total)
	for _, seg := range segments {
		samples = append(samples, seg...)
	}

	blob, encodeDur, err := r.encode(samples)
	if err != nil {
		return r.fail(fmt.Errorf("%w: encoding: %v", ErrUploadFailed, err))
	}

	metrics, err := r.uploader.UploadArchive(ctx, r.sessionID, blob)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %v", ErrUploadFailed, err))
	}

	r.state.Store(int32(StateSaved))

	rawKB := float64(total*2) / 1024
	data := log.UploadMetricsData{
		AudioS:    float64(total) / float64(r.rate),
		RawKB:     rawKB,
		EncodedKB: float64(len(blob)) / 1024,
		EncodeMs:  float64(encodeDur.Milliseconds()),
		Segments:  len(segments),
	}
	if metrics != nil {
		data.DNSMs = float64(metrics.DNS.Milliseconds())
		data.TLSMs = float64(metrics.TLS.Milliseconds())
		data.TTFBMs = float64(metrics.TTFB.Milliseconds())
		data.TotalMs = float64(metrics.Total.Milliseconds())
		data.ConnReused = metrics.ConnReused
	}
	log.UploadMetrics(data)
	return nil
}

// newEncoder builds the archival encoder; a seam for tests.
var newEncoder = func(rate int) (encoder.Encoder, error) {
	return encoder.NewFlac(rate)
}

func (r *Recorder) encode(samples []int16) ([]byte, time.Duration, error) {
	enc, err := newEncoder(r.rate)
	if err != nil {
		return nil, 0, err
	}
	start := time.Now()
	for len(samples) > 0 {
		n := encoder.BlockSize
		if n > len(samples) {
			n = len(samples)
		}
		if err := enc.EncodeBlock(samples[:n]); err != nil {
			return nil, 0, err
		}
		samples = samples[n:]
	}
	if err := enc.Close(); err != nil {
		return nil, 0, err
	}
	enc.AddEncodeTime(time.Since(start))
	return enc.Bytes(), enc.EncodeTime(), nil
}

func (r *Recorder) fail(err error) error {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.state.Store(int32(StateError))
	log.Error(err.Error())
	return err
}
