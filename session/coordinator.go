package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"minuta/archive"
	"minuta/audio"
	"minuta/encoder"
	"minuta/ingest"
	"minuta/log"
)

// ErrSessionActive is returned by Start while a session is already running.
var ErrSessionActive = errors.New("session already active")

type Config struct {
	SessionID  string
	Platform   string // e.g. "meet", "zoom"
	MeetingRef string
	Language   string
	Source     audio.SourceMode
}

type streamConn interface {
	Send(frame []byte)
	State() ingest.State
	Err() error
	ErrorMessage() string
	Events() <-chan ingest.Event
	Close() error
}

type archiveRecorder interface {
	Start(ctx context.Context) error
	Feed(pcm []byte)
	Stop(ctx context.Context) error
	State() archive.State
	Err() error
}

// Coordinator owns one capture attempt end to end: the capture device, the
// token manager, one streaming connection and one archival recorder. A new
// attempt means a new connection and recorder; nothing is reused.
type Coordinator struct {
	audioCtx  audio.Context
	tokens    *ingest.TokenManager
	ingestURL string

	dialStream  func(ctx context.Context, cfg ingest.StreamConfig) (streamConn, error)
	newRecorder func(sessionID string) archiveRecorder

	mu      sync.Mutex
	running bool
	gen     uint64
	cfg     Config
	device  audio.CaptureDevice
	conn    streamConn
	rec     archiveRecorder
	enc     *encoder.FrameEncoder
	vp      *vadProcessor
	stopCh  chan struct{}
	monDone chan struct{}
	lastErr error

	lastSignal atomic.Int64 // unix nanos of the last emitted frame or server event
	status     atomic.Int32

	updates chan Status
	notices chan Notice
	events  chan ingest.Event
}

func NewCoordinator(audioCtx audio.Context, client *ingest.Client) *Coordinator {
	return &Coordinator{
		audioCtx:  audioCtx,
		tokens:    ingest.NewTokenManager(client),
		ingestURL: client.IngestURL(),
		dialStream: func(ctx context.Context, cfg ingest.StreamConfig) (streamConn, error) {
			return ingest.Dial(ctx, cfg)
		},
		newRecorder: func(sessionID string) archiveRecorder {
			return archive.NewRecorder(sessionID, audio.DefaultCaptureRate, client)
		},
		updates: make(chan Status, 16),
		notices: make(chan Notice, 16),
		events:  make(chan ingest.Event, 16),
	}
}

// Status is the current classification; StatusIdle when no session runs.
func (c *Coordinator) Status() Status { return Status(c.status.Load()) }

// Updates emits status transitions. Best effort; the receiver never has to
// keep up.
func (c *Coordinator) Updates() <-chan Status { return c.updates }

// Notices emits speech-presence advisories.
func (c *Coordinator) Notices() <-chan Notice { return c.notices }

// Events re-exposes non-control server events from the active connection.
func (c *Coordinator) Events() <-chan ingest.Event { return c.events }

func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastError reports why the previous attempt ended, nil after a clean stop.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start acquires the capture source, opens the streaming channel and the
// archival recorder, and begins feeding frames. Refused while a session is
// already active.
func (c *Coordinator) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.running = true
	c.gen++
	gen := c.gen
	c.cfg = cfg
	c.lastErr = nil
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.gen == gen {
			c.running = false
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}

	tok, err := c.tokens.Ensure(ctx, cfg.SessionID)
	if err != nil {
		return fail(err)
	}

	dev, err := audio.SelectSource(c.audioCtx, cfg.Source)
	if err != nil {
		return fail(err)
	}
	capture, err := c.audioCtx.NewCapture(dev, audio.CaptureConfig{
		SampleRate: audio.DefaultCaptureRate,
		Channels:   encoder.Channels,
		Source:     cfg.Source,
	})
	if err != nil {
		return fail(fmt.Errorf("opening capture: %w", err))
	}

	conn, err := c.dialStream(ctx, ingest.StreamConfig{
		URL:        c.ingestURL,
		Token:      tok,
		Platform:   cfg.Platform,
		MeetingRef: cfg.MeetingRef,
		Language:   cfg.Language,
		Source:     string(cfg.Source),
	})
	if err != nil {
		capture.Close()
		return fail(err)
	}

	// Archival runs independently of the streaming gate. A refused or failed
	// start is advisory; streaming continues without the local copy.
	rec := c.newRecorder(cfg.SessionID)
	if err := rec.Start(ctx); err != nil {
		log.Warnf("archival for session %s: %v", cfg.SessionID, err)
	}

	vp, err := newVADProcessor()
	if err != nil {
		conn.Close()
		capture.Close()
		return fail(fmt.Errorf("vad init: %w", err))
	}

	enc := encoder.NewFrameEncoder(audio.DefaultCaptureRate, func(frame []byte) {
		conn.Send(frame)
		vp.Process(frame)
		c.markSignal()
	})

	capture.SetCallback(func(data []byte, frameCount uint32) {
		if len(data) == 0 {
			return
		}
		enc.WriteS16(data)
		rec.Feed(data)
	})

	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		conn.Close()
		rec.Stop(ctx)
		capture.Close()
		return fail(fmt.Errorf("starting capture: %w", err))
	}

	c.mu.Lock()
	if c.gen != gen {
		// Stopped while starting; unwind everything we acquired.
		c.mu.Unlock()
		capture.Stop()
		capture.ClearCallback()
		conn.Close()
		rec.Stop(ctx)
		capture.Close()
		return errors.New("session stopped during start")
	}
	c.device = capture
	c.conn = conn
	c.rec = rec
	c.enc = enc
	c.vp = vp
	c.stopCh = make(chan struct{})
	c.monDone = make(chan struct{})
	stopCh, monDone := c.stopCh, c.monDone
	c.mu.Unlock()

	c.markSignal()
	c.setStatus(StatusLive)
	log.SessionStart(cfg.SessionID, cfg.Platform, string(cfg.Source))

	go c.runMonitor(gen, conn, vp, capture, stopCh, monDone)
	go c.watchEvents(conn)

	return nil
}

// Stop tears the session down: tail frames flushed, channel and recorder
// closed together, capture device released. Idempotent and safe in every
// state.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	running := c.running
	c.mu.Unlock()
	if !running {
		return nil
	}
	return c.teardown(ctx, gen, StatusIdle)
}

func (c *Coordinator) teardown(ctx context.Context, gen uint64, final Status) error {
	c.mu.Lock()
	if c.gen != gen || !c.running {
		c.mu.Unlock()
		return nil
	}
	c.gen++ // results of in-flight calls for this attempt are now stale
	c.running = false
	device, conn, rec, enc := c.device, c.conn, c.rec, c.enc
	stopCh, monDone := c.stopCh, c.monDone
	cfg := c.cfg
	c.device, c.conn, c.rec, c.enc, c.vp = nil, nil, nil, nil, nil
	c.stopCh, c.monDone = nil, nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if device == nil {
		// Start had not finished acquiring resources; it unwinds itself.
		return nil
	}

	device.Stop()
	device.ClearCallback()
	if monDone != nil {
		<-monDone
	}

	enc.Flush()
	streamErr := conn.Close()
	recErr := rec.Stop(ctx)
	device.Close()
	c.tokens.Reset()

	err := streamErr
	if err == nil {
		err = recErr
	}
	c.mu.Lock()
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	c.setStatus(final)
	log.SessionEnd(cfg.SessionID, final.String())
	return err
}

func (c *Coordinator) runMonitor(gen uint64, conn streamConn, vp *vadProcessor, device audio.CaptureDevice, stopCh, monDone chan struct{}) {
	defer close(monDone)
	mon := newQuietMonitor()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-device.Ended():
			// Source revoked or device lost: same teardown as a user stop,
			// terminal state Idle.
			log.Warn("capture source ended")
			go c.teardown(context.Background(), gen, StatusIdle)
			return
		case <-ticker.C:
			if conn.State() == ingest.StateError {
				c.mu.Lock()
				if c.gen == gen {
					c.lastErr = conn.Err()
				}
				c.mu.Unlock()
				go c.teardown(context.Background(), gen, StatusDisconnected)
				return
			}
			switch mon.Tick(vp.HasSpeechTick()) {
			case NoticeNoVoice:
				log.Info("no_voice_warning")
				c.pushNotice(NoticeNoVoice)
			case NoticeVoiceCleared:
				c.pushNotice(NoticeVoiceCleared)
			}
			c.setStatus(classify(time.Since(c.lastSignalTime())))
		}
	}
}

func (c *Coordinator) watchEvents(conn streamConn) {
	for ev := range conn.Events() {
		c.markSignal()
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Coordinator) markSignal() {
	c.lastSignal.Store(time.Now().UnixNano())
}

func (c *Coordinator) lastSignalTime() time.Time {
	return time.Unix(0, c.lastSignal.Load())
}

func (c *Coordinator) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) == s {
		return
	}
	select {
	case c.updates <- s:
	default:
	}
}

func (c *Coordinator) pushNotice(n Notice) {
	select {
	case c.notices <- n:
	default:
	}
}
