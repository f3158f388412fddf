package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"minuta/encoder"
	"minuta/log"
)

// State is the streaming channel lifecycle. A Conn only ever moves forward:
// Idle -> Starting -> Streaming -> {Idle, Error}; reconnecting means a new Conn.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type StreamConfig struct {
	URL        string
	Token      Token
	Platform   string
	MeetingRef string
	Language   string
	Source     string // stream id prefix: "tab" or "mic"
	StreamID   string // generated from Source when empty
}

type StreamStats struct {
	ConnectDur time.Duration
	SentFrames int
	SentBytes  uint64
	HeldPeak   int // most frames ever withheld waiting for the ack
	RecvEvents int
	SessionDur time.Duration
}

// Conn is one streaming attempt. Frames queue until the server acknowledges
// the start message; the producer side never blocks and never reorders.
type Conn struct {
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	streamID string

	state   atomic.Int32
	acked   chan struct{}
	ackOnce sync.Once
	events  chan Event

	pendMu   sync.Mutex
	pending  [][]byte
	heldPeak int
	kick     chan struct{}

	sendDone chan struct{}
	recvDone chan struct{}

	mu        sync.Mutex
	err       error
	errOnce   sync.Once
	errMsg    string
	closing   bool
	stats     StreamStats
	startedAt time.Time

	closeOnce sync.Once
}

// Dial opens the channel and sends the start message. The returned Conn is
// in Starting state; it moves to Streaming on the server's ack.
func Dial(ctx context.Context, cfg StreamConfig) (*Conn, error) {
	streamID := cfg.StreamID
	if streamID == "" {
		streamID = NewStreamID(cfg.Source)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.Token.Value)

	connectStart := time.Now()
	ws, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrChannel, cfg.URL, err)
	}

	start := startMessage{
		Type:       "start",
		Platform:   cfg.Platform,
		MeetingRef: cfg.MeetingRef,
		Audio: AudioParams{
			Codec:        "PCM_S16LE",
			SampleRateHz: encoder.SampleRate,
			Channels:     encoder.Channels,
		},
		LanguageCode: cfg.Language,
		FrameMs:      encoder.FrameMs,
		StreamID:     streamID,
		ClientTsMs:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(start)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("%w: encoding start message: %v", ErrChannel, err)
	}
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("%w: sending start message: %v", ErrChannel, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:        ws,
		ctx:       connCtx,
		cancel:    cancel,
		streamID:  streamID,
		acked:     make(chan struct{}),
		events:    make(chan Event, 16),
		kick:      make(chan struct{}, 1),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		startedAt: time.Now(),
	}
	c.stats.ConnectDur = time.Since(connectStart)
	c.state.Store(int32(StateStarting))

	go c.runReceiver()
	go c.runSender()

	return c, nil
}

func (c *Conn) State() State     { return State(c.state.Load()) }
func (c *Conn) StreamID() string { return c.streamID }

// Events exposes server pushes other than the ack and error control events.
// Closed when the connection shuts down.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ErrorMessage returns the server-supplied error text, if any.
func (c *Conn) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

func (c *Conn) Stats() StreamStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	c.pendMu.Lock()
	s.HeldPeak = c.heldPeak
	c.pendMu.Unlock()
	return s
}

// Send queues one frame for transmission. Never blocks: before the ack the
// frame is withheld, after an error it is dropped (best-effort delivery).
func (c *Conn) Send(frame []byte) {
	if len(frame) == 0 {
		return
	}
	switch c.State() {
	case StateError, StateIdle:
		return
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	c.pendMu.Lock()
	c.pending = append(c.pending, cp)
	if n := len(c.pending); n > c.heldPeak {
		c.heldPeak = n
	}
	c.pendMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Conn) runSender() {
	defer close(c.sendDone)

	// Gate: nothing is transmitted before the server ack.
	select {
	case <-c.acked:
	case <-c.ctx.Done():
		return
	}

	for {
		c.pendMu.Lock()
		batch := c.pending
		c.pending = nil
		c.pendMu.Unlock()

		for _, f := range batch {
			if err := c.ws.Write(c.ctx, websocket.MessageBinary, f); err != nil {
				c.mu.Lock()
				closing := c.closing
				c.mu.Unlock()
				if !closing {
					c.setErr(fmt.Errorf("%w: writing frame: %v", ErrChannel, err))
				}
				return
			}
			c.mu.Lock()
			c.stats.SentFrames++
			c.stats.SentBytes += uint64(len(f))
			c.mu.Unlock()
		}

		select {
		case <-c.kick:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) runReceiver() {
	defer close(c.recvDone)
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				return
			}
			c.setErr(fmt.Errorf("%w: %v", ErrChannel, err))
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		c.mu.Lock()
		c.stats.RecvEvents++
		c.mu.Unlock()

		switch ev.Event {
		case eventAudioStartAck:
			c.state.CompareAndSwap(int32(StateStarting), int32(StateStreaming))
			c.ackOnce.Do(func() { close(c.acked) })
		case eventError:
			c.mu.Lock()
			c.errMsg = ev.Message
			c.mu.Unlock()
			c.setErr(fmt.Errorf("%w: server: %s", ErrChannel, ev.Message))
			return
		default:
			raw := make(json.RawMessage, len(data))
			copy(raw, data)
			select {
			case c.events <- Event{Name: ev.Event, Raw: raw}:
			default:
				// Slow consumer; status events are advisory.
			}
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.state.Store(int32(StateError))
		c.cancel()
		c.ws.Close(websocket.StatusInternalError, "stream error")
	})
}

// Close tears the connection down. Idempotent; safe from any state. The
// terminal state is Idle unless an error was recorded first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		// Give the sender a moment to drain queued frames. Only useful once
		// the ack opened the gate; before that nothing will drain.
		drainDeadline := time.Now().Add(500 * time.Millisecond)
		for c.State() == StateStreaming && time.Now().Before(drainDeadline) {
			c.pendMu.Lock()
			n := len(c.pending)
			c.pendMu.Unlock()
			if n == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()

		deadline := time.Now().Add(2 * time.Second)
		for _, done := range []<-chan struct{}{c.sendDone, c.recvDone} {
			select {
			case <-done:
			case <-time.After(time.Until(deadline)):
				log.Warn("stream shutdown drain timeout")
			}
		}

		c.state.CompareAndSwap(int32(StateStarting), int32(StateIdle))
		c.state.CompareAndSwap(int32(StateStreaming), int32(StateIdle))

		c.mu.Lock()
		c.stats.SessionDur = time.Since(c.startedAt)
		stats := c.stats
		reason := "clean"
		if c.err != nil {
			reason = c.err.Error()
		}
		c.mu.Unlock()

		close(c.events)

		log.StreamMetrics(log.StreamMetricsData{
			ConnectMs:   float64(stats.ConnectDur.Milliseconds()),
			TotalMs:     float64(stats.SessionDur.Milliseconds()),
			AudioS:      float64(stats.SentBytes) / float64(encoder.SampleRate*encoder.Channels*(encoder.BitsPerSample/8)),
			SentFrames:  stats.SentFrames,
			SentKB:      float64(stats.SentBytes) / 1024,
			HeldFrames:  stats.HeldPeak,
			RecvEvents:  stats.RecvEvents,
			CloseReason: reason,
		})
	})
	return c.Err()
}
