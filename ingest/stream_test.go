package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"minuta/encoder"
)

// startWS runs an in-process ingest endpoint and returns its ws:// URL.
// The handler owns the accepted connection for the test's lifetime.
func startWS(t *testing.T, handler func(ws *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		handler(ws, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func TestDialSendsStartMessage(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotStart := make(chan map[string]any, 1)
	url := startWS(t, func(ws *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		_, data, err := ws.Read(context.Background())
		if err != nil {
			t.Errorf("reading start: %v", err)
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Errorf("start message not json: %v", err)
			return
		}
		gotStart <- m
		ws.Read(context.Background()) // hold open until the client closes
	})

	conn, err := Dial(context.Background(), StreamConfig{
		URL:        url,
		Token:      Token{Value: "tk-1", SessionID: "s1"},
		Platform:   "meet",
		MeetingRef: "abc-defg-hij",
		Language:   "en-US",
		Source:     "tab",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if auth := <-gotAuth; auth != "Bearer tk-1" {
		t.Errorf("Authorization = %q", auth)
	}

	var msg map[string]any
	select {
	case msg = <-gotStart:
	case <-time.After(2 * time.Second):
		t.Fatal("start message never arrived")
	}

	if msg["type"] != "start" {
		t.Errorf("type = %v", msg["type"])
	}
	if msg["platform"] != "meet" || msg["platform_meeting_ref"] != "abc-defg-hij" {
		t.Errorf("platform fields = %v / %v", msg["platform"], msg["platform_meeting_ref"])
	}
	if msg["language_code"] != "en-US" {
		t.Errorf("language_code = %v", msg["language_code"])
	}
	if msg["frame_ms"] != float64(encoder.FrameMs) {
		t.Errorf("frame_ms = %v", msg["frame_ms"])
	}
	audio, ok := msg["audio"].(map[string]any)
	if !ok {
		t.Fatalf("audio block missing: %v", msg)
	}
	if audio["codec"] != "PCM_S16LE" {
		t.Errorf("codec = %v", audio["codec"])
	}
	if audio["sample_rate_hz"] != float64(encoder.SampleRate) {
		t.Errorf("sample_rate_hz = %v", audio["sample_rate_hz"])
	}
	if audio["channels"] != float64(encoder.Channels) {
		t.Errorf("channels = %v", audio["channels"])
	}
	sid, _ := msg["stream_id"].(string)
	if !strings.HasPrefix(sid, "tab_") {
		t.Errorf("stream_id = %q, want tab_ prefix", sid)
	}
	if conn.StreamID() != sid {
		t.Errorf("StreamID() = %q, sent %q", conn.StreamID(), sid)
	}

	if conn.State() != StateStarting {
		t.Errorf("state before ack = %v", conn.State())
	}
}

func TestFramesHeldUntilAck(t *testing.T) {
	sendAck := make(chan struct{})
	frames := make(chan []byte, 4)
	url := startWS(t, func(ws *websocket.Conn, r *http.Request) {
		ctx := context.Background()
		if _, _, err := ws.Read(ctx); err != nil {
			t.Errorf("reading start: %v", err)
			return
		}
		<-sendAck
		if err := ws.Write(ctx, websocket.MessageText, []byte(`{"event":"audio_start_ack"}`)); err != nil {
			t.Errorf("writing ack: %v", err)
			return
		}
		for i := 0; i < 3; i++ {
			_, data, err := ws.Read(ctx)
			if err != nil {
				t.Errorf("reading frame %d: %v", i, err)
				return
			}
			frames <- data
		}
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), StreamConfig{
		URL: url, Token: Token{Value: "tk"}, Source: "mic",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		frame := make([]byte, encoder.FrameBytes)
		frame[0] = byte(i + 1)
		conn.Send(frame)
	}

	// No transmission before the ack.
	time.Sleep(100 * time.Millisecond)
	if got := conn.Stats().SentFrames; got != 0 {
		t.Fatalf("sent %d frames before ack", got)
	}
	if conn.State() != StateStarting {
		t.Fatalf("state before ack = %v", conn.State())
	}

	close(sendAck)
	waitState(t, conn, StateStreaming)

	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			if len(f) != encoder.FrameBytes {
				t.Errorf("frame %d: %d bytes, want %d", i, len(f), encoder.FrameBytes)
			}
			if f[0] != byte(i+1) {
				t.Errorf("frame %d arrived out of order: marker %d", i, f[0])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived after ack", i)
		}
	}

	if peak := conn.Stats().HeldPeak; peak < 3 {
		t.Errorf("HeldPeak = %d, want >= 3", peak)
	}
}

func TestServerErrorEndsStream(t *testing.T) {
	url := startWS(t, func(ws *websocket.Conn, r *http.Request) {
		ctx := context.Background()
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		ws.Write(ctx, websocket.MessageText, []byte(`{"event":"error","message":"quota exceeded"}`))
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), StreamConfig{
		URL: url, Token: Token{Value: "tk"}, Source: "tab",
	})
	if err != nil {
		t.Fatal(err)
	}

	waitState(t, conn, StateError)

	if msg := conn.ErrorMessage(); msg != "quota exceeded" {
		t.Errorf("ErrorMessage = %q", msg)
	}
	if !errors.Is(conn.Err(), ErrChannel) {
		t.Errorf("Err = %v, want ErrChannel", conn.Err())
	}

	// Frames after the failure are dropped, not queued.
	conn.Send(make([]byte, encoder.FrameBytes))
	if got := conn.Stats().SentFrames; got != 0 {
		t.Errorf("sent %d frames after error", got)
	}

	if err := conn.Close(); !errors.Is(err, ErrChannel) {
		t.Errorf("Close = %v, want recorded error", err)
	}
	if conn.State() != StateError {
		t.Errorf("state after close = %v, want error", conn.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := startWS(t, func(ws *websocket.Conn, r *http.Request) {
		ctx := context.Background()
		ws.Read(ctx)
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), StreamConfig{
		URL: url, Token: Token{Value: "tk"}, Source: "mic",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if conn.State() != StateIdle {
		t.Errorf("state after close = %v, want idle", conn.State())
	}
}

func TestEventsForwarded(t *testing.T) {
	url := startWS(t, func(ws *websocket.Conn, r *http.Request) {
		ctx := context.Background()
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		ws.Write(ctx, websocket.MessageText, []byte(`{"event":"audio_start_ack"}`))
		ws.Write(ctx, websocket.MessageText, []byte(`{"event":"transcript_partial","text":"hello"}`))
		ws.Read(ctx)
	})

	conn, err := Dial(context.Background(), StreamConfig{
		URL: url, Token: Token{Value: "tk"}, Source: "tab",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case ev := <-conn.Events():
		if ev.Name != "transcript_partial" {
			t.Errorf("event = %q", ev.Name)
		}
		var body map[string]any
		if err := json.Unmarshal(ev.Raw, &body); err != nil {
			t.Fatalf("raw payload: %v", err)
		}
		if body["text"] != "hello" {
			t.Errorf("payload = %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never forwarded")
	}
}
