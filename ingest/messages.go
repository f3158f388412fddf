package ingest

import (
	"encoding/json"

	"github.com/google/uuid"
)

// AudioParams describes the streamed frame format. The values are fixed by
// the encoder package; they travel in the start message so the server can
// validate before allocating session state.
type AudioParams struct {
	Codec        string `json:"codec"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// startMessage is sent exactly once, immediately after the socket opens.
type startMessage struct {
	Type         string      `json:"type"`
	Platform     string      `json:"platform"`
	MeetingRef   string      `json:"platform_meeting_ref"`
	Audio        AudioParams `json:"audio"`
	LanguageCode string      `json:"language_code"`
	FrameMs      int         `json:"frame_ms"`
	StreamID     string      `json:"stream_id"`
	ClientTsMs   int64       `json:"client_ts_ms"`
}

// serverEvent is the envelope for everything the server pushes.
type serverEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

const (
	eventAudioStartAck = "audio_start_ack"
	eventError         = "error"
)

// Event is a server push other than the ack/error control events: live
// recap, topics, action items. The pipeline forwards these untouched for the
// embedding UI to consume.
type Event struct {
	Name string
	Raw  json.RawMessage
}

// NewStreamID builds a client-generated stream id carrying the source mode,
// e.g. "tab_6f1c...".
func NewStreamID(source string) string {
	return source + "_" + uuid.NewString()
}
