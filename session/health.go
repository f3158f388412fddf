package session

import "time"

// Status classifies the session from the age of the last observed signal,
// an emitted frame or a server event.
type Status int

const (
	StatusIdle Status = iota
	StatusLive
	StatusStalled
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLive:
		return "live"
	case StatusStalled:
		return "stalled"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	statusLiveMax    = 6 * time.Second
	statusStalledMax = 15 * time.Second
)

func classify(sinceSignal time.Duration) Status {
	switch {
	case sinceSignal < statusLiveMax:
		return StatusLive
	case sinceSignal < statusStalledMax:
		return StatusStalled
	default:
		return StatusDisconnected
	}
}

// Notice is an advisory speech-presence event for the embedding UI.
type Notice int

const (
	NoticeNone Notice = iota
	// NoticeNoVoice means the source is connected but has carried no speech,
	// e.g. the wrong tab is shared or the microphone is muted.
	NoticeNoVoice
	// NoticeVoiceCleared means speech resumed after a NoticeNoVoice.
	NoticeVoiceCleared
)

const (
	tickInterval     = 100 * time.Millisecond
	quietWarnAfter   = 8 * time.Second
	quietWindow      = 15 * time.Second
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear the warning (hysteresis)
)

// quietMonitor tracks speech presence over a sliding window of ticks and
// raises a warning after a sustained quiet stretch.
type quietMonitor struct {
	warnAt   int
	windowSz int

	ticks  int
	window []bool
	warned bool
}

func newQuietMonitor() *quietMonitor {
	warnAt := int(quietWarnAfter / tickInterval)
	windowSz := int(quietWindow / tickInterval)
	return &quietMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		window:   make([]bool, windowSz),
	}
}

func (m *quietMonitor) ratio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *quietMonitor) Tick(hasSpeech bool) Notice {
	m.window[m.ticks%m.windowSz] = hasSpeech
	m.ticks++

	r := m.ratio(m.warnAt)

	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		return NoticeNoVoice
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return NoticeVoiceCleared
	}
	return NoticeNone
}
