package session

import (
	"testing"
	"time"
)

func feedN(m *quietMonitor, speech bool, n int) Notice {
	var last Notice
	for i := 0; i < n; i++ {
		last = m.Tick(speech)
	}
	return last
}

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		name  string
		since time.Duration
		want  Status
	}{
		{"fresh signal", 0, StatusLive},
		{"just under live", statusLiveMax - time.Millisecond, StatusLive},
		{"live boundary", statusLiveMax, StatusStalled},
		{"just under stalled", statusStalledMax - time.Millisecond, StatusStalled},
		{"stalled boundary", statusStalledMax, StatusDisconnected},
		{"long gone", time.Minute, StatusDisconnected},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.since); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.since, got, tt.want)
			}
		})
	}
}

func TestQuietWarnAfterSustainedSilence(t *testing.T) {
	m := newQuietMonitor()
	// 79 ticks of silence, no warning yet
	for i := 0; i < 79; i++ {
		if ev := m.Tick(false); ev != NoticeNone {
			t.Fatalf("unexpected notice at tick %d: %d", i, ev)
		}
	}
	// 80th tick crosses the 8s threshold
	if ev := m.Tick(false); ev != NoticeNoVoice {
		t.Fatalf("expected NoticeNoVoice at tick 80, got %d", ev)
	}
}

func TestQuietWarnClearsOnSpeech(t *testing.T) {
	m := newQuietMonitor()
	feedN(m, false, 80) // triggers the warning

	// Sustained speech clears it (needs 25% of the 80-tick window)
	for i := 0; i < 80; i++ {
		if ev := m.Tick(true); ev == NoticeVoiceCleared {
			return
		}
	}
	t.Fatal("expected NoticeVoiceCleared after speech")
}

func TestQuietNoWarnDuringSpeech(t *testing.T) {
	m := newQuietMonitor()
	for i := 0; i < 300; i++ {
		if ev := m.Tick(true); ev == NoticeNoVoice {
			t.Fatalf("unexpected warning during speech at tick %d", i)
		}
	}
}

func TestQuietWarnsOnlyOnce(t *testing.T) {
	m := newQuietMonitor()
	warned := 0
	for i := 0; i < 400; i++ {
		if m.Tick(false) == NoticeNoVoice {
			warned++
		}
	}
	if warned != 1 {
		t.Fatalf("warned %d times during continuous silence, want 1", warned)
	}
}
