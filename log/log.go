package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

func ResolveDir(override string) (string, error) {
	// Priority 1: explicit override from the embedding application
	if override != "" {
		if !filepath.IsAbs(override) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, override), nil
		}
		return override, nil
	}

	// Priority 2: MINUTA_LOG_PATH environment variable
	envPath := os.Getenv("MINUTA_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	f, err := os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	diagFile = f

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(sessionID, platform, source string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("platform", platform).
		Str("source", source).
		Msg("session_start")
}

func SessionEnd(sessionID, status string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("status", status).
		Msg("session_end")
}

type StreamMetricsData struct {
	ConnectMs   float64
	TotalMs     float64
	AudioS      float64
	SentFrames  int
	SentKB      float64
	HeldFrames  int
	RecvEvents  int
	CloseReason string
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("connect_ms", m.ConnectMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_frames", m.SentFrames).
		Float64("sent_kb", m.SentKB).
		Int("held_frames", m.HeldFrames).
		Int("recv_events", m.RecvEvents).
		Str("close_reason", m.CloseReason).
		Msg("stream_session")
}

type UploadMetricsData struct {
	AudioS     float64
	RawKB      float64
	EncodedKB  float64
	EncodeMs   float64
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	ConnReused bool
	Segments   int
}

func UploadMetrics(m UploadMetricsData) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	diagLog.Info().
		Float64("audio_s", m.AudioS).
		Float64("raw_kb", m.RawKB).
		Float64("encoded_kb", m.EncodedKB).
		Float64("encode_ms", m.EncodeMs).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Str("conn", connStatus).
		Int("segments", m.Segments).
		Msg("archive_upload")
}

func TokenFetch(sessionID string, totalMs float64, cached bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Float64("total_ms", totalMs).
		Bool("cached", cached).
		Msg("token_fetch")
}
