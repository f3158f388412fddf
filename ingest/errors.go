package ingest

import "errors"

var (
	// ErrTokenUnavailable means the token endpoint failed or a session-id
	// mismatch could not be resolved. Never retried automatically.
	ErrTokenUnavailable = errors.New("ingest token unavailable")

	// ErrChannel covers transport-level failures and server-reported error
	// events on the streaming channel.
	ErrChannel = errors.New("stream channel error")
)
