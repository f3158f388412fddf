package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"minuta/log"
)

// expirySlack keeps us from presenting a token that would expire mid-handshake.
const expirySlack = 10 * time.Second

// Token authorizes streaming for one session id. Lives in process memory
// only; never persisted.
type Token struct {
	Value     string
	SessionID string
	IssuedAt  time.Time
	TTL       time.Duration
}

// ValidFor reports whether the token can be used for the given session:
// the embedded session id must match and the TTL must not be exhausted.
func (t Token) ValidFor(sessionID string) bool {
	if t.Value == "" || t.SessionID != sessionID {
		return false
	}
	if t.TTL <= 0 {
		return false
	}
	return time.Since(t.IssuedAt) < t.TTL-expirySlack
}

// TokenFetcher is the token endpoint; satisfied by *Client.
type TokenFetcher interface {
	FetchToken(ctx context.Context, sessionID string) (Token, error)
}

// TokenManager caches one token and refreshes it when the session id
// changes or the TTL runs out. Concurrent callers for the same session id
// share a single in-flight fetch.
type TokenManager struct {
	fetcher TokenFetcher

	mu      sync.Mutex
	cached  Token
	pending *pendingFetch
}

type pendingFetch struct {
	sessionID string
	done      chan struct{}
	tok       Token
	err       error
}

func NewTokenManager(fetcher TokenFetcher) *TokenManager {
	return &TokenManager{fetcher: fetcher}
}

// Ensure returns a token valid for sessionID, fetching if the cached one is
// missing, expired, or scoped to a different session. Fetch failures wrap
// ErrTokenUnavailable and are not retried here.
func (m *TokenManager) Ensure(ctx context.Context, sessionID string) (Token, error) {
	m.mu.Lock()
	if m.cached.ValidFor(sessionID) {
		tok := m.cached
		m.mu.Unlock()
		log.TokenFetch(sessionID, 0, true)
		return tok, nil
	}
	if p := m.pending; p != nil && p.sessionID == sessionID {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.tok, p.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	p := &pendingFetch{sessionID: sessionID, done: make(chan struct{})}
	m.pending = p
	m.mu.Unlock()

	tok, err := m.fetcher.FetchToken(ctx, sessionID)
	if err != nil {
		err = fmt.Errorf("session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	p.tok, p.err = tok, err
	close(p.done)
	if m.pending == p {
		m.pending = nil
	}
	if err == nil {
		m.cached = tok
	}
	m.mu.Unlock()

	return tok, err
}

// Reset drops the cached token. Called on session end.
func (m *TokenManager) Reset() {
	m.mu.Lock()
	m.cached = Token{}
	m.mu.Unlock()
}
