package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"os"
	"time"

	"minuta/log"
)

type NetworkMetrics struct {
	DNS        time.Duration
	ConnWait   time.Duration
	TCP        time.Duration
	TLS        time.Duration
	ReqHeaders time.Duration
	ReqBody    time.Duration
	TTFB       time.Duration
	Download   time.Duration
	Total      time.Duration
	ConnReused bool
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

// Config locates the external collaborators: the REST API (token endpoint,
// archival upload) and the streaming ingest endpoint.
type Config struct {
	APIURL    string // e.g. https://api.example.com
	IngestURL string // e.g. wss://ingest.example.com/v1/stream
	APIKey    string
}

func ConfigFromEnv() Config {
	return Config{
		APIURL:    os.Getenv("MINUTA_API_URL"),
		IngestURL: os.Getenv("MINUTA_INGEST_URL"),
		APIKey:    os.Getenv("MINUTA_API_KEY"),
	}
}

// Client is the REST collaborator. Requests run through an
// httptrace-instrumented transport so connection timings land in the
// diagnostic log alongside the stream metrics.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type tracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    *NetworkMetrics
}

func (c *Client) do(req *http.Request) (*tracedResponse, error) {
	metrics := &NetworkMetrics{}
	var getConnStart, dnsStart, tcpStart, tlsStart time.Time
	var gotConn, wroteHeaders, wroteRequest, firstByte time.Time

	trace := &httptrace.ClientTrace{
		GetConn: func(_ string) { getConnStart = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			gotConn = time.Now()
			metrics.ConnWait = gotConn.Sub(getConnStart)
			metrics.ConnReused = info.Reused
		},
		DNSStart:          func(_ httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:           func(_ httptrace.DNSDoneInfo) { metrics.DNS = time.Since(dnsStart) },
		ConnectStart:      func(_, _ string) { tcpStart = time.Now() },
		ConnectDone:       func(_, _ string, _ error) { metrics.TCP = time.Since(tcpStart) },
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone:  func(_ tls.ConnectionState, _ error) { metrics.TLS = time.Since(tlsStart) },
		WroteHeaders: func() {
			wroteHeaders = time.Now()
			metrics.ReqHeaders = wroteHeaders.Sub(gotConn)
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			wroteRequest = time.Now()
			metrics.ReqBody = wroteRequest.Sub(wroteHeaders)
		},
		GotFirstResponseByte: func() {
			firstByte = time.Now()
			metrics.TTFB = firstByte.Sub(wroteRequest)
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	reqStart := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	metrics.Download = time.Since(firstByte)
	metrics.Total = time.Since(reqStart)

	return &tracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    metrics,
	}, nil
}

type tokenResponse struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// FetchToken requests a streaming token scoped to sessionID. Failures wrap
// ErrTokenUnavailable; the caller decides whether to retry.
func (c *Client) FetchToken(ctx context.Context, sessionID string) (Token, error) {
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIURL+"/v1/ingest/tokens", bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: token endpoint returned %d: %s",
			ErrTokenUnavailable, resp.StatusCode, resp.Body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return Token{}, fmt.Errorf("%w: parsing token response: %v", ErrTokenUnavailable, err)
	}

	log.TokenFetch(sessionID, float64(resp.Metrics.Total.Milliseconds()), false)

	return Token{
		Value:     tr.Token,
		SessionID: sessionID,
		IssuedAt:  time.Now(),
		TTL:       time.Duration(tr.TTLSeconds) * time.Second,
	}, nil
}

// HasArchive probes whether the server already holds a finalized archival
// blob for the session. Used to avoid overwriting a finished artifact.
func (c *Client) HasArchive(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		c.cfg.APIURL+"/v1/sessions/"+sessionID+"/archive", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("archive probe returned %d", resp.StatusCode)
	}
}

// UploadArchive sends the complete archival blob for the session. One blob
// per session; idempotency is the server's contract.
func (c *Client) UploadArchive(ctx context.Context, sessionID string, blob []byte) (*NetworkMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.cfg.APIURL+"/v1/sessions/"+sessionID+"/archive", bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/flac")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return resp.Metrics, fmt.Errorf("archive upload returned %d: %s", resp.StatusCode, resp.Body)
	}
	return resp.Metrics, nil
}

// IngestURL exposes the streaming endpoint for the session coordinator.
func (c *Client) IngestURL() string { return c.cfg.IngestURL }
