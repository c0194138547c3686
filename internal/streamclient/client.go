// Package streamclient talks to the reasoning backend: it opens query
// streams and calls the non-streaming companion endpoint.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/querystream/internal/middleware"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/sse"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

const (
	// StreamPath is the query stream endpoint.
	StreamPath = "/api/v1/query/stream"
	// ChatPath is the companion endpoint.
	ChatPath = "/api/v1/chat"
	// UserHeader carries the caller identity.
	UserHeader = middleware.UserHeader
)

// ErrOpen wraps every failure to establish a query stream.
var ErrOpen = errors.New("failed to open query stream")

// Config configures the backend client.
type Config struct {
	BaseURL string
	// SigningSecret, when set, signs a short-lived HS256 token for the caller.
	SigningSecret string
	TokenTTL      time.Duration
	// ChatTimeout bounds companion calls. Streams have no overall timeout.
	ChatTimeout time.Duration
}

// Client opens query streams against the reasoning backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a backend client. The HTTP client only bounds connection
// setup; a stalled stream stays open until its context is cancelled.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     log,
	}
}

// Stream is an open query stream. It is owned by whoever opened it.
type Stream struct {
	body    io.ReadCloser
	decoder *sse.Decoder
}

// Next returns the next decoded event, or io.EOF at the end of the stream.
func (s *Stream) Next() (model.StreamEvent, error) {
	return s.decoder.Next()
}

// Close aborts the connection.
func (s *Stream) Close() error {
	metrics.StreamsActive.Dec()
	return s.body.Close()
}

// Open starts a query stream. Cancelling ctx aborts the connection.
func (c *Client) Open(ctx context.Context, req model.QueryRequest) (*Stream, error) {
	httpReq, err := c.newRequest(ctx, StreamPath, req, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, errorBody(resp))
	}

	metrics.StreamsActive.Inc()
	return &Stream{
		body:    resp.Body,
		decoder: sse.NewDecoder(resp.Body, c.logger),
	}, nil
}

// Chat calls the non-streaming companion endpoint.
func (c *Client) Chat(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, ChatPath, req, req.UserID)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat request failed: %s", errorBody(resp))
	}

	var out model.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, path string, body any, userID string) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	if c.cfg.SigningSecret != "" && userID != "" {
		token, err := c.signToken(userID)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

func (c *Client) signToken(userID string) (string, error) {
	return middleware.IssueToken(c.cfg.SigningSecret, userID, c.cfg.TokenTTL)
}

func errorBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
