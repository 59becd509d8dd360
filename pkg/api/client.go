// Package api implements the HTTP client for the drive server: share and
// link metadata, folder listings, uploads, downloads, batch operations,
// and the per-share event feed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/queue"
	"github.com/fruitsalade/pomelo/pkg/retry"
)

// Client talks to the drive server with retry, online tracking, and
// in-flight read deduplication.
type Client struct {
	baseURL     string
	clientID    string
	httpClient  *http.Client
	retryConfig retry.Config
	dedup       queue.Dedup

	mu        sync.RWMutex
	online    bool
	lastSeen  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	ClientID    string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		clientID: cfg.ClientID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// IsOnline returns true if the server was reachable on the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online")
		} else {
			logging.Warn("server is offline")
		}
	}
	c.online = online
	c.lastSeen = time.Now()
}

func (c *Client) applyHeaders(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.setOnline(true)
	return nil
}

// do performs one JSON request with retry and decodes the response into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.applyHeaders(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		metrics.RecordAPIRequest(method, path, resp.StatusCode, time.Since(start))

		if resp.StatusCode >= 400 {
			return c.handleError(method, path, resp)
		}

		c.setOnline(true)
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	})
}

// doDeduped collapses concurrent identical GETs onto one request. The
// result type must match across callers of the same path.
func doDeduped[T any](c *Client, ctx context.Context, path string) (T, error) {
	v, err := c.dedup.Do(path, func() (interface{}, error) {
		var out T
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Client) handleError(method, path string, resp *http.Response) error {
	var apiErr protocol.ErrorResponse
	decoded := json.NewDecoder(resp.Body).Decode(&apiErr) == nil

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.setOnline(true)
		wait := 5 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return retry.RetryableAfter(fmt.Errorf("rate limited on %s %s", method, path), wait)

	case resp.StatusCode >= 500:
		c.setOnline(false)
		return retry.Retryable(fmt.Errorf("server error on %s %s: %d", method, path, resp.StatusCode))

	case resp.StatusCode == http.StatusNotFound:
		c.setOnline(true)
		return &models.NotFoundError{}

	case resp.StatusCode == http.StatusConflict:
		c.setOnline(true)
		if decoded {
			return &Error{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
		}
		return &Error{Status: resp.StatusCode, Message: "conflict"}
	}

	c.setOnline(true)
	if decoded {
		return &Error{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}
	return &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}

// Error is a non-retryable server rejection carrying the wire error code.
type Error struct {
	Status  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// ErrorCode extracts the wire error code from an error chain, 0 if none.
func ErrorCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return 0
}
