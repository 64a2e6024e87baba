// Package backend speaks the scanning backend's wire contract: one POST that
// answers with a long-lived NDJSON body.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	"github.com/khanhnv2901/arachne-lens/internal/infrastructure/stream"
	consts "github.com/khanhnv2901/arachne-lens/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// Config describes how to reach the scanning backend.
type Config struct {
	BaseURL  string
	ScanPath string
	// ConnectTimeout bounds dialing and waiting for response headers.
	// The body itself may stream for as long as the crawl takes.
	ConnectTimeout time.Duration
	// Retries is the number of connection attempts. Values below 1 mean one attempt.
	Retries   int
	ChunkSize int
	UserAgent string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BaseURL:        consts.DefaultBackendURL,
		ScanPath:       consts.DefaultScanPath,
		ConnectTimeout: consts.DefaultConnectTimeout,
		Retries:        consts.DefaultConnectRetries,
		ChunkSize:      consts.DefaultChunkSize,
		UserAgent:      consts.DefaultUserAgent,
	}
}

// Client opens scan streams against the backend.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates cfg and builds an instrumented HTTP client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.ScanPath == "" {
		cfg.ScanPath = def.ScanPath
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint, err := joinEndpoint(cfg.BaseURL, cfg.ScanPath)
	if err != nil {
		return nil, err
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		// No Client.Timeout: it would cut the stream off mid-crawl.
		httpClient: &http.Client{Transport: otelhttp.NewTransport(base)},
		logger:     logger,
	}, nil
}

// Endpoint is the absolute URL scans are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// OpenScan posts req and returns the response body as a ByteSource.
//
// Only failures to establish the connection are retried, with exponential backoff.
// Anything that can happen after the request was written (header timeout, reset,
// any response) is final, so the backend never receives the same scan twice. A
// non-2xx status becomes an *HTTPError carrying the backend's {"error": ...}
// message when there is one.
func (c *Client) OpenScan(ctx context.Context, req scan.ScanRequest) (stream.ByteSource, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode scan request: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.cfg.Retries-1)), ctx)

	var resp *http.Response
	attempt := 0
	operation := func() error {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/x-ndjson, application/json")
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)

		r, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("backend connection failed",
					zap.String("endpoint", c.endpoint),
					zap.Int("attempt", attempt),
					zap.Bool("retryable", isDialError(err)),
					zap.Error(err))
			}
			if !isDialError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &sharedErrors.TransportError{Op: "connect to scanning backend", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}

	c.logger.Debug("scan stream opened",
		zap.String("endpoint", c.endpoint),
		zap.String("target", req.URL),
		zap.Int("status", resp.StatusCode))

	return stream.NewReaderSource(resp.Body, c.cfg.ChunkSize), nil
}

// isDialError reports whether err happened while connecting, before any byte of
// the request reached the backend.
func isDialError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func readHTTPError(resp *http.Response) error {
	httpErr := &sharedErrors.HTTPError{Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, consts.MaxErrorBodyBytes))
	if err != nil || len(body) == 0 {
		return httpErr
	}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		httpErr.Message = strings.TrimSpace(payload.Error)
	}
	return httpErr
}

func joinEndpoint(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid backend URL %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid backend URL %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid backend URL %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}
