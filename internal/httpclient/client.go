// Package httpclient implements Component A of the pricing engine: a
// per-source rate-limited, concurrency-bounded, optionally-proxied HTTP
// client. It is deliberately source-agnostic — adapters (internal/source)
// layer the error taxonomy on top of the plain responses and errors this
// package returns.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketfeed/quoteproxy/internal/circuitbreaker"
)

// Config mirrors spec §3's SourceAdapterConfig fields relevant to Component A.
type Config struct {
	Source          string
	BaseURL         string
	Timeout         time.Duration
	RPS             *float64 // nil = unlimited
	MaxConcurrent   int
	ProxyURL        string // empty = no proxy
	DefaultParams   map[string]string
	DefaultHeaders  map[string]string
}

// Response is what Get returns on a completed (possibly non-2xx) request.
type Response struct {
	Status  int
	Headers http.Header
	Data    []byte
}

// Client is a rate-limited, concurrency-bounded HTTP client for one source.
type Client struct {
	cfg     Config
	http    *http.Client
	bucket  *tokenBucket // nil when unlimited
	sem     semaphore
	breaker *circuitbreaker.Breaker // optional, shared across a source's clients
}

// New builds a Client for one source's configuration.
func New(cfg Config, breaker *circuitbreaker.Breaker) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpclient: %s: invalid proxy url: %w", cfg.Source, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		sem:     newSemaphore(cfg.MaxConcurrent),
		breaker: breaker,
	}
	if cfg.RPS != nil {
		c.bucket = newTokenBucket(*cfg.RPS)
	}
	return c, nil
}

// Get issues a GET request to path, merging defaultParams with per-call
// params (per-call wins on collision) and defaultHeaders with per-call
// headers. It enforces the token bucket, the maxConcurrent semaphore, and
// the per-request timeout, returning a context.DeadlineExceeded-wrapping
// error on timeout.
func (c *Client) Get(ctx context.Context, path string, params, headers map[string]string) (*Response, error) {
	if c.breaker != nil && !c.breaker.Allow(c.cfg.Source) {
		return nil, fmt.Errorf("httpclient: %s: circuit open", c.cfg.Source)
	}

	if c.bucket != nil {
		if err := c.bucket.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.sem.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.release()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	fullURL, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %s: build request: %w", c.cfg.Source, err)
	}
	for k, v := range c.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("httpclient: %s: %w", c.cfg.Source, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("httpclient: %s: read body: %w", c.cfg.Source, err)
	}

	if resp.StatusCode >= 500 {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Data: data}, nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure(c.cfg.Source)
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess(c.cfg.Source)
	}
}

func (c *Client) buildURL(path string, params map[string]string) (string, error) {
	base := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("httpclient: %s: invalid base url: %w", c.cfg.Source, err)
	}

	q := u.Query()
	for k, v := range c.cfg.DefaultParams {
		q.Set(k, v)
	}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RedactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. when logging a configured proxy URL (spec §4.A: "proxy URL
// credentials are redacted in logs").
func RedactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
