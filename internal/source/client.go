// Package source fetches raw documents from the primary and backup DSN feeds.
// It performs I/O only; decoding lives in the parser package.
package source

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultCacheBustWidth = 5 * time.Second
	cacheBustParam        = "r"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	CacheBustWidth time.Duration
	// Now overrides the wall clock used for cache-busting (tests).
	Now func() time.Time
}

// Response is a successfully fetched document.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Client fetches feed documents using a Colly collector.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheBustWidth <= 0 {
		cfg.CacheBustWidth = defaultCacheBustWidth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.AllowURLRevisit = true
	// Status handling is done here so that every non-2xx maps to a TransportError.
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Client{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves the primary feed. A coarse cache-busting parameter derived
// from the current time bucket is appended to the endpoint.
func (c *Client) Fetch(ctx context.Context, endpoint string) (Response, error) {
	target, err := CacheBustURL(endpoint, c.cfg.Now(), c.cfg.CacheBustWidth)
	if err != nil {
		return Response{}, &TransportError{Endpoint: endpoint, Err: err}
	}
	return c.get(ctx, target)
}

// FetchBackup retrieves the backup feed as is.
func (c *Client) FetchBackup(ctx context.Context, endpoint string) (Response, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return Response{}, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("parse endpoint: %w", err)}
	}
	return c.get(ctx, endpoint)
}

// CacheBustURL appends r=<unix seconds / width> to endpoint, keeping any
// existing query parameters. The value changes once per width.
func CacheBustURL(endpoint string, now time.Time, width time.Duration) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q must be an absolute URL", endpoint)
	}
	seconds := int64(width / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	q := u.Query()
	q.Set(cacheBustParam, strconv.FormatInt(now.Unix()/seconds, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, target string) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := c.baseCollector.Clone()

	collector.OnResponse(func(r *colly.Response) {
		result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.ContentType = r.Headers.Get("Content-Type")
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return Response{}, &TransportError{Endpoint: target, Err: fmt.Errorf("fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err != nil {
			return Response{}, &TransportError{Endpoint: target, Err: fmt.Errorf("visit failed: %w", err)}
		}
		if fetchErr != nil {
			return Response{}, &TransportError{Endpoint: target, Err: fmt.Errorf("response failed: %w", fetchErr)}
		}
	}

	if result.StatusCode < http.StatusOK || result.StatusCode >= http.StatusMultipleChoices {
		return Response{}, &TransportError{Endpoint: target, StatusCode: result.StatusCode}
	}
	c.logger.Debug("feed fetched",
		zap.String("url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Duration("dur", result.Duration),
	)
	return result, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
