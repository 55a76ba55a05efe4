// Package stream implements crawler.AttemptFetcher on net/http for large
// bodies that should be streamed to disk rather than buffered.
package stream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
)

const defaultTimeout = 60 * time.Second

// Config controls the underlying client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher streams response bodies. The per-request timeout covers the whole
// exchange, body included, and is released when the body is closed.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher with its own pooled transport.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConns:          20,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Fetch performs one request. Status codes >= 400 are returned as
// *crawler.StatusError with the body already drained and closed.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (*crawler.FetchResponse, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, request.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request %s: %w", request.URL, err)
	}
	for key, values := range request.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream fetch %s: %w", request.URL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		cancel()
		return nil, &crawler.StatusError{URL: request.URL, StatusCode: resp.StatusCode}
	}

	// An explicit Accept-Encoding turns off net/http's transparent gzip.
	body, err := crawler.DecompressBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		cancel()
		return nil, err
	}
	return &crawler.FetchResponse{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       &cancelOnClose{ReadCloser: body, cancel: cancel},
		Duration:   time.Since(start),
	}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
