// Package fetch provides the HTTP client used for every portal call.
//
// Terminal portals drop connections, stall, and reset sessions without
// warning, so the client retries transport failures with exponential
// backoff. HTTP responses are never retried: a 4xx or 5xx is an answer
// from the portal, not a transport fault, and callers decide what it
// means.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/harborsync/harborsync/pkg/logger"
)

// Defaults mirror what the portals tolerate in practice.
const (
	DefaultTimeout    = 8 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = 300 * time.Millisecond
)

// Options controls per-request behavior of the client.
type Options struct {
	// Timeout bounds each individual attempt, not the whole call.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// RetryDelay is the base backoff; attempt n waits RetryDelay*2^n.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries < 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Observer receives attempt-level events. Used to feed metrics.
type Observer interface {
	FetchAttempt(method string)
	FetchRetry(method string)
}

// Request describes one portal call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// NoRedirect makes the client return the redirect response itself
	// instead of following it. Login flows inspect 302s directly.
	NoRedirect bool
}

// Client is a retrying HTTP client bound to one cookie jar.
type Client struct {
	opts       Options
	log        *logger.Logger
	observer   Observer
	follow     *http.Client
	noRedirect *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(c *Client) { c.observer = obs }
}

// WithTransport overrides the underlying transport. Tests use this.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.follow.Transport = rt
		c.noRedirect.Transport = rt
	}
}

// New creates a Client with its own cookie jar.
func New(opts Options, options ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	return NewWithJar(jar, false, opts, options...)
}

// NewWithJar creates a Client over an existing jar. Some portals run
// expired certificates; insecureTLS skips verification for those only.
func NewWithJar(jar http.CookieJar, insecureTLS bool, opts Options, options ...Option) *Client {
	transport := http.DefaultTransport
	if insecureTLS {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	c := &Client{
		opts:   opts.withDefaults(),
		follow: &http.Client{Jar: jar, Transport: transport},
		noRedirect: &http.Client{
			Jar:       jar,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range options {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewDefault("fetch")
	}
	return c
}

// Jar returns the cookie jar shared by all attempts.
func (c *Client) Jar() http.CookieJar {
	return c.follow.Jar
}

// Do performs the request, retrying transport failures. The response
// body is fully read and returned; the caller does not close anything.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, []byte, error) {
	httpClient := c.follow
	if req.NoRedirect {
		httpClient = c.noRedirect
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryDelay * (1 << (attempt - 1))
			c.log.WithField("url", req.URL).
				WithField("attempt", attempt).
				Warnf("retrying after %v: %v", delay, lastErr)
			if c.observer != nil {
				c.observer.FetchRetry(req.Method)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		if c.observer != nil {
			c.observer.FetchAttempt(req.Method)
		}

		resp, body, err := c.attempt(ctx, httpClient, req)
		if err == nil {
			return resp, body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// The caller gave up, not the portal.
			return nil, nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

func (c *Client) attempt(ctx context.Context, httpClient *http.Client, req Request) (*http.Response, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response from %s: %w", req.URL, err)
	}
	return resp, data, nil
}

// Get fetches a URL.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, []byte, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// PostForm posts url-encoded form values.
func (c *Client) PostForm(ctx context.Context, rawURL string, values url.Values, noRedirect bool) (*http.Response, []byte, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(ctx, Request{
		Method:     http.MethodPost,
		URL:        rawURL,
		Header:     header,
		Body:       []byte(values.Encode()),
		NoRedirect: noRedirect,
	})
}

// PostJSON posts a JSON payload.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload []byte) (*http.Response, []byte, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: header, Body: payload})
}

// retryable reports whether the error is a transport fault worth
// another attempt. Anything the portal actually answered is final.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	// url.Error wraps the transport cause; some proxies surface bare
	// "connection reset" strings with no typed error underneath.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return strings.Contains(urlErr.Err.Error(), "connection reset") ||
			strings.Contains(urlErr.Err.Error(), "connection refused")
	}
	return false
}
