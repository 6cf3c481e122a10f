package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonathan/pharma-watch/internal/session"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 8 << 20

// SessionSource hands out the shared session. *session.Manager implements it.
type SessionSource interface {
	Acquire(ctx context.Context) (session.Session, error)
	Invalidate(s session.Session)
}

// Renderer returns the rendered HTML of a page.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// RetryPolicy is the per-call retry budget for retryable failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// Options configures a Client.
type Options struct {
	MaxConcurrency int
	RatePerSecond  float64 // 0 disables spacing
	Burst          int
	Retry          RetryPolicy
	Timeout        time.Duration
	UserAgent      string
	// LoginURL lets the client recognise a redirect to the login form as an auth failure.
	LoginURL  string
	Transport http.RoundTripper
	Renderer  Renderer
	Logger    *slog.Logger
}

// Client executes requests under a shared concurrency ceiling and token bucket.
type Client struct {
	http      *http.Client
	sessions  SessionSource
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	retry     RetryPolicy
	userAgent string
	loginPath string
	renderer  Renderer
	logger    *slog.Logger
}

// NewClient creates a Client. sessions may be nil when no request uses Auth.
func NewClient(sessions SessionSource, opts Options) *Client {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 2
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	var loginPath string
	if u, err := url.Parse(opts.LoginURL); err == nil {
		loginPath = u.Path
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:      &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		sessions:  sessions,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		limiter:   rate.NewLimiter(limit, opts.Burst),
		retry:     opts.Retry,
		userAgent: opts.UserAgent,
		loginPath: loginPath,
		renderer:  opts.Renderer,
		logger:    logger.With("component", "fetch"),
	}
}

// Execute performs req, retrying retryable failures with exponential backoff.
// On an auth failure the session is invalidated and the call is retried once
// with a fresh session. Failures are returned as *RequestError, except session
// exhaustion which is returned as *session.AuthError.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, &RequestError{URL: req.URL, Kind: KindFatal, Attempts: 1, Message: "invalid URL", Cause: err}
	}

	var (
		resp        *Response
		attempts    int
		authRetried bool
	)

	op := func() error {
		attempts++
		r, sess, err := c.attempt(ctx, req, target)
		if err != nil && KindOf(err) == KindAuth && req.Auth && !authRetried {
			var authErr *session.AuthError
			if errors.As(err, &authErr) {
				return backoff.Permanent(err)
			}
			authRetried = true
			c.logger.Info("session rejected, refreshing", "url", target)
			c.sessions.Invalidate(sess)
			r, _, err = c.attempt(ctx, req, target)
			if err != nil && KindOf(err) == KindAuth {
				if errors.As(err, &authErr) {
					return backoff.Permanent(err)
				}
				return backoff.Permanent(&RequestError{
					URL:     target,
					Kind:    KindFatal,
					Message: "session rejected after refresh",
					Cause:   err,
				})
			}
		}
		if err != nil {
			if ctx.Err() != nil || KindOf(err) != KindRetryable {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying", "url", target, "attempt", attempts, "retry_in", wait, "error", err)
	}

	err = backoff.RetryNotify(op, c.newBackOff(ctx), notify)
	if err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			reqErr = &RequestError{URL: target, Kind: KindOf(err), Message: "request failed", Cause: err}
		}
		reqErr.Attempts = attempts
		return nil, reqErr
	}

	resp.Attempts = attempts
	resp.Duration = time.Since(start)
	return resp, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retry.InitialInterval
	eb.MaxInterval = c.retry.MaxInterval
	eb.Multiplier = c.retry.Multiplier
	eb.RandomizationFactor = c.retry.Jitter
	eb.MaxElapsedTime = 0
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retry.MaxAttempts-1)), ctx)
}

// attempt performs exactly one call inside the concurrency ceiling.
// It returns the session it used so the caller can invalidate exactly that one.
func (c *Client) attempt(ctx context.Context, req Request, target string) (*Response, session.Session, error) {
	var sess session.Session
	if req.Auth {
		if c.sessions == nil {
			return nil, sess, &RequestError{URL: target, Kind: KindFatal, Message: "authenticated request without a session source"}
		}
		s, err := c.sessions.Acquire(ctx)
		if err != nil {
			return nil, sess, err
		}
		sess = s
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, sess, err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, sess, err
	}

	if req.Render && c.renderer != nil {
		resp, err := c.render(ctx, target)
		return resp, sess, err
	}
	resp, err := c.send(ctx, req, target, sess)
	return resp, sess, err
}

func (c *Client) send(ctx context.Context, req Request, target string, sess session.Session) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &RequestError{URL: target, Kind: KindFatal, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Auth {
		httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")
		sess.Apply(httpReq)
	}

	c.logger.Debug("request", "method", method, "url", target)
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &RequestError{URL: target, Kind: KindOf(err), Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, &RequestError{URL: target, Kind: KindRetryable, StatusCode: httpResp.StatusCode, Message: "failed to read response body", Cause: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &RequestError{
			URL:        target,
			Kind:       classifyStatus(httpResp.StatusCode, req.Auth),
			StatusCode: httpResp.StatusCode,
			Message:    fmt.Sprintf("HTTP status %d", httpResp.StatusCode),
		}
	}
	if req.Auth && c.redirectedToLogin(httpResp) {
		return nil, &RequestError{URL: target, Kind: KindAuth, StatusCode: httpResp.StatusCode, Message: "redirected to login page"}
	}
	if req.Validate != nil {
		if err := req.Validate(bytes.TrimSpace(body)); err != nil {
			return nil, &RequestError{URL: target, Kind: KindFatal, StatusCode: httpResp.StatusCode, Message: "malformed response", Cause: err}
		}
	}

	return &Response{
		URL:        target,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) render(ctx context.Context, target string) (*Response, error) {
	html, err := c.renderer.Render(ctx, target)
	if err != nil {
		kind := KindRetryable
		if errors.Is(err, context.Canceled) {
			kind = KindFatal
		}
		return nil, &RequestError{URL: target, Kind: kind, Message: "browser rendering failed", Cause: err}
	}
	return &Response{URL: target, StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(html)}, nil
}

func (c *Client) redirectedToLogin(resp *http.Response) bool {
	if c.loginPath == "" || c.loginPath == "/" || resp.Request == nil {
		return false
	}
	return strings.TrimSuffix(resp.Request.URL.Path, "/") == strings.TrimSuffix(c.loginPath, "/")
}

func buildURL(raw string, query url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("missing scheme or host in %q", raw)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
