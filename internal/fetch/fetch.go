// Package fetch performs rate-limited, session-aware calls against the remote source.
// Every call goes through a shared concurrency ceiling and token bucket, failures are
// classified as retryable, fatal or auth, and retryable ones are retried with backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/pharma-watch/internal/session"
)

// DefaultTimeout is the default per-call timeout.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent is the user agent string for HTTP requests.
const DefaultUserAgent = "Mozilla/5.0 (compatible; PharmaWatch/1.0)"

// Kind classifies a failed call.
type Kind int

const (
	// KindRetryable covers timeouts, 5xx, 429 and transient network errors.
	KindRetryable Kind = iota + 1
	// KindFatal covers permanent rejections and malformed responses.
	KindFatal
	// KindAuth means the session was rejected.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Request describes one remote call.
type Request struct {
	Method  string // defaults to GET
	URL     string
	Query   url.Values
	Headers map[string]string
	// Auth attaches the current session and enables invalidate-and-retry on auth failures.
	Auth bool
	// Render fetches the page through the headless browser instead of plain HTTP.
	Render bool
	// Validate inspects a 2xx body; an error marks the response as malformed (fatal).
	Validate func(body []byte) error
}

// Response holds the result of a successful call.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// RequestError is returned by Execute when a call failed for good.
type RequestError struct {
	URL        string
	Kind       Kind
	StatusCode int
	Attempts   int
	Message    string
	Cause      error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("fetch error for %s (%s", e.URL, e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", %d attempt(s)", e.Attempts)
	}
	msg += "): " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// KindOf returns the classification of err.
// Session exhaustion is reported as KindAuth; unknown errors are fatal.
func KindOf(err error) Kind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		return KindAuth
	}
	if isTransient(err) {
		return KindRetryable
	}
	return KindFatal
}

// AttemptsOf returns the number of attempts recorded on err, or 1.
func AttemptsOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Attempts > 0 {
		return reqErr.Attempts
	}
	return 1
}

// StatusOf returns the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// classifyStatus maps a non-2xx status to a Kind.
func classifyStatus(code int, authenticated bool) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == 419:
		if authenticated {
			return KindAuth
		}
		return KindFatal
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return KindRetryable
	case code >= 500:
		return KindRetryable
	default:
		return KindFatal
	}
}

// isTransient reports whether a transport error is worth retrying.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
		if strings.Contains(err.Error(), "unsupported protocol scheme") {
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// ExtractText parses HTML and returns the text of the first selector that matches,
// with whitespace normalised. Empty when nothing matches.
func ExtractText(html string, selectors ...string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	for _, selector := range selectors {
		selection := doc.Find(selector)
		if selection.Length() == 0 {
			continue
		}
		parts := make([]string, 0, selection.Length())
		selection.Each(func(_ int, s *goquery.Selection) {
			if text := CleanWhitespace(s.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return "", nil
}

// CleanWhitespace trims every line and drops empty ones.
func CleanWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
