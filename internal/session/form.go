package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "laravel_session"
	xsrfCookie    = "XSRF-TOKEN"
	xsrfHeader    = "X-XSRF-TOKEN"
)

// FormAuthenticator logs in through the dashboard's HTML login form:
// it scrapes the CSRF token, posts the credentials and keeps the resulting cookies.
type FormAuthenticator struct {
	LoginURL  string
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Login performs a single form login.
func (a *FormAuthenticator) Login(ctx context.Context, creds Credentials) (Session, error) {
	loginURL, err := url.Parse(a.LoginURL)
	if err != nil || loginURL.Scheme == "" || loginURL.Host == "" {
		return Session{}, fmt.Errorf("invalid login URL %q: %w", a.LoginURL, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: a.Timeout, Transport: a.Transport}

	csrf, err := a.fetchCSRFToken(ctx, client)
	if err != nil {
		return Session{}, err
	}

	form := url.Values{
		"_token":   {csrf},
		"username": {creds.Username},
		"password": {creds.Password},
		"remember": {"on"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", a.LoginURL)
	a.setUserAgent(req)

	resp, err := client.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return Session{}, fmt.Errorf("login rejected with HTTP %d: %w", resp.StatusCode, ErrInvalidCredentials)
	case resp.StatusCode >= 400:
		return Session{}, fmt.Errorf("login returned HTTP %d", resp.StatusCode)
	}
	// A successful login redirects away from the form.
	if resp.Request != nil && resp.Request.URL.Path == loginURL.Path {
		return Session{}, fmt.Errorf("still on login page after submit: %w", ErrInvalidCredentials)
	}

	var sess Session
	for _, c := range jar.Cookies(loginURL) {
		switch c.Name {
		case sessionCookie:
			sess.Token = c.Value
		case xsrfCookie:
			if v, err := url.QueryUnescape(c.Value); err == nil {
				sess.Headers = map[string]string{xsrfHeader: v}
			}
		}
		sess.Cookies = append(sess.Cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	if sess.Token == "" {
		return Session{}, fmt.Errorf("login response did not set %s cookie", sessionCookie)
	}

	sess.ClientID = creds.ClientID
	sess.IssuedAt = time.Now()
	if exp, ok := TokenExpiry(sess.Token); ok {
		sess.ExpiresAt = exp
	}
	return sess, nil
}

func (a *FormAuthenticator) fetchCSRFToken(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.LoginURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create login page request: %w", err)
	}
	a.setUserAgent(req)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to load login page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login page returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse login page: %w", err)
	}
	token, ok := doc.Find(`input[name="_token"]`).First().Attr("value")
	if !ok || token == "" {
		return "", fmt.Errorf("login page has no _token field")
	}
	return token, nil
}

func (a *FormAuthenticator) setUserAgent(req *http.Request) {
	if a.UserAgent != "" {
		req.Header.Set("User-Agent", a.UserAgent)
	}
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// Opaque tokens report false and the Manager falls back to its configured TTL.
func TokenExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
