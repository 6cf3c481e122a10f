// Package session owns the authenticated session shared by every worker of a run.
// A Manager hands out immutable Session snapshots and coordinates refreshes so that
// concurrent callers never trigger more than one login at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Session is an authenticated credential for the remote source.
// Values are never mutated after the Manager publishes them; a refresh
// produces a new Session with a higher Version.
type Session struct {
	Token     string
	ClientID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Version   uint64
	Cookies   []*http.Cookie
	Headers   map[string]string
}

// Valid reports whether the session can still be used at now, keeping skew in reserve.
func (s Session) Valid(now time.Time, skew time.Duration) bool {
	if s.Token == "" {
		return false
	}
	return now.Add(skew).Before(s.ExpiresAt)
}

// Apply attaches the session credential to an outgoing request.
func (s Session) Apply(req *http.Request) {
	for _, c := range s.Cookies {
		req.AddCookie(c)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
}

// Credentials identify the account used to log in.
type Credentials struct {
	Username string
	Password string
	ClientID string
}

// Authenticator performs one login attempt.
// Returned sessions may leave IssuedAt and ExpiresAt zero; the Manager fills them.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (Session, error)
}

// ErrInvalidCredentials is returned by authenticators when the remote source
// rejects the credentials. It is not retried.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthError means no session could be obtained within the login budget.
// It is fatal for the run that hit it.
type AuthError struct {
	Attempts int
	Message  string
	Cause    error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed after %d attempt(s): %s: %v", e.Attempts, e.Message, e.Cause)
	}
	return fmt.Sprintf("authentication failed after %d attempt(s): %s", e.Attempts, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Options configures a Manager.
type Options struct {
	TTL           time.Duration // lifetime assumed when the authenticator does not report one
	ExpirySkew    time.Duration
	LoginAttempts int
	LoginBackoff  time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// refresh is a login in flight; waiters block on done and then read sess/err.
type refresh struct {
	done chan struct{}
	sess Session
	err  error
}

// Manager caches the current session and serialises refreshes.
type Manager struct {
	auth   Authenticator
	creds  Credentials
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	current  *Session
	version  uint64
	inflight *refresh

	logins atomic.Int64
}

// NewManager creates a Manager for the given authenticator and credentials.
func NewManager(auth Authenticator, creds Credentials, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.LoginAttempts < 1 {
		opts.LoginAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		auth:   auth,
		creds:  creds,
		opts:   opts,
		logger: logger.With("component", "session"),
	}
}

// Acquire returns a valid session, logging in if needed.
// Callers arriving while a login is in flight wait for that login instead of starting their own.
// The login itself is not cancelled when ctx is; only this caller's wait is.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.current != nil && m.current.Valid(m.opts.Now(), m.opts.ExpirySkew) {
		s := *m.current
		m.mu.Unlock()
		return s, nil
	}
	call := m.inflight
	if call == nil {
		call = &refresh{done: make(chan struct{})}
		m.inflight = call
		go m.refresh(context.WithoutCancel(ctx), call)
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.sess, call.err
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// Invalidate marks s as known-bad. Only the exact version is dropped, so a stale
// invalidation arriving after a newer session was published is a no-op.
func (m *Manager) Invalidate(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Version == s.Version {
		m.logger.Info("session invalidated", "version", s.Version)
		m.current = nil
	}
}

// Current returns the cached session without refreshing it.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Logins returns the number of login attempts made so far.
func (m *Manager) Logins() int64 {
	return m.logins.Load()
}

func (m *Manager) refresh(ctx context.Context, call *refresh) {
	var (
		sess     Session
		attempts int
	)

	op := func() error {
		attempts++
		m.logins.Add(1)
		s, err := m.auth.Login(ctx, m.creds)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				return backoff.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("login attempt failed", "attempt", attempts, "retry_in", wait, "error", err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.LoginBackoff), uint64(m.opts.LoginAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, notify)

	m.mu.Lock()
	if err != nil {
		call.err = &AuthError{Attempts: attempts, Message: "login failed", Cause: err}
		m.logger.Error("login exhausted", "attempts", attempts, "error", err)
	} else {
		m.version++
		sess.Version = m.version
		if sess.ClientID == "" {
			sess.ClientID = m.creds.ClientID
		}
		if sess.IssuedAt.IsZero() {
			sess.IssuedAt = m.opts.Now()
		}
		if sess.ExpiresAt.IsZero() {
			sess.ExpiresAt = sess.IssuedAt.Add(m.opts.TTL)
		}
		m.current = &sess
		call.sess = sess
		m.logger.Info("session refreshed", "version", sess.Version, "expires_at", sess.ExpiresAt)
	}
	m.inflight = nil
	m.mu.Unlock()
	close(call.done)
}
