// Package odoorpc implements authenticated RPC handlers for the Odoo
// backend. A handler owns one transport session, performs lazy login
// (caching the resulting session identity), and maps every transport or
// protocol failure onto the odooerr taxonomy before it leaves the
// package boundary.
package odoorpc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds everything a handler needs to reach one backend tenant.
type Config struct {
	// URL is the backend base URL, e.g. "https://odoo.example.com".
	URL string

	// Database is the tenant database name.
	Database string

	// Username and Password are the service credentials used for the
	// handler's own lazy login.
	Username string
	Password string

	// Timeout bounds each transport call. Zero means the httpkit default.
	Timeout time.Duration

	// Logger receives handler diagnostics. slog.Default() if nil.
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ExecuteRequest describes one model-method invocation.
type ExecuteRequest struct {
	// Model is the target model, e.g. "res.partner".
	Model string

	// Method is the model method, e.g. "search_read".
	Method string

	// Args are the method's positional arguments.
	Args []any

	// KWArgs are the method's keyword arguments. A "context" entry, if
	// present, is folded into the call context map.
	KWArgs map[string]any

	// UID, when non-zero, overrides the handler's cached session identity.
	UID int64

	// Password, when non-empty, overrides the configured password.
	Password string

	// SessionID, when non-empty, is injected into the call context.
	SessionID string
}

// Handler is an authenticated connection to the backend. Implementations
// are owned exclusively by one pool wrapper at a time and are selected
// by protocol via the Factory.
type Handler interface {
	// EnsureAuthenticated performs the lazy login, caching the session
	// identity on first success. Subsequent calls return the cached
	// identity without touching the wire. A failed login leaves the
	// identity unset so the next call retries.
	EnsureAuthenticated(ctx context.Context) (int64, error)

	// ExecuteKW invokes a model method via the backend's object service.
	ExecuteKW(ctx context.Context, req ExecuteRequest) (any, error)

	// SessionIdentity returns the cached identity and whether login has
	// succeeded for this handler's lifetime.
	SessionIdentity() (int64, bool)

	// Close releases the underlying transport session. Best-effort:
	// failures are logged, not returned.
	Close() error
}

// Authenticator verifies arbitrary credentials against the backend
// without touching the handler's own cached identity. Both handler
// variants implement it; the session manager consumes it through the pool.
type Authenticator interface {
	Login(ctx context.Context, database, username, password string) (int64, error)
}

// sessionState is the cached session identity shared by handler
// implementations. The identity is written at most once.
type sessionState struct {
	mu  sync.Mutex
	uid int64
	ok  bool
}

// identity returns the cached uid and whether login has succeeded.
func (s *sessionState) identity() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid, s.ok
}

// establish records uid as the session identity unless one is already
// set, and returns the winning identity.
func (s *sessionState) establish(uid int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		s.uid = uid
		s.ok = true
	}
	return s.uid
}

// uidFromLogin interprets a login result. The backend returns the
// numeric uid on success and false (or nothing) on bad credentials.
func uidFromLogin(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != 0 {
			return int64(n), true
		}
	case int64:
		if n != 0 {
			return n, true
		}
	case int:
		if n != 0 {
			return int64(n), true
		}
	}
	return 0, false
}
