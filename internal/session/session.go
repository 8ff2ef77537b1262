// Package session issues and tracks authenticated user sessions on top
// of the connection pool. Sessions are identified by opaque UUIDs,
// expire after a period of inactivity, and are swept by a background
// goroutine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

const (
	defaultSessionTTL    = 120 * time.Minute
	defaultMaxPerUser    = 5
	defaultSweepInterval = time.Minute
)

// LoginFunc verifies credentials against the backend and returns the
// user id. Satisfied by pool.Login.
type LoginFunc func(ctx context.Context, database, username, password string) (int64, error)

// Session is one authenticated user session.
type Session struct {
	ID           string
	UserID       int64
	Username     string
	Database     string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Config holds session lifecycle settings.
type Config struct {
	// TTL is the inactivity window after which a session expires.
	TTL time.Duration

	// MaxPerUser caps concurrent sessions per user id; creating one
	// more evicts that user's least recently active session.
	MaxPerUser int

	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
}

// Manager tracks active sessions.
type Manager struct {
	cfg    Config
	login  LoginFunc
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	startOnce sync.Once
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a session manager. login is required.
func NewManager(cfg Config, login LoginFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSessionTTL
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = defaultMaxPerUser
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Manager{
		cfg:      cfg,
		login:    login,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Start launches the background expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	var startedNow bool
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.sweepLoop(loopCtx)
		startedNow = true
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
	})
	if !startedNow {
		return odooerr.Configuration("session manager already started", nil)
	}
	m.logger.Info("session manager started",
		"ttl", m.cfg.TTL,
		"max_per_user", m.cfg.MaxPerUser,
	)
	return nil
}

// Stop halts the sweep and drops all sessions.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if started {
		m.cancel()
		<-m.done
	}
	m.LogoutAll()
	m.logger.Info("session manager stopped")
}

// Create verifies the credentials and issues a new session. If the user
// already holds MaxPerUser sessions, the least recently active one is
// evicted to make room.
func (m *Manager) Create(ctx context.Context, database, username, password string) (*Session, error) {
	uid, err := m.login(ctx, database, username, password)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       uid,
		Username:     username,
		Database:     database,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictOverflowLocked(uid)
	m.sessions[s.ID] = s
	m.logger.Info("session created", "session_id", s.ID, "uid", uid, "active", len(m.sessions))
	return s, nil
}

// evictOverflowLocked removes the user's stalest sessions until one
// more fits under the cap. Caller holds m.mu.
func (m *Manager) evictOverflowLocked(uid int64) {
	for {
		var oldest *Session
		count := 0
		for _, s := range m.sessions {
			if s.UserID != uid {
				continue
			}
			count++
			if oldest == nil || s.LastActivity.Before(oldest.LastActivity) {
				oldest = s
			}
		}
		if count < m.cfg.MaxPerUser {
			return
		}
		delete(m.sessions, oldest.ID)
		m.logger.Info("evicted oldest session for user", "session_id", oldest.ID, "uid", uid)
	}
}

// Validate looks up a session, refreshing its activity timestamp.
// Unknown and expired session ids both fail with an AuthError.
func (m *Manager) Validate(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, odooerr.Auth(fmt.Sprintf("invalid session: %s", id), nil)
	}
	now := m.now()
	if now.Sub(s.LastActivity) > m.cfg.TTL {
		delete(m.sessions, id)
		return nil, odooerr.Auth(fmt.Sprintf("session expired: %s", id), nil)
	}
	s.LastActivity = now
	copied := *s
	return &copied, nil
}

// Logout removes a session. Returns false if the id was unknown.
func (m *Manager) Logout(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	m.logger.Info("session destroyed", "session_id", id)
	return true
}

// LogoutAll removes every session and returns how many were dropped.
func (m *Manager) LogoutAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	if n > 0 {
		m.logger.Info("all sessions destroyed", "count", n)
	}
	return n
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

// sweep drops sessions whose inactivity exceeds the TTL.
func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.TTL)
	n := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
