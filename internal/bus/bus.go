// Package bus subscribes to real-time Odoo bus notifications over the
// server's websocket endpoint. A single background goroutine owns the
// connection: it authenticates, maintains subscriptions across
// reconnects, and dispatches incoming notifications to a callback.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// channelPrefix is required on every bus channel name. The remainder
// after the prefix is the raw Odoo channel.
const channelPrefix = "odoo://"

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	maxReconnectAttempts  = 10
)

// Notification is one message received on a subscribed channel.
type Notification struct {
	Channel string
	Message json.RawMessage
}

// NotifyFunc receives dispatched notifications. Called from the
// subscriber's read goroutine, so it must not block for long.
type NotifyFunc func(Notification)

// Config holds the subscriber's connection settings.
type Config struct {
	// URL is the Odoo server base URL; the websocket endpoint is
	// derived from it.
	URL      string
	Database string
	Username string
	Password string
	Logger   *slog.Logger
}

// busMessage is the wire format in both directions.
type busMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type authParams struct {
	DB       string `json:"db"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

type channelParams struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
}

type notificationParams struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// Subscriber maintains the bus websocket connection.
type Subscriber struct {
	cfg    Config
	wsURL  string
	logger *slog.Logger
	notify NotifyFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	// Channels to restore after a reconnect, keyed by raw channel name.
	channels   map[string]struct{}
	channelsMu sync.Mutex

	startOnce sync.Once
	started   bool
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a bus subscriber. notify receives every notification on
// a subscribed channel.
func New(cfg Config, notify NotifyFunc) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, odooerr.Configuration("bus subscriber requires a server URL", nil)
	}
	wsURL, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, odooerr.Configuration(fmt.Sprintf("invalid server URL %q: %v", cfg.URL, err), err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Subscriber{
		cfg:      cfg,
		wsURL:    wsURL,
		logger:   logger.With("component", "bus"),
		notify:   notify,
		channels: make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// websocketURL converts an http(s) base URL into the bus websocket URL.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/websocket"
	return u.String(), nil
}

// Start connects and launches the read loop. The loop reconnects on
// failure with doubling backoff until the attempt budget is exhausted
// or ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	var startedNow bool
	s.startOnce.Do(func() {
		startedNow = true
	})
	if !startedNow {
		return odooerr.Configuration("bus subscriber already started", nil)
	}

	if err := s.connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	go s.run(loopCtx)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.cancel()
	s.closeConn()
	<-s.done
	s.logger.Info("bus subscriber stopped")
}

// Subscribe starts delivery for a channel. Channel names must carry the
// odoo:// prefix; the remainder is the raw Odoo bus channel.
func (s *Subscriber) Subscribe(channel string) error {
	raw, err := stripPrefix(channel)
	if err != nil {
		return err
	}

	if err := s.sendChannelAction(raw, "subscribe"); err != nil {
		return err
	}

	s.channelsMu.Lock()
	s.channels[raw] = struct{}{}
	s.channelsMu.Unlock()

	s.logger.Info("subscribed to bus channel", "channel", raw)
	return nil
}

// Unsubscribe stops delivery for a channel.
func (s *Subscriber) Unsubscribe(channel string) error {
	raw, err := stripPrefix(channel)
	if err != nil {
		return err
	}

	s.channelsMu.Lock()
	delete(s.channels, raw)
	s.channelsMu.Unlock()

	if err := s.sendChannelAction(raw, "unsubscribe"); err != nil {
		return err
	}

	s.logger.Info("unsubscribed from bus channel", "channel", raw)
	return nil
}

// Channels returns the currently subscribed raw channel names.
func (s *Subscriber) Channels() []string {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func stripPrefix(channel string) (string, error) {
	raw, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || raw == "" {
		return "", odooerr.Validation(
			fmt.Sprintf("invalid bus channel %q: must be %s<channel>", channel, channelPrefix), nil)
	}
	return raw, nil
}

// connect dials the websocket and authenticates.
func (s *Subscriber) connect(ctx context.Context) error {
	s.logger.Info("connecting to bus websocket", "url", s.wsURL)

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return odooerr.Network(fmt.Sprintf("failed to connect to bus websocket: %v", err), err)
	}

	params, err := json.Marshal(authParams{
		DB:       s.cfg.Database,
		Login:    s.cfg.Username,
		Password: s.cfg.Password,
	})
	if err != nil {
		conn.Close()
		return odooerr.Protocol(fmt.Sprintf("encode bus auth message: %v", err), err)
	}
	if err := conn.WriteJSON(busMessage{JSONRPC: "2.0", Method: "call", Params: params}); err != nil {
		conn.Close()
		return odooerr.Network(fmt.Sprintf("send bus auth message: %v", err), err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Info("bus websocket connected")
	return nil
}

func (s *Subscriber) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// sendChannelAction writes a subscribe/unsubscribe message.
func (s *Subscriber) sendChannelAction(raw, action string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return odooerr.Network("bus websocket is not connected", nil)
	}

	params, err := json.Marshal(channelParams{Channel: raw, Action: action})
	if err != nil {
		return odooerr.Protocol(fmt.Sprintf("encode %s message: %v", action, err), err)
	}
	msg := busMessage{JSONRPC: "2.0", Method: "call", Params: params}
	if err := s.conn.WriteJSON(msg); err != nil {
		return odooerr.Network(fmt.Sprintf("send %s for channel %s: %v", action, raw, err), err)
	}
	return nil
}

// restoreChannels re-subscribes every tracked channel after a reconnect.
func (s *Subscriber) restoreChannels() {
	s.channelsMu.Lock()
	raws := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		raws = append(raws, ch)
	}
	s.channelsMu.Unlock()

	for _, raw := range raws {
		if err := s.sendChannelAction(raw, "subscribe"); err != nil {
			s.logger.Error("restore bus subscription", "channel", raw, "error", err)
		}
	}
}

// run reads notifications until the connection drops, then reconnects
// with doubling backoff. It gives up after maxReconnectAttempts
// consecutive failures.
func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)

	for {
		err := s.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("bus connection lost", "error", err)
		s.closeConn()

		if !s.reconnect(ctx) {
			return
		}
		s.restoreChannels()
	}
}

// reconnect retries connect with doubling delay. Returns false when the
// attempt budget is exhausted or ctx is cancelled.
func (s *Subscriber) reconnect(ctx context.Context) bool {
	delay := initialReconnectDelay
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		s.logger.Info("reconnecting to bus",
			"attempt", attempt,
			"max_attempts", maxReconnectAttempts,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := s.connect(ctx)
		if err == nil {
			return true
		}
		s.logger.Error("bus reconnect failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
	s.logger.Error("bus reconnect attempts exhausted", "attempts", maxReconnectAttempts)
	return false
}

// readLoop dispatches incoming notifications until a read fails.
func (s *Subscriber) readLoop(ctx context.Context) error {
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return odooerr.Network("bus websocket is not connected", nil)
		}

		var msg busMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("bus websocket closed normally")
				return err
			}
			return err
		}

		if msg.Method != "notification" {
			s.logger.Debug("unhandled bus message", "method", msg.Method)
			continue
		}

		var params notificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Error("malformed bus notification", "error", err)
			continue
		}

		s.channelsMu.Lock()
		_, subscribed := s.channels[params.Channel]
		s.channelsMu.Unlock()
		if !subscribed {
			s.logger.Debug("dropping notification for unsubscribed channel", "channel", params.Channel)
			continue
		}

		s.notify(Notification{Channel: params.Channel, Message: params.Message})
	}
}
