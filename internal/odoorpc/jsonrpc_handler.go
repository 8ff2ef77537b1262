package odoorpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/odoo-bridge/internal/httpkit"
	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// maxResponseBytes bounds how much of a backend response we buffer.
// search_read over a large model can return sizeable payloads.
const maxResponseBytes = 50 << 20

// JSONRPCHandler speaks JSON-RPC 2.0 to the backend's /jsonrpc endpoint
// over HTTP POST.
type JSONRPCHandler struct {
	cfg      Config
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	session   sessionState
	closeOnce sync.Once
}

// NewJSONRPCHandler creates a handler for the backend described by cfg.
// No network traffic happens until the first call.
func NewJSONRPCHandler(cfg Config) (*JSONRPCHandler, error) {
	if cfg.URL == "" {
		return nil, odooerr.Configuration("jsonrpc handler requires a backend URL", nil)
	}
	var opts []httpkit.ClientOption
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}
	return &JSONRPCHandler{
		cfg:      cfg,
		endpoint: cfg.URL + "/jsonrpc",
		client:   httpkit.NewClient(opts...),
		logger:   cfg.logger().With("protocol", "jsonrpc"),
	}, nil
}

// Call executes one service-level method on the backend and returns the
// decoded result, which may be nil. Transport failures surface as
// NetworkError; a response carrying an error object surfaces as
// ProtocolError.
func (h *JSONRPCHandler) Call(ctx context.Context, service, method string, args any) (any, error) {
	payload, err := json.Marshal(newRequest(service, method, args))
	if err != nil {
		return nil, odooerr.Protocol(fmt.Sprintf("encode %s.%s request: %v", service, method, err), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, odooerr.Network(fmt.Sprintf("create request for %s: %v", h.endpoint, err), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	// User-Agent is injected by the httpkit round-tripper.

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, odooerr.Network(fmt.Sprintf("json-rpc call to %s failed: %v", h.endpoint, err), err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, odooerr.Network(
			fmt.Sprintf("backend returned HTTP %d: %s", httpResp.StatusCode, errBody),
			fmt.Errorf("unexpected status %d", httpResp.StatusCode),
		)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, odooerr.Network(fmt.Sprintf("read response body: %v", err), err)
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, odooerr.Protocol(fmt.Sprintf("malformed json-rpc response: %v", err), err)
	}

	if resp.Error != nil {
		h.logger.Warn("json-rpc error response",
			"service", service,
			"method", method,
			"code", resp.Error.Code,
			"message", resp.Error.Message,
		)
		return nil, odooerr.Protocol(
			fmt.Sprintf("json-rpc error response: %s", resp.Error.describe()),
			fmt.Errorf("remote error %d: %s", resp.Error.Code, resp.Error.Message),
		)
	}

	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, odooerr.Protocol(fmt.Sprintf("decode json-rpc result: %v", err), err)
	}
	return result, nil
}

// Login verifies credentials via common.login and returns the uid.
// It never touches the handler's cached identity.
func (h *JSONRPCHandler) Login(ctx context.Context, database, username, password string) (int64, error) {
	result, err := h.Call(ctx, "common", "login", []any{database, username, password})
	if err != nil {
		return 0, err
	}
	uid, ok := uidFromLogin(result)
	if !ok {
		return 0, odooerr.Auth(
			fmt.Sprintf("authentication failed: invalid credentials for database %s", database), nil)
	}
	return uid, nil
}

// EnsureAuthenticated performs the lazy login with the configured
// credentials. The result is cached; once set, the identity never
// changes for this handler's lifetime. A failed login caches nothing,
// so the next call retries.
func (h *JSONRPCHandler) EnsureAuthenticated(ctx context.Context) (int64, error) {
	if uid, ok := h.session.identity(); ok {
		return uid, nil
	}
	uid, err := h.Login(ctx, h.cfg.Database, h.cfg.Username, h.cfg.Password)
	if err != nil {
		return 0, err
	}
	uid = h.session.establish(uid)
	h.logger.Debug("authenticated", "database", h.cfg.Database, "uid", uid)
	return uid, nil
}

// SessionIdentity returns the cached uid, if login has succeeded.
func (h *JSONRPCHandler) SessionIdentity() (int64, bool) {
	return h.session.identity()
}

// ExecuteKW invokes model.method through the backend's object service.
// The positional argument layout is fixed by the backend:
// [database, uid, password, model, method, args] with the keyword map
// appended only when non-empty.
func (h *JSONRPCHandler) ExecuteKW(ctx context.Context, req ExecuteRequest) (any, error) {
	uid, err := h.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	callUID := req.UID
	if callUID == 0 {
		callUID = uid
	}
	callPassword := req.Password
	if callPassword == "" {
		callPassword = h.cfg.Password
	}

	args := req.Args
	if args == nil {
		args = []any{}
	}

	odooArgs := []any{h.cfg.Database, callUID, callPassword, req.Model, req.Method, args}
	if kwargs := buildKWArgs(req.KWArgs, req.SessionID); len(kwargs) > 0 {
		odooArgs = append(odooArgs, kwargs)
	}

	return h.Call(ctx, "object", "execute_kw", odooArgs)
}

// buildKWArgs copies kwargs and folds sessionID into its context map.
// Returns nil when there is nothing to send.
func buildKWArgs(kwargs map[string]any, sessionID string) map[string]any {
	var callContext map[string]any
	if c, ok := kwargs["context"].(map[string]any); ok {
		callContext = make(map[string]any, len(c)+1)
		for k, v := range c {
			callContext[k] = v
		}
	}
	if sessionID != "" {
		if callContext == nil {
			callContext = make(map[string]any, 1)
		}
		callContext["session_id"] = sessionID
	}

	final := make(map[string]any, len(kwargs)+1)
	for k, v := range kwargs {
		if k == "context" {
			continue
		}
		final[k] = v
	}
	if len(callContext) > 0 {
		final["context"] = callContext
	}
	if len(final) == 0 {
		return nil
	}
	return final
}

// Close releases the transport session. Guaranteed to attempt release
// exactly once; repeated calls are no-ops.
func (h *JSONRPCHandler) Close() error {
	h.closeOnce.Do(func() {
		h.client.CloseIdleConnections()
		h.logger.Debug("json-rpc handler closed")
	})
	return nil
}
