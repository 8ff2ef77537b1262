package odoorpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/rpc"
	"sync"

	"github.com/kolo/xmlrpc"

	"github.com/nugget/odoo-bridge/internal/httpkit"
	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// XMLRPCHandler speaks the backend's legacy XML-RPC interface. It keeps
// one client per endpoint: /xmlrpc/2/common for authentication and
// /xmlrpc/2/object for model methods.
type XMLRPCHandler struct {
	cfg    Config
	common *xmlrpc.Client
	object *xmlrpc.Client
	logger *slog.Logger

	session   sessionState
	closeOnce sync.Once
}

// NewXMLRPCHandler creates a handler for the backend described by cfg.
// Construction does not dial; authentication happens lazily on first use.
func NewXMLRPCHandler(cfg Config) (*XMLRPCHandler, error) {
	if cfg.URL == "" {
		return nil, odooerr.Configuration("xmlrpc handler requires a backend URL", nil)
	}

	common, err := xmlrpc.NewClient(cfg.URL+"/xmlrpc/2/common", httpkit.NewTransport())
	if err != nil {
		return nil, odooerr.Network(fmt.Sprintf("create xml-rpc common client: %v", err), err)
	}
	object, err := xmlrpc.NewClient(cfg.URL+"/xmlrpc/2/object", httpkit.NewTransport())
	if err != nil {
		common.Close()
		return nil, odooerr.Network(fmt.Sprintf("create xml-rpc object client: %v", err), err)
	}

	return &XMLRPCHandler{
		cfg:    cfg,
		common: common,
		object: object,
		logger: cfg.logger().With("protocol", "xmlrpc"),
	}, nil
}

// call runs one XML-RPC call, honoring ctx cancellation. The xmlrpc
// client has no context support, so the call runs in its own goroutine
// and is abandoned on cancellation; transport-level timeouts from
// httpkit bound how long an abandoned call can linger.
func (h *XMLRPCHandler) call(ctx context.Context, client *xmlrpc.Client, method string, args []any) (any, error) {
	done := make(chan error, 1)
	var reply any
	go func() {
		done <- client.Call(method, args, &reply)
	}()

	select {
	case <-ctx.Done():
		return nil, odooerr.Network(fmt.Sprintf("xml-rpc %s cancelled: %v", method, ctx.Err()), ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// faultText extracts the backend fault string from a failed XML-RPC
// call. The xmlrpc codec flattens faults into the net/rpc response
// error, so they arrive as rpc.ServerError rather than
// xmlrpc.FaultError; accept either shape.
func faultText(err error) (string, bool) {
	var se rpc.ServerError
	if errors.As(err, &se) {
		return string(se), true
	}
	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		return fault.String, true
	}
	return "", false
}

// Login verifies credentials via common.authenticate and returns the uid.
func (h *XMLRPCHandler) Login(ctx context.Context, database, username, password string) (int64, error) {
	result, err := h.call(ctx, h.common, "authenticate", []any{database, username, password, map[string]any{}})
	if err != nil {
		var oe *odooerr.Error
		if errors.As(err, &oe) {
			return 0, err
		}
		if text, ok := faultText(err); ok {
			return 0, odooerr.FromRemoteFault("res.users", "authenticate", text, err)
		}
		return 0, odooerr.Network(fmt.Sprintf("xml-rpc authenticate failed: %v", err), err)
	}
	uid, ok := uidFromLogin(result)
	if !ok {
		return 0, odooerr.Auth(
			fmt.Sprintf("authentication failed: invalid credentials for database %s", database), nil)
	}
	return uid, nil
}

// EnsureAuthenticated performs the lazy login with the configured
// credentials, caching the identity on first success.
func (h *XMLRPCHandler) EnsureAuthenticated(ctx context.Context) (int64, error) {
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
func (h *XMLRPCHandler) SessionIdentity() (int64, bool) {
	return h.session.identity()
}

// ExecuteKW invokes model.method through the object endpoint. Backend
// faults are classified onto the taxonomy by their fault text.
func (h *XMLRPCHandler) ExecuteKW(ctx context.Context, req ExecuteRequest) (any, error) {
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

	result, err := h.call(ctx, h.object, "execute_kw", odooArgs)
	if err != nil {
		var oe *odooerr.Error
		if errors.As(err, &oe) {
			return nil, err
		}
		if text, ok := faultText(err); ok {
			return nil, odooerr.FromRemoteFault(req.Model, req.Method, text, err)
		}
		return nil, odooerr.Network(
			fmt.Sprintf("xml-rpc call %s.%s failed: %v", req.Model, req.Method, err), err)
	}
	return result, nil
}

// Close releases both endpoint clients. Best-effort: failures are
// logged, never returned.
func (h *XMLRPCHandler) Close() error {
	h.closeOnce.Do(func() {
		if err := h.common.Close(); err != nil {
			h.logger.Warn("close xml-rpc common client", "error", err)
		}
		if err := h.object.Close(); err != nil {
			h.logger.Warn("close xml-rpc object client", "error", err)
		}
		h.logger.Debug("xml-rpc handler closed")
	})
	return nil
}
