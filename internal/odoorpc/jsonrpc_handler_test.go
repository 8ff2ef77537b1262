package odoorpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// fakeBackend is a scriptable /jsonrpc endpoint. It records every
// decoded request envelope and answers per-service-method.
type fakeBackend struct {
	mu       sync.Mutex
	requests []map[string]any

	loginResult any              // result for common.login
	loginCalls  int              // number of login calls seen
	result      any              // result for everything else
	rpcErr      *json.RawMessage // verbatim error object, wins over result
	status      int              // non-zero forces a bare HTTP status
}

func (f *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env map[string]any
		json.Unmarshal(body, &env)

		f.mu.Lock()
		f.requests = append(f.requests, env)
		params, _ := env["params"].(map[string]any)
		service, _ := params["service"].(string)
		method, _ := params["method"].(string)
		isLogin := service == "common" && method == "login"
		if isLogin {
			f.loginCalls++
		}
		status := f.status
		rpcErr := f.rpcErr
		var result any
		if isLogin {
			result = f.loginResult
		} else {
			result = f.result
		}
		f.mu.Unlock()

		if status != 0 {
			http.Error(w, "backend unhappy", status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if rpcErr != nil {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": nil,
				"error": rpcErr,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": nil,
			"result": result,
		})
	}
}

func (f *fakeBackend) lastRequest(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return f.requests[len(f.requests)-1]
}

func newTestHandler(t *testing.T, f *fakeBackend) (*JSONRPCHandler, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	h, err := NewJSONRPCHandler(Config{
		URL:      srv.URL,
		Database: "prod",
		Username: "svc",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("NewJSONRPCHandler: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, srv
}

func TestJSONRPCHandler_RequestHeaders(t *testing.T) {
	var gotContentType, gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"jsonrpc":"2.0","id":null,"result":true}`))
	}))
	defer srv.Close()

	h, err := NewJSONRPCHandler(Config{URL: srv.URL, Database: "db"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.Call(context.Background(), "common", "version", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if !strings.HasPrefix(gotUA, "odoo-bridge/") {
		t.Errorf("User-Agent = %q, want odoo-bridge/ prefix", gotUA)
	}
}

func TestJSONRPCHandler_LoginCachedAcrossCalls(t *testing.T) {
	f := &fakeBackend{loginResult: 7, result: []any{}}
	h, _ := newTestHandler(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.ExecuteKW(ctx, ExecuteRequest{Model: "res.partner", Method: "search", Args: []any{[]any{}}}); err != nil {
			t.Fatalf("ExecuteKW #%d: %v", i, err)
		}
	}

	f.mu.Lock()
	logins := f.loginCalls
	f.mu.Unlock()
	if logins != 1 {
		t.Errorf("login calls = %d, want exactly 1", logins)
	}

	uid, ok := h.SessionIdentity()
	if !ok || uid != 7 {
		t.Errorf("SessionIdentity = %d, %v; want 7, true", uid, ok)
	}
}

func TestJSONRPCHandler_FalsyLoginRaisesAuthAndRetries(t *testing.T) {
	f := &fakeBackend{loginResult: false}
	h, _ := newTestHandler(t, f)
	ctx := context.Background()

	_, err := h.EnsureAuthenticated(ctx)
	if !odooerr.IsKind(err, odooerr.KindAuth) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if _, ok := h.SessionIdentity(); ok {
		t.Error("identity should remain unset after failed login")
	}

	// Backend recovers; the next call must retry the login.
	f.mu.Lock()
	f.loginResult = 42
	f.mu.Unlock()

	uid, err := h.EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("retry after corrected credentials: %v", err)
	}
	if uid != 42 {
		t.Errorf("uid = %d, want 42", uid)
	}
}

func TestJSONRPCHandler_ErrorResponseIsProtocolError(t *testing.T) {
	errObj := json.RawMessage(`{"code":200,"message":"Odoo Server Error","data":{"debug":"ValueError: boom"}}`)
	f := &fakeBackend{rpcErr: &errObj}
	h, _ := newTestHandler(t, f)

	_, err := h.Call(context.Background(), "object", "execute_kw", []any{})
	if !odooerr.IsKind(err, odooerr.KindProtocol) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "200") || !strings.Contains(msg, "Odoo Server Error") {
		t.Errorf("message should carry remote code and text, got %q", msg)
	}
	if !strings.Contains(msg, "ValueError: boom") {
		t.Errorf("message should carry remote debug text, got %q", msg)
	}
}

func TestJSONRPCHandler_HTTPErrorIsNetworkError(t *testing.T) {
	f := &fakeBackend{status: http.StatusBadGateway}
	h, _ := newTestHandler(t, f)

	_, err := h.Call(context.Background(), "common", "version", nil)
	if !odooerr.IsKind(err, odooerr.KindNetwork) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestJSONRPCHandler_ConnectionRefusedIsNetworkError(t *testing.T) {
	h, err := NewJSONRPCHandler(Config{URL: "http://127.0.0.1:1", Database: "db"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	_, err = h.Call(context.Background(), "common", "version", nil)
	if !odooerr.IsKind(err, odooerr.KindNetwork) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestJSONRPCHandler_MalformedResponseIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	h, _ := NewJSONRPCHandler(Config{URL: srv.URL, Database: "db"})
	defer h.Close()

	_, err := h.Call(context.Background(), "common", "version", nil)
	if !odooerr.IsKind(err, odooerr.KindProtocol) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestJSONRPCHandler_ExecuteKWArgumentLayout(t *testing.T) {
	f := &fakeBackend{loginResult: 9, result: []any{}}
	h, _ := newTestHandler(t, f)

	_, err := h.ExecuteKW(context.Background(), ExecuteRequest{
		Model:  "res.partner",
		Method: "search_read",
		Args:   []any{[]any{}},
		KWArgs: map[string]any{"fields": []any{"id", "name"}},
	})
	if err != nil {
		t.Fatalf("ExecuteKW: %v", err)
	}

	env := f.lastRequest(t)
	params := env["params"].(map[string]any)
	if params["service"] != "object" || params["method"] != "execute_kw" {
		t.Fatalf("target = %v.%v", params["service"], params["method"])
	}

	args := params["args"].([]any)
	if len(args) != 7 {
		t.Fatalf("args len = %d, want 7: %v", len(args), args)
	}
	if args[0] != "prod" {
		t.Errorf("args[0] = %v, want database", args[0])
	}
	if args[1].(float64) != 9 {
		t.Errorf("args[1] = %v, want cached uid 9", args[1])
	}
	if args[2] != "hunter2" {
		t.Errorf("args[2] = %v, want password", args[2])
	}
	if args[3] != "res.partner" || args[4] != "search_read" {
		t.Errorf("args[3:5] = %v %v", args[3], args[4])
	}
	if _, ok := args[5].([]any); !ok {
		t.Errorf("args[5] = %T, want positional args list", args[5])
	}
	kwargs, ok := args[6].(map[string]any)
	if !ok {
		t.Fatalf("args[6] = %T, want kwargs map", args[6])
	}
	if _, ok := kwargs["fields"]; !ok {
		t.Errorf("kwargs = %v, want fields entry", kwargs)
	}
}

func TestJSONRPCHandler_EmptyKWArgsOmitted(t *testing.T) {
	f := &fakeBackend{loginResult: 9, result: []any{}}
	h, _ := newTestHandler(t, f)

	_, err := h.ExecuteKW(context.Background(), ExecuteRequest{
		Model:  "res.partner",
		Method: "search",
		Args:   []any{[]any{}},
	})
	if err != nil {
		t.Fatalf("ExecuteKW: %v", err)
	}

	env := f.lastRequest(t)
	args := env["params"].(map[string]any)["args"].([]any)
	if len(args) != 6 {
		t.Errorf("args len = %d, want 6 (kwargs omitted when empty): %v", len(args), args)
	}
}

func TestJSONRPCHandler_SessionIDFoldedIntoContext(t *testing.T) {
	f := &fakeBackend{loginResult: 9, result: []any{}}
	h, _ := newTestHandler(t, f)

	_, err := h.ExecuteKW(context.Background(), ExecuteRequest{
		Model:     "res.partner",
		Method:    "read",
		Args:      []any{[]any{1}},
		KWArgs:    map[string]any{"context": map[string]any{"lang": "en_US"}},
		SessionID: "sess-123",
	})
	if err != nil {
		t.Fatalf("ExecuteKW: %v", err)
	}

	env := f.lastRequest(t)
	args := env["params"].(map[string]any)["args"].([]any)
	kwargs := args[6].(map[string]any)
	callContext := kwargs["context"].(map[string]any)
	if callContext["session_id"] != "sess-123" {
		t.Errorf("context.session_id = %v", callContext["session_id"])
	}
	if callContext["lang"] != "en_US" {
		t.Errorf("context.lang = %v (existing context entries must survive)", callContext["lang"])
	}
}

func TestJSONRPCHandler_UIDOverride(t *testing.T) {
	f := &fakeBackend{loginResult: 9, result: []any{}}
	h, _ := newTestHandler(t, f)

	_, err := h.ExecuteKW(context.Background(), ExecuteRequest{
		Model:    "res.partner",
		Method:   "read",
		Args:     []any{[]any{1}},
		UID:      55,
		Password: "other",
	})
	if err != nil {
		t.Fatalf("ExecuteKW: %v", err)
	}

	env := f.lastRequest(t)
	args := env["params"].(map[string]any)["args"].([]any)
	if args[1].(float64) != 55 {
		t.Errorf("args[1] = %v, want override uid 55", args[1])
	}
	if args[2] != "other" {
		t.Errorf("args[2] = %v, want override password", args[2])
	}
}

func TestJSONRPCHandler_NullResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":null}`))
	}))
	defer srv.Close()

	h, _ := NewJSONRPCHandler(Config{URL: srv.URL, Database: "db"})
	defer h.Close()

	result, err := h.Call(context.Background(), "common", "version", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != nil {
		t.Errorf("result = %v, want nil for absent result field", result)
	}
}

func TestJSONRPCHandler_CloseIdempotent(t *testing.T) {
	h, _ := NewJSONRPCHandler(Config{URL: "http://localhost", Database: "db"})
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
