package odoorpc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// xmlValue renders one XML-RPC <value> for the limited set of types the
// fake backend needs to emit.
func xmlValue(v any) string {
	switch x := v.(type) {
	case int:
		return fmt.Sprintf("<value><int>%d</int></value>", x)
	case bool:
		b := 0
		if x {
			b = 1
		}
		return fmt.Sprintf("<value><boolean>%d</boolean></value>", b)
	case string:
		return fmt.Sprintf("<value><string>%s</string></value>", x)
	default:
		return "<value><nil/></value>"
	}
}

func xmlResponse(v any) string {
	return `<?xml version="1.0"?><methodResponse><params><param>` +
		xmlValue(v) + `</param></params></methodResponse>`
}

func xmlFault(code int, msg string) string {
	return fmt.Sprintf(`<?xml version="1.0"?><methodResponse><fault><value><struct>`+
		`<member><name>faultCode</name><value><int>%d</int></value></member>`+
		`<member><name>faultString</name><value><string>%s</string></value></member>`+
		`</struct></value></fault></methodResponse>`, code, msg)
}

// fakeXMLBackend serves the two Odoo XML-RPC endpoints with canned
// responses keyed by path.
type fakeXMLBackend struct {
	authResult  any
	commonBody  string // raw methodResponse for /xmlrpc/2/common; overrides authResult
	authCalls   int
	objectBody  string // raw methodResponse for /xmlrpc/2/object
	objectCalls int
}

func (f *fakeXMLBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		switch r.URL.Path {
		case "/xmlrpc/2/common":
			f.authCalls++
			if f.commonBody != "" {
				fmt.Fprint(w, f.commonBody)
				return
			}
			fmt.Fprint(w, xmlResponse(f.authResult))
		case "/xmlrpc/2/object":
			f.objectCalls++
			fmt.Fprint(w, f.objectBody)
		default:
			http.NotFound(w, r)
		}
	}
}

func newXMLTestHandler(t *testing.T, f *fakeXMLBackend) *XMLRPCHandler {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	h, err := NewXMLRPCHandler(Config{
		URL:      srv.URL,
		Database: "prod",
		Username: "svc",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("NewXMLRPCHandler: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestXMLRPCHandler_LoginCached(t *testing.T) {
	f := &fakeXMLBackend{authResult: 11, objectBody: xmlResponse(true)}
	h := newXMLTestHandler(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.ExecuteKW(ctx, ExecuteRequest{Model: "res.partner", Method: "write", Args: []any{[]any{1}}}); err != nil {
			t.Fatalf("ExecuteKW #%d: %v", i, err)
		}
	}
	if f.authCalls != 1 {
		t.Errorf("authenticate calls = %d, want exactly 1", f.authCalls)
	}
	uid, ok := h.SessionIdentity()
	if !ok || uid != 11 {
		t.Errorf("SessionIdentity = %d, %v; want 11, true", uid, ok)
	}
}

func TestXMLRPCHandler_FalsyLoginIsAuthError(t *testing.T) {
	f := &fakeXMLBackend{authResult: false}
	h := newXMLTestHandler(t, f)

	_, err := h.EnsureAuthenticated(context.Background())
	if !odooerr.IsKind(err, odooerr.KindAuth) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if _, ok := h.SessionIdentity(); ok {
		t.Error("identity should remain unset after failed login")
	}
}

func TestXMLRPCHandler_FaultClassification(t *testing.T) {
	tests := []struct {
		name  string
		fault string
		kind  odooerr.Kind
	}{
		{"access denied", "odoo.exceptions.AccessDenied", odooerr.KindAuth},
		{"validation", "ValidationError: bad value", odooerr.KindValidation},
		{"missing record", "Record does not exist or has been deleted", odooerr.KindRecordNotFound},
		{"generic fault", "KeyError: whatever", odooerr.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeXMLBackend{authResult: 11, objectBody: xmlFault(1, tt.fault)}
			h := newXMLTestHandler(t, f)

			_, err := h.ExecuteKW(context.Background(), ExecuteRequest{
				Model: "res.partner", Method: "write", Args: []any{[]any{1}},
			})
			if !odooerr.IsKind(err, tt.kind) {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestXMLRPCHandler_LoginFaultIsAuthError(t *testing.T) {
	f := &fakeXMLBackend{commonBody: xmlFault(1, "odoo.exceptions.AccessDenied")}
	h := newXMLTestHandler(t, f)

	_, err := h.Login(context.Background(), "prod", "svc", "wrong")
	if !odooerr.IsKind(err, odooerr.KindAuth) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if odooerr.IsKind(err, odooerr.KindNetwork) {
		t.Errorf("fault misclassified as NetworkError: %v", err)
	}
}

func TestXMLRPCHandler_TransportFailureIsNetworkError(t *testing.T) {
	h, err := NewXMLRPCHandler(Config{URL: "http://127.0.0.1:1", Database: "db"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	_, err = h.Login(context.Background(), "db", "u", "p")
	if !odooerr.IsKind(err, odooerr.KindNetwork) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestXMLRPCHandler_ProtocolErrorMessageCarriesFault(t *testing.T) {
	f := &fakeXMLBackend{authResult: 11, objectBody: xmlFault(2, "TypeError: unexpected argument")}
	h := newXMLTestHandler(t, f)

	_, err := h.ExecuteKW(context.Background(), ExecuteRequest{
		Model: "res.partner", Method: "read", Args: []any{[]any{1}},
	})
	if err == nil || !strings.Contains(err.Error(), "TypeError: unexpected argument") {
		t.Errorf("err = %v, want fault text in message", err)
	}
}
