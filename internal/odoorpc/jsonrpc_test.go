package odoorpc

import (
	"encoding/json"
	"testing"
)

func TestNewRequest_EnvelopeShape(t *testing.T) {
	req := newRequest("common", "login", []any{"db", "user", "pw"})

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", got["jsonrpc"])
	}
	if got["method"] != "call" {
		t.Errorf("method = %v, want call", got["method"])
	}
	if id, present := got["id"]; !present || id != nil {
		t.Errorf("id = %v, want explicit null", id)
	}

	params := got["params"].(map[string]any)
	if params["service"] != "common" {
		t.Errorf("service = %v", params["service"])
	}
	if params["method"] != "login" {
		t.Errorf("params.method = %v", params["method"])
	}
	args := params["args"].([]any)
	if len(args) != 3 || args[0] != "db" {
		t.Errorf("args = %v", args)
	}
	kwargs, ok := params["kwargs"].(map[string]any)
	if !ok || len(kwargs) != 0 {
		t.Errorf("kwargs = %v, want empty object", params["kwargs"])
	}
}

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"nil", nil, 0},
		{"list", []any{1, 2}, 2},
		{"mapping", map[string]any{"a": 1}, 1},
		{"scalar", "x", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(tt.in)
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	// A single mapping becomes a one-element list holding the mapping.
	m := map[string]any{"a": 1}
	got := normalizeArgs(m)
	if _, ok := got[0].(map[string]any); !ok {
		t.Errorf("mapping should be wrapped, got %T", got[0])
	}
}

func TestRPCError_Describe(t *testing.T) {
	e := &rpcError{
		Code:    200,
		Message: "Odoo Server Error",
		Data:    json.RawMessage(`{"debug":"Traceback: boom"}`),
	}
	want := "Code 200: Odoo Server Error - Traceback: boom"
	if got := e.describe(); got != want {
		t.Errorf("describe = %q, want %q", got, want)
	}
}

func TestRPCError_DescribeNoDebug(t *testing.T) {
	e := &rpcError{Code: 100, Message: "Session Expired"}
	want := "Code 100: Session Expired"
	if got := e.describe(); got != want {
		t.Errorf("describe = %q, want %q", got, want)
	}
}

func TestRPCError_DescribeNonObjectData(t *testing.T) {
	e := &rpcError{Code: 1, Message: "weird", Data: json.RawMessage(`"just a string"`)}
	if got := e.describe(); got != "Code 1: weird" {
		t.Errorf("describe = %q", got)
	}
}
