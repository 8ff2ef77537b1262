package odoorpc

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version spoken by the Odoo backend.
const jsonrpcVersion = "2.0"

// request is a JSON-RPC 2.0 request envelope in the shape Odoo expects:
// the method is always "call" and the real target lives in params.
// Odoo's /jsonrpc endpoint ignores request correlation, so ID is always null.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  requestParams `json:"params"`
	ID      any           `json:"id"`
}

// requestParams addresses a service-level method on the backend.
type requestParams struct {
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Args    []any          `json:"args"`
	KWArgs  map[string]any `json:"kwargs"`
}

// newRequest builds a call envelope for the given service method,
// normalizing args to a list.
func newRequest(service, method string, args any) *request {
	return &request{
		JSONRPC: jsonrpcVersion,
		Method:  "call",
		Params: requestParams{
			Service: service,
			Method:  method,
			Args:    normalizeArgs(args),
			KWArgs:  map[string]any{},
		},
		ID: nil,
	}
}

// normalizeArgs coerces args into the positional list the backend
// requires. A single mapping or scalar becomes a one-element list.
func normalizeArgs(args any) []any {
	switch v := args.(type) {
	case nil:
		return []any{}
	case []any:
		return v
	default:
		return []any{v}
	}
}

// response is a JSON-RPC 2.0 response envelope. A well-formed response
// carries either a result or an error, never both.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// rpcError is the error object in a failed response. Data is kept raw
// because the backend is not consistent about its shape.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// debug extracts the embedded server debug text, if any.
func (e *rpcError) debug() string {
	if len(e.Data) == 0 {
		return ""
	}
	var d struct {
		Debug string `json:"debug"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	return d.Debug
}

// describe renders the remote error as "Code <code>: <message> - <debug>",
// omitting the debug suffix when absent.
func (e *rpcError) describe() string {
	s := fmt.Sprintf("Code %d: %s", e.Code, e.Message)
	if dbg := e.debug(); dbg != "" {
		s += " - " + dbg
	}
	return s
}
