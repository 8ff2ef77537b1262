// Package odooerr defines the error taxonomy shared by the RPC handlers
// and the connection pool. Every failure that crosses a package boundary
// in this system is one of these kinds, each with a numeric code that is
// stable on the wire.
package odooerr

import (
	"fmt"
	"strings"
)

// Kind identifies a failure category. The set is closed; new kinds need
// a new stable code.
type Kind string

const (
	KindGeneric        Kind = "OdooError"
	KindAuth           Kind = "AuthError"
	KindNetwork        Kind = "NetworkError"
	KindProtocol       Kind = "ProtocolError"
	KindConfiguration  Kind = "ConfigurationError"
	KindValidation     Kind = "ValidationError"
	KindRecordNotFound Kind = "RecordNotFoundError"
	KindPoolTimeout    Kind = "PoolTimeoutError"
	KindMethodNotFound Kind = "MethodNotFoundError"
)

// Wire codes, one per kind. These match the backend's JSON-RPC error
// code space and must never change.
const (
	CodeGeneric        = -32000
	CodeAuth           = -32001
	CodeNetwork        = -32002
	CodeProtocol       = -32003
	CodeConfiguration  = -32004
	CodeValidation     = -32007
	CodeRecordNotFound = -32008
	CodePoolTimeout    = -32009
	CodeMethodNotFound = -32016
)

// codeFor maps each kind to its stable code.
var codeFor = map[Kind]int{
	KindGeneric:        CodeGeneric,
	KindAuth:           CodeAuth,
	KindNetwork:        CodeNetwork,
	KindProtocol:       CodeProtocol,
	KindConfiguration:  CodeConfiguration,
	KindValidation:     CodeValidation,
	KindRecordNotFound: CodeRecordNotFound,
	KindPoolTimeout:    CodePoolTimeout,
	KindMethodNotFound: CodeMethodNotFound,
}

// Error is a classified failure. It is immutable once constructed and
// carries an optional wrapped cause for errors.Is/As chains.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets
// callers write errors.Is(err, &odooerr.Error{Kind: odooerr.KindAuth}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WireError is the JSON-RPC error object surfaced to external callers.
// Its shape is part of the external contract and must stay stable.
type WireError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    WireErrorData `json:"data"`
}

// WireErrorData carries the kind name and the stringified cause.
type WireErrorData struct {
	Exception         string   `json:"exception"`
	Args              []string `json:"args"`
	OriginalException string   `json:"original_exception,omitempty"`
}

// Wire converts the error to its wire-level representation.
func (e *Error) Wire() WireError {
	w := WireError{
		Code:    e.Code,
		Message: e.Message,
		Data: WireErrorData{
			Exception: string(e.Kind),
			Args:      []string{e.Message},
		},
	}
	if e.Err != nil {
		w.Data.OriginalException = e.Err.Error()
	}
	return w
}

// New creates an error of the given kind wrapping an optional cause.
// Unknown kinds get the generic code.
func New(kind Kind, message string, cause error) *Error {
	code, ok := codeFor[kind]
	if !ok {
		code = CodeGeneric
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// Newf creates an error of the given kind with a formatted message and
// no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// Auth creates an authentication failure.
func Auth(message string, cause error) *Error {
	return New(KindAuth, message, cause)
}

// Network creates a transport failure.
func Network(message string, cause error) *Error {
	return New(KindNetwork, message, cause)
}

// Protocol creates a malformed/erroring wire response failure.
func Protocol(message string, cause error) *Error {
	return New(KindProtocol, message, cause)
}

// Configuration creates an invalid-setup failure.
func Configuration(message string, cause error) *Error {
	return New(KindConfiguration, message, cause)
}

// Validation creates a request-content failure.
func Validation(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

// RecordNotFound creates a missing-record failure.
func RecordNotFound(message string, cause error) *Error {
	return New(KindRecordNotFound, message, cause)
}

// PoolTimeout creates a pool-exhausted failure.
func PoolTimeout(message string) *Error {
	return New(KindPoolTimeout, message, nil)
}

// MethodNotFound reports that method does not exist on model.
func MethodNotFound(model, method string, cause error) *Error {
	msg := fmt.Sprintf("the method %q does not exist on the model %q", method, model)
	return New(KindMethodNotFound, msg, cause)
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// FromRemoteFault classifies a backend fault string into the taxonomy.
// The backend reports ORM-level failures as free-text faults; the
// classification mirrors the error names Odoo embeds in them.
func FromRemoteFault(model, method, fault string, cause error) *Error {
	switch {
	case strings.Contains(fault, "AccessDenied"),
		strings.Contains(fault, "AccessError"),
		strings.Contains(fault, "authenticate"):
		return Auth(fmt.Sprintf("odoo access denied: %s", firstLine(fault)), cause)
	case strings.Contains(fault, "UserError"),
		strings.Contains(fault, "ValidationError"):
		return Validation(fmt.Sprintf("odoo validation error: %s", firstLine(fault)), cause)
	case strings.Contains(fault, "Record does not exist"),
		strings.Contains(fault, "Missing record"):
		return RecordNotFound(fmt.Sprintf("odoo record not found: %s", firstLine(fault)), cause)
	case strings.Contains(fault, "AttributeError"),
		strings.Contains(fault, "does not exist on"):
		return MethodNotFound(model, method, cause)
	default:
		return Protocol(fmt.Sprintf("odoo execution fault: %s", firstLine(fault)), cause)
	}
}

// firstLine trims a fault string to its first line. Odoo faults often
// carry a full server traceback after the message.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
