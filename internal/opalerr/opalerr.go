// Package opalerr names the error kinds the RPC transport and agent loop
// distinguish when deciding whether a failure ends a turn, is retried, or
// is reported to the LLM as tool data rather than raised.
package opalerr

import "errors"

// Kind identifies one of the error categories a component can surface.
type Kind string

const (
	// ClientClosed means the RPC peer closed its side of the connection.
	ClientClosed Kind = "client_closed"
	// ConnectionLost means the transport died unexpectedly (not a clean close).
	ConnectionLost Kind = "connection_lost"
	// Timeout means an operation exceeded its deadline.
	Timeout Kind = "timeout"
	// RpcServerError wraps a JSON-RPC error response {code, message, data}.
	RpcServerError Kind = "rpc_server_error"
	// Aborted means the operation was cancelled cooperatively (agent/abort).
	Aborted Kind = "aborted"
	// ProviderTransient means a provider error the agent loop should retry
	// with backoff (rate limits, 5xx, connection resets).
	ProviderTransient Kind = "provider_transient"
	// ProviderPermanent means a provider error retrying cannot fix
	// (context length exceeded, authentication failure).
	ProviderPermanent Kind = "provider_permanent"
	// NotFound means a referenced session, message, or resource doesn't exist.
	NotFound Kind = "not_found"
	// InvalidParams means the caller's request failed validation.
	InvalidParams Kind = "invalid_params"
	// ToolExecutionError means a tool call failed; this is data returned to
	// the LLM as an is_error tool_result, never raised to the transport.
	ToolExecutionError Kind = "tool_execution_error"
	// StorageError means a save/load against the session store failed.
	StorageError Kind = "storage_error"
)

// Error is an opalerr-classified error wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Code    int            // populated for RpcServerError
	Data    map[string]any // populated for RpcServerError
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of kind with message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of kind wrapping cause, using cause's message if
// message is empty.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As reports whether err (or one it wraps) is an *Error, populating out.
func As(err error, out **Error) bool {
	return errors.As(err, out)
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RPC JSON-RPC 2.0 reserved error codes (spec.md §6).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCCode maps an opalerr Kind to the JSON-RPC error code a transport
// should report when a request fails with this kind.
func RPCCode(kind Kind) int {
	switch kind {
	case InvalidParams:
		return CodeInvalidParams
	case NotFound:
		return CodeInvalidParams
	case RpcServerError:
		return CodeInternalError
	default:
		return CodeInternalError
	}
}
