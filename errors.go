package toolrpc

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid startup configuration. It is fatal:
// the process refuses to start rather than serve with a broken config.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ToolNotFoundError reports a call naming a tool absent from the registry.
type ToolNotFoundError struct {
	Name string
}

func (e ToolNotFoundError) Error() string {
	return "tool not found: " + e.Name
}

// ToolExecutionError reports an executor failure. The wrapped error carries
// the raw detail for server-side logging; only the tool name is ever
// forwarded to callers.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e ToolExecutionError) Error() string {
	return fmt.Sprintf("tool execution failed: %s: %v", e.Tool, e.Err)
}

func (e ToolExecutionError) Unwrap() error {
	return e.Err
}

// errorToJSONRPC maps an internal error to the envelope error sent to the
// caller. Raw detail never crosses this boundary: the message carries at
// most the tool name.
func errorToJSONRPC(err error) *JSONRPCError {
	var jerr JSONRPCError
	if errors.As(err, &jerr) {
		return &jerr
	}

	var notFound ToolNotFoundError
	if errors.As(err, &notFound) {
		return &JSONRPCError{Code: CodeToolNotFound, Message: notFound.Error()}
	}

	var execErr ToolExecutionError
	if errors.As(err, &execErr) {
		return &JSONRPCError{Code: CodeToolExecutionError, Message: "tool execution failed: " + execErr.Tool}
	}

	return &JSONRPCError{Code: CodeInternalError, Message: "internal error"}
}
