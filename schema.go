package toolrpc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// RequestID is the id field of a JSON-RPC envelope. The wire value may be a
// string or a number; both are normalized to a string representation during
// unmarshaling. The zero value means the envelope carried no id (or an
// explicit null), which marks it as a notification expecting no reply.
type RequestID string

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent a
// request, a response, or a notification depending on which fields are
// populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set, never both
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request-response pairs. Empty for notifications.
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred, either a standard
	// JSON-RPC code or one of the application codes below.
	Code int `json:"code"`

	// Message provides a short description of the error. Messages sent to
	// callers are generic by policy; full detail stays in the server log.
	Message string `json:"message"`

	// Data contains additional unstructured information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Supported protocol versions, exchanged as string literals during
// initialize. Older versions are kept for backward compatibility.
const (
	ProtocolVersion20241105 = "2024-11-05"
	ProtocolVersion20250618 = "2025-06-18"
	ProtocolVersion20251125 = "2025-11-25"

	// ProtocolVersionPrimary is echoed back when the caller requests a
	// version the server does not support.
	ProtocolVersionPrimary = ProtocolVersion20251125
)

var supportedProtocolVersions = []string{
	ProtocolVersion20241105,
	ProtocolVersion20250618,
	ProtocolVersion20251125,
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize negotiates the protocol version and capabilities.
	MethodInitialize = "initialize"
	// MethodPing answers with an empty result, keeping sessions probeable.
	MethodPing = "ping"

	// MethodToolsList retrieves the tool catalog.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList lists the configured resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead reads a specific resource by URI.
	MethodResourcesRead = "resources/read"

	// MethodPromptsList lists the configured prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet renders a specific prompt by name.
	MethodPromptsGet = "prompts/get"

	// MethodSamplingCreate is a client-only feature; the server always
	// answers with SamplingNotSupported.
	MethodSamplingCreate = "sampling/create"
	// MethodRootsList is a client-only feature; always RootsNotSupported.
	MethodRootsList = "roots/list"
	// MethodRootsRead is a client-only feature; always RootsNotSupported.
	MethodRootsRead = "roots/read"
	// MethodElicitationElicit is a client-only feature; always
	// ElicitationNotSupported.
	MethodElicitationElicit = "elicitation/elicit"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes, in the implementation-defined -32000..-32099 range.
const (
	CodeToolNotFound            = -32000
	CodeToolExecutionError      = -32001
	CodeResourceNotFound        = -32002
	CodePromptNotFound          = -32003
	CodeSamplingNotSupported    = -32004
	CodeRootsNotSupported       = -32005
	CodeElicitationNotSupported = -32006
	CodeRequestCancelled        = -32007
)

// Schema describes the arguments a tool accepts. Only object schemas with
// primitive-typed properties are supported.
type Schema struct {
	// Type must be "object". An empty value is normalized to "object"
	// at registration.
	Type string `json:"type"`
	// Properties maps argument names to their declarations.
	Properties map[string]Property `json:"properties,omitempty"`
	// Required lists argument names that must be present and non-null.
	Required []string `json:"required,omitempty"`
}

// Property declares a single named argument of a tool schema.
type Property struct {
	// Type is one of string, number, integer, boolean, array, object.
	Type string `json:"type"`
	// Description documents the argument for catalog consumers.
	Description string `json:"description,omitempty"`
	// Enum restricts the value to one of its members when non-empty.
	Enum []any `json:"enum,omitempty"`
	// Default is advisory; the server does not inject defaults.
	Default any `json:"default,omitempty"`
}

// ToolDescriptor is the read-only, function-calling-style projection of a
// registered tool, as served by tools/list.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema Schema `json:"inputSchema"`
	Icon        string `json:"icon,omitempty"`
}

// ListToolsResult is the result envelope of tools/list.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`
	// Arguments is a JSON object of argument name-value pairs. Non-object
	// payloads are rejected outright.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. All textual
// content has passed through sanitization.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// ContentType represents the type of content in results.
type ContentType string

// ContentTypeText is the only content type the server emits.
const ContentTypeText ContentType = "text"

// Content represents one piece of result content.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// Resource is a static text resource served by resources/read.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Text        string `json:"-"`
}

// ListResourcesResult is the result envelope of resources/list.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams contains parameters for reading a resource.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one piece of resource content returned by resources/read.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ReadResourceResult is the result envelope of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Prompt is a named message template with declared arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Template    string           `json:"-"`
}

// PromptArgument declares a single argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult is the result envelope of prompts/list.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptParams contains parameters for rendering a prompt.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult is the result envelope of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Info contains metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises the feature set during initialize. Tools is
// always present; Resources and Prompts only when any are configured.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ToolsCapability marks tool support.
type ToolsCapability struct{}

// ResourcesCapability marks resource support.
type ResourcesCapability struct{}

// PromptsCapability marks prompt support.
type PromptsCapability struct{}

// InitializeParams is the caller's half of the initialize handshake. The
// ClientInfo identifier is recorded for audit trails only; it is not an
// authorization boundary.
type InitializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

// InitializeResult is the server's half of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

type cancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler, accepting string and numeric id
// values and normalizing both to a string. A JSON null leaves the id empty.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*r = ""
	case string:
		*r = RequestID(v)
	case float64:
		// Non-integral ids must round-trip exactly so the reply
		// correlates to the id the caller actually sent.
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			*r = RequestID(strconv.FormatInt(int64(v), 10))
		} else {
			*r = RequestID(strconv.FormatFloat(v, 'g', -1, 64))
		}
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, always encoding as a string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}
