package toolrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
)

const anonymousActor = "anonymous"

type handlerFunc func(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage

// Dispatcher routes parsed requests to method handlers and produces the
// responses handed back to the transport. It owns no I/O: the transport
// adapter only needs Handle plus the server lifecycle.
//
// The registry, resilience tables and cancellation map are passed in at
// construction and mutated only through their accessor operations; each
// guards its own state, since handlers run concurrently.
type Dispatcher struct {
	registry *Registry
	cancels  *CancelRegistry

	limiter *RateLimiter
	breaker *CircuitBreaker

	resources []Resource
	prompts   []Prompt

	sanitizer *Sanitizer
	audit     *AuditLogger
	feed      *EventFeed
	logger    *slog.Logger

	serverInfo Info
	handlers   map[string]handlerFunc

	mu    sync.Mutex
	actor string
}

// DispatcherOption configures optional Dispatcher behavior.
type DispatcherOption func(*Dispatcher)

// WithRateLimiter gates tools/call behind the limiter, keyed by tool and
// the caller identifier recorded during initialize.
func WithRateLimiter(limiter *RateLimiter) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = limiter
	}
}

// WithCircuitBreaker gates tools/call behind the breaker and records
// execution outcomes into it.
func WithCircuitBreaker(breaker *CircuitBreaker) DispatcherOption {
	return func(d *Dispatcher) {
		d.breaker = breaker
	}
}

// WithResources configures the static resources served by resources/list
// and resources/read. The resources capability is advertised only when at
// least one is configured.
func WithResources(resources []Resource) DispatcherOption {
	return func(d *Dispatcher) {
		d.resources = resources
	}
}

// WithPrompts configures the prompts served by prompts/list and
// prompts/get. The prompts capability is advertised only when at least one
// is configured.
func WithPrompts(prompts []Prompt) DispatcherOption {
	return func(d *Dispatcher) {
		d.prompts = prompts
	}
}

// WithAuditLogger sets the audit sink.
func WithAuditLogger(audit *AuditLogger) DispatcherOption {
	return func(d *Dispatcher) {
		d.audit = audit
	}
}

// WithEventFeed publishes tool call lifecycle events to the feed.
func WithEventFeed(feed *EventFeed) DispatcherOption {
	return func(d *Dispatcher) {
		d.feed = feed
	}
}

// WithSanitizer sets the sanitizer applied to outbound tool output and
// resource text. Without it a default sanitizer is used.
func WithSanitizer(sanitizer *Sanitizer) DispatcherOption {
	return func(d *Dispatcher) {
		d.sanitizer = sanitizer
	}
}

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(slog.String("component", "dispatcher"))
	}
}

// NewDispatcher creates a dispatcher over the given registry and
// cancellation map. Without an audit option no audit records are emitted;
// sanitization always runs, with defaults unless WithSanitizer is given.
func NewDispatcher(info Info, registry *Registry, cancels *CancelRegistry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		cancels:    cancels,
		serverInfo: info,
		logger:     slog.Default(),
		actor:      anonymousActor,
	}
	for _, opt := range options {
		opt(d)
	}

	if d.sanitizer == nil {
		d.sanitizer, _ = NewSanitizer()
	}

	d.handlers = map[string]handlerFunc{
		MethodInitialize:    d.handleInitialize,
		MethodPing:          d.handlePing,
		MethodToolsList:     d.handleToolsList,
		MethodToolsCall:     d.handleToolsCall,
		MethodResourcesList: d.handleResourcesList,
		MethodResourcesRead: d.handleResourcesRead,
		MethodPromptsList:   d.handlePromptsList,
		MethodPromptsGet:    d.handlePromptsGet,

		// Client-only features: the server advertises none of these and
		// answers every request with its dedicated error code.
		MethodSamplingCreate: d.unsupported(CodeSamplingNotSupported, "sampling is not supported by this server"),
		MethodRootsList:      d.unsupported(CodeRootsNotSupported, "roots are not supported by this server"),
		MethodRootsRead:      d.unsupported(CodeRootsNotSupported, "roots are not supported by this server"),
		MethodElicitationElicit: d.unsupported(CodeElicitationNotSupported,
			"elicitation is not supported by this server"),

		methodNotificationsCancelled:   d.handleCancelled,
		methodNotificationsInitialized: d.handleInitialized,
	}

	return d
}

// Handle processes one request and returns the response, or nil when the
// message is a notification expecting no reply. Any uncaught failure in a
// handler is converted into a generic internal-error response; full detail
// is logged internally and never forwarded to the caller.
func (d *Dispatcher) Handle(ctx context.Context, msg JSONRPCMessage) (res *JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = d.errorResponse(msg.ID, CodeInternalError, "internal error")
		}
	}()

	if msg.JSONRPC != JSONRPCVersion || msg.Method == "" {
		// Structural failure: answer only when an id could be recovered.
		return d.errorResponse(msg.ID, CodeInvalidRequest, "invalid request")
	}

	handler, ok := d.handlers[msg.Method]
	if !ok {
		if strings.HasPrefix(msg.Method, "notifications/") {
			return nil
		}
		return d.errorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}

	res = handler(ctx, msg)
	if msg.ID == "" {
		// Notifications never get a reply, whatever the handler produced.
		return nil
	}
	return res
}

// Actor returns the caller identifier recorded during initialize. It is an
// audit label, not an authorization boundary; the trust model assumes the
// calling process is already isolated by the host transport.
func (d *Dispatcher) Actor() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.actor
}

func (d *Dispatcher) handleInitialize(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return d.errorResponse(msg.ID, CodeInvalidParams, "invalid initialize params")
	}

	version := ProtocolVersionPrimary
	for _, supported := range supportedProtocolVersions {
		if params.ProtocolVersion == supported {
			version = supported
			break
		}
	}

	if params.ClientInfo.Name != "" {
		d.mu.Lock()
		d.actor = params.ClientInfo.Name
		d.mu.Unlock()
	}

	capabilities := ServerCapabilities{Tools: &ToolsCapability{}}
	if len(d.resources) > 0 {
		capabilities.Resources = &ResourcesCapability{}
	}
	if len(d.prompts) > 0 {
		capabilities.Prompts = &PromptsCapability{}
	}

	if d.audit != nil {
		d.audit.Initialized(d.Actor(), version)
	}

	return d.resultResponse(msg.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    capabilities,
		ServerInfo:      d.serverInfo,
	})
}

func (d *Dispatcher) handlePing(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	return d.resultResponse(msg.ID, struct{}{})
}

func (d *Dispatcher) handleToolsList(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	return d.resultResponse(msg.ID, ListToolsResult{Tools: d.registry.Descriptors()})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	actor := d.Actor()

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		d.auditToolCall(msg.ID, actor, "", "invalid_params", nil)
		return d.errorResponse(msg.ID, CodeInvalidParams, "invalid tools/call params")
	}

	tool, ok := d.registry.Lookup(params.Name)
	if !ok {
		d.auditToolCall(msg.ID, actor, params.Name, "not_found", nil)
		return d.errorResponse(msg.ID, CodeToolNotFound, "tool not found: "+params.Name)
	}

	args, err := decodeArguments(params.Arguments)
	if err != nil {
		d.auditToolCall(msg.ID, actor, params.Name, "invalid_params", nil)
		return d.errorResponse(msg.ID, CodeInvalidParams, err.Error())
	}

	if d.limiter != nil {
		if decision := d.limiter.Check(params.Name, actor); !decision.Allowed {
			d.auditToolCall(msg.ID, actor, params.Name, "rate_limited", args)
			return d.errorResponse(msg.ID, CodeToolExecutionError,
				"rate limit exceeded for tool: "+params.Name)
		}
	}

	if d.breaker != nil && d.breaker.IsOpen(params.Name) {
		d.auditToolCall(msg.ID, actor, params.Name, "circuit_open", args)
		return d.errorResponse(msg.ID, CodeToolExecutionError,
			"tool temporarily unavailable: "+params.Name)
	}

	if err := d.registry.ValidateArguments(tool, args); err != nil {
		d.auditToolCall(msg.ID, actor, params.Name, "invalid_params", args)
		return d.errorResponse(msg.ID, CodeInvalidParams, err.Error())
	}

	var handle *CancelHandle
	if msg.ID != "" {
		handle = d.cancels.Register(msg.ID)
	}

	outcome := "error"
	defer func() {
		// Cleanup runs regardless of outcome: the handle is always
		// deregistered and the audit record always emitted.
		if msg.ID != "" {
			d.cancels.Remove(msg.ID)
		}
		d.auditToolCall(msg.ID, actor, params.Name, outcome, args)
	}()

	result, execErr := d.execute(ctx, tool, args, handle)

	if handle != nil && handle.Cancelled() {
		outcome = "cancelled"
		if d.breaker != nil {
			// A cancelled call is not evidence about tool health.
			d.breaker.RecordSuccess(params.Name)
		}
		return d.errorResponse(msg.ID, CodeRequestCancelled, "request cancelled")
	}

	if execErr != nil {
		d.logger.Error("tool execution failed",
			slog.String("tool", params.Name),
			slog.String("err", execErr.Error()))
		if d.breaker != nil {
			d.breaker.RecordFailure(params.Name)
		}
		if msg.ID == "" {
			return nil
		}
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   errorToJSONRPC(ToolExecutionError{Tool: params.Name, Err: execErr}),
		}
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(params.Name)
	}

	outcome = "success"
	return d.resultResponse(msg.ID, CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: d.sanitizer.Text(renderResult(result))}},
		IsError: false,
	})
}

// execute invokes the tool's executor, converting a panic into an execution
// error so one misbehaving tool cannot take down the request loop.
func (d *Dispatcher) execute(
	ctx context.Context,
	tool Tool,
	args map[string]any,
	handle *CancelHandle,
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked",
				slog.String("tool", tool.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = ToolExecutionError{Tool: tool.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	return tool.Execute(ctx, args, handle)
}

func (d *Dispatcher) handleResourcesList(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	resources := d.resources
	if resources == nil {
		resources = []Resource{}
	}
	return d.resultResponse(msg.ID, ListResourcesResult{Resources: resources})
}

func (d *Dispatcher) handleResourcesRead(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return d.errorResponse(msg.ID, CodeInvalidParams, "invalid resources/read params")
	}

	for _, resource := range d.resources {
		if resource.URI != params.URI {
			continue
		}
		return d.resultResponse(msg.ID, ReadResourceResult{
			Contents: []ResourceContents{{
				URI:      resource.URI,
				MimeType: resource.MimeType,
				Text:     d.sanitizer.Text(resource.Text),
			}},
		})
	}

	return d.errorResponse(msg.ID, CodeResourceNotFound, "resource not found: "+params.URI)
}

func (d *Dispatcher) handlePromptsList(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	prompts := d.prompts
	if prompts == nil {
		prompts = []Prompt{}
	}
	return d.resultResponse(msg.ID, ListPromptsResult{Prompts: prompts})
}

func (d *Dispatcher) handlePromptsGet(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return d.errorResponse(msg.ID, CodeInvalidParams, "invalid prompts/get params")
	}

	for _, prompt := range d.prompts {
		if prompt.Name != params.Name {
			continue
		}

		for _, arg := range prompt.Arguments {
			if !arg.Required {
				continue
			}
			if _, ok := params.Arguments[arg.Name]; !ok {
				return d.errorResponse(msg.ID, CodeInvalidParams,
					"missing required argument: "+arg.Name)
			}
		}

		text := prompt.Template
		for name, value := range params.Arguments {
			text = strings.ReplaceAll(text, "{"+name+"}", value)
		}

		return d.resultResponse(msg.ID, GetPromptResult{
			Description: prompt.Description,
			Messages: []PromptMessage{{
				Role:    "user",
				Content: Content{Type: ContentTypeText, Text: text},
			}},
		})
	}

	return d.errorResponse(msg.ID, CodePromptNotFound, "prompt not found: "+params.Name)
}

func (d *Dispatcher) handleCancelled(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	var params cancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		d.logger.Warn("invalid cancellation notification", slog.String("err", err.Error()))
		return nil
	}

	if d.cancels.Cancel(params.RequestID) {
		d.logger.Info("request cancelled",
			slog.String("requestId", string(params.RequestID)),
			slog.String("reason", params.Reason))
	}
	return nil
}

func (d *Dispatcher) handleInitialized(context.Context, JSONRPCMessage) *JSONRPCMessage {
	return nil
}

func (d *Dispatcher) unsupported(code int, message string) handlerFunc {
	return func(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
		return d.errorResponse(msg.ID, code, message)
	}
}

func (d *Dispatcher) auditToolCall(id RequestID, actor, tool, outcome string, args map[string]any) {
	if d.audit != nil {
		d.audit.ToolCall(id, actor, tool, outcome, args)
	}
	if d.feed != nil {
		d.feed.Publish(Event{
			Type:      "tool_call",
			RequestID: string(id),
			Tool:      tool,
			Outcome:   outcome,
		})
	}
}

func (d *Dispatcher) errorResponse(id RequestID, code int, message string) *JSONRPCMessage {
	if id == "" {
		return nil
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

func (d *Dispatcher) resultResponse(id RequestID, result any) *JSONRPCMessage {
	if id == "" {
		return nil
	}
	bs, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return d.errorResponse(id, CodeInternalError, "internal error")
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	}
}

// decodeArguments rejects non-object argument payloads outright and decodes
// object payloads into a map.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return map[string]any{}, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("arguments must be an object")
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be an object")
	}
	return args, nil
}

// renderResult turns an executor's return value into text content. Strings
// pass through; everything else is JSON-encoded.
func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		bs, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bs)
	}
}
