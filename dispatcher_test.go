package toolrpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hyperionlab/toolrpc"
)

var testInfo = toolrpc.Info{Name: "test-server", Version: "0.0.1"}

func dispatcherRegistry(t *testing.T) *toolrpc.Registry {
	t.Helper()
	reg := toolrpc.NewRegistry()

	tools := []toolrpc.Tool{
		{
			Name:        "echo",
			Description: "echo a message",
			InputSchema: toolrpc.Schema{
				Type: "object",
				Properties: map[string]toolrpc.Property{
					"message": {Type: "string"},
				},
				Required: []string{"message"},
			},
			Execute: func(_ context.Context, args map[string]any, _ *toolrpc.CancelHandle) (any, error) {
				return args["message"], nil
			},
		},
		{
			Name:        "fail",
			InputSchema: toolrpc.Schema{Type: "object"},
			Execute: func(context.Context, map[string]any, *toolrpc.CancelHandle) (any, error) {
				return nil, errors.New("secret database password leaked")
			},
		},
		{
			Name:        "boom",
			InputSchema: toolrpc.Schema{Type: "object"},
			Execute: func(context.Context, map[string]any, *toolrpc.CancelHandle) (any, error) {
				panic("executor bug")
			},
		},
		{
			Name:        "self-cancel",
			InputSchema: toolrpc.Schema{Type: "object"},
			Execute: func(_ context.Context, _ map[string]any, cancel *toolrpc.CancelHandle) (any, error) {
				// Simulates a cancellation arriving while the call runs.
				cancel.Cancel()
				return "finished anyway", nil
			},
		},
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("failed to register %s: %v", tool.Name, err)
		}
	}
	return reg
}

func newTestDispatcher(t *testing.T, options ...toolrpc.DispatcherOption) *toolrpc.Dispatcher {
	t.Helper()
	return toolrpc.NewDispatcher(testInfo, dispatcherRegistry(t),
		toolrpc.NewCancelRegistry(100), options...)
}

func request(t *testing.T, id, method, params string) toolrpc.JSONRPCMessage {
	t.Helper()
	msg := toolrpc.JSONRPCMessage{
		JSONRPC: toolrpc.JSONRPCVersion,
		ID:      toolrpc.RequestID(id),
		Method:  method,
	}
	if params != "" {
		msg.Params = json.RawMessage(params)
	}
	return msg
}

func TestDispatcherInitialize(t *testing.T) {
	t.Run("SupportedVersionIsEchoed", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodInitialize,
			`{"protocolVersion":"2024-11-05","clientInfo":{"name":"test-client","version":"1.0"}}`))
		if res == nil || res.Error != nil {
			t.Fatalf("unexpected response: %+v", res)
		}

		var result toolrpc.InitializeResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if result.ProtocolVersion != "2024-11-05" {
			t.Errorf("supported version must be echoed, got %s", result.ProtocolVersion)
		}
		if result.ServerInfo != testInfo {
			t.Errorf("unexpected server info: %+v", result.ServerInfo)
		}
		if result.Capabilities.Tools == nil {
			t.Error("tools capability must always be advertised")
		}
		if result.Capabilities.Resources != nil || result.Capabilities.Prompts != nil {
			t.Error("unconfigured capabilities must not be advertised")
		}
	})

	t.Run("UnsupportedVersionGetsPrimary", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodInitialize,
			`{"protocolVersion":"1999-01-01","clientInfo":{"name":"c","version":"1"}}`))

		var result toolrpc.InitializeResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if result.ProtocolVersion != toolrpc.ProtocolVersionPrimary {
			t.Errorf("unsupported version must fall back to primary, got %s", result.ProtocolVersion)
		}
	})

	t.Run("ConfiguredCapabilitiesAdvertised", func(t *testing.T) {
		d := newTestDispatcher(t,
			toolrpc.WithResources([]toolrpc.Resource{{URI: "doc://a", Name: "a"}}),
			toolrpc.WithPrompts([]toolrpc.Prompt{{Name: "p", Template: "x"}}))
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodInitialize,
			`{"protocolVersion":"2025-11-25","clientInfo":{"name":"c","version":"1"}}`))

		var result toolrpc.InitializeResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if result.Capabilities.Resources == nil || result.Capabilities.Prompts == nil {
			t.Error("configured capabilities must be advertised")
		}
	})
}

func TestDispatcherPing(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodPing, ""))
	if res == nil || res.Error != nil {
		t.Fatalf("unexpected response: %+v", res)
	}
	if string(res.Result) != "{}" {
		t.Errorf("ping must answer with an empty result, got %s", res.Result)
	}
}

func TestDispatcherToolsList(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsList, ""))
	if res == nil || res.Error != nil {
		t.Fatalf("unexpected response: %+v", res)
	}

	var result toolrpc.ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if len(result.Tools) != 4 {
		t.Errorf("expected 4 tools, got %d", len(result.Tools))
	}
	if result.Tools[0].Name != "echo" {
		t.Errorf("registration order must be preserved, got %s first", result.Tools[0].Name)
	}
}

func TestDispatcherToolsCall(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"echo","arguments":{"message":"hello"}}`))
		if res == nil || res.Error != nil {
			t.Fatalf("unexpected response: %+v", res)
		}

		var result toolrpc.CallToolResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if result.IsError {
			t.Error("successful call must not set isError")
		}
		if len(result.Content) != 1 || result.Content[0].Text != "hello" {
			t.Errorf("unexpected content: %+v", result.Content)
		}
	})

	t.Run("UnknownToolIsNotInternalError", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"nope","arguments":{}}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeToolNotFound {
			t.Errorf("expected CodeToolNotFound, got %d", res.Error.Code)
		}
		if res.Error.Message != "tool not found: nope" {
			t.Errorf("unexpected message: %s", res.Error.Message)
		}
	})

	t.Run("NonObjectArgumentsRejected", func(t *testing.T) {
		d := newTestDispatcher(t)
		for _, args := range []string{`[1,2]`, `"text"`, `42`} {
			res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
				`{"name":"echo","arguments":`+args+`}`))
			if res == nil || res.Error == nil {
				t.Fatalf("arguments %s: expected an error response", args)
			}
			if res.Error.Code != toolrpc.CodeInvalidParams {
				t.Errorf("arguments %s: expected CodeInvalidParams, got %d", args, res.Error.Code)
			}
		}
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"echo","arguments":{}}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeInvalidParams {
			t.Errorf("expected CodeInvalidParams, got %d", res.Error.Code)
		}
		if res.Error.Message != "missing required parameter: message" {
			t.Errorf("unexpected message: %s", res.Error.Message)
		}
	})

	t.Run("ExecutionErrorIsGeneric", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"fail","arguments":{}}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeToolExecutionError {
			t.Errorf("expected CodeToolExecutionError, got %d", res.Error.Code)
		}
		if res.Error.Message != "tool execution failed: fail" {
			t.Errorf("unexpected message: %s", res.Error.Message)
		}
		if strings.Contains(res.Error.Message, "secret") {
			t.Error("raw error detail leaked to the caller")
		}
	})

	t.Run("PanicIsContained", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"boom","arguments":{}}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeToolExecutionError {
			t.Errorf("expected CodeToolExecutionError, got %d", res.Error.Code)
		}
		if strings.Contains(res.Error.Message, "executor bug") {
			t.Error("panic detail leaked to the caller")
		}
	})

	t.Run("CancelledCallReportsCancellation", func(t *testing.T) {
		d := newTestDispatcher(t)
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"self-cancel","arguments":{}}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		// The executor ran to completion, but the post-execution check wins:
		// the caller is told the request was cancelled, not given the result.
		if res.Error.Code != toolrpc.CodeRequestCancelled {
			t.Errorf("expected CodeRequestCancelled, got %d", res.Error.Code)
		}
	})
}

func TestDispatcherRateLimiting(t *testing.T) {
	limiter, err := toolrpc.NewRateLimiter(1, "1m")
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	d := newTestDispatcher(t, toolrpc.WithRateLimiter(limiter))

	first := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
		`{"name":"echo","arguments":{"message":"a"}}`))
	if first == nil || first.Error != nil {
		t.Fatalf("first call must pass: %+v", first)
	}

	second := d.Handle(context.Background(), request(t, "2", toolrpc.MethodToolsCall,
		`{"name":"echo","arguments":{"message":"b"}}`))
	if second == nil || second.Error == nil {
		t.Fatal("second call must be rejected")
	}
	if !strings.Contains(second.Error.Message, "rate limit exceeded") {
		t.Errorf("unexpected message: %s", second.Error.Message)
	}
}

func TestDispatcherCircuitBreaker(t *testing.T) {
	breaker := toolrpc.NewCircuitBreaker(
		toolrpc.WithBreakerMinSamples(2),
		toolrpc.WithBreakerFailureRatio(0.5))
	d := newTestDispatcher(t, toolrpc.WithCircuitBreaker(breaker))

	// Two failing calls trip the circuit for this tool.
	for i := 0; i < 2; i++ {
		d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
			`{"name":"fail","arguments":{}}`))
	}

	res := d.Handle(context.Background(), request(t, "3", toolrpc.MethodToolsCall,
		`{"name":"fail","arguments":{}}`))
	if res == nil || res.Error == nil {
		t.Fatal("expected an error response")
	}
	if !strings.Contains(res.Error.Message, "temporarily unavailable") {
		t.Errorf("expected circuit-open rejection, got %s", res.Error.Message)
	}

	// Other tools keep their own circuits.
	ok := d.Handle(context.Background(), request(t, "4", toolrpc.MethodToolsCall,
		`{"name":"echo","arguments":{"message":"x"}}`))
	if ok == nil || ok.Error != nil {
		t.Errorf("independent tool must still be callable: %+v", ok)
	}
}

func TestDispatcherResources(t *testing.T) {
	d := newTestDispatcher(t, toolrpc.WithResources([]toolrpc.Resource{
		{URI: "doc://guide", Name: "guide", MimeType: "text/plain", Text: "the guide body"},
	}))

	t.Run("List", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodResourcesList, ""))
		var result toolrpc.ListResourcesResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if len(result.Resources) != 1 || result.Resources[0].URI != "doc://guide" {
			t.Errorf("unexpected resources: %+v", result.Resources)
		}
	})

	t.Run("Read", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodResourcesRead,
			`{"uri":"doc://guide"}`))
		var result toolrpc.ReadResourceResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if len(result.Contents) != 1 || result.Contents[0].Text != "the guide body" {
			t.Errorf("unexpected contents: %+v", result.Contents)
		}
	})

	t.Run("ReadMiss", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodResourcesRead,
			`{"uri":"doc://missing"}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeResourceNotFound {
			t.Errorf("expected CodeResourceNotFound, got %d", res.Error.Code)
		}
	})
}

func TestDispatcherPrompts(t *testing.T) {
	d := newTestDispatcher(t, toolrpc.WithPrompts([]toolrpc.Prompt{
		{
			Name:     "greet",
			Template: "Hello {name}, welcome to {place}!",
			Arguments: []toolrpc.PromptArgument{
				{Name: "name", Required: true},
				{Name: "place"},
			},
		},
	}))

	t.Run("GetWithSubstitution", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodPromptsGet,
			`{"name":"greet","arguments":{"name":"Ada","place":"toolrpc"}}`))
		var result toolrpc.GetPromptResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to parse result: %v", err)
		}
		if len(result.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(result.Messages))
		}
		if result.Messages[0].Content.Text != "Hello Ada, welcome to toolrpc!" {
			t.Errorf("unexpected rendering: %s", result.Messages[0].Content.Text)
		}
	})

	t.Run("MissingRequiredArgument", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodPromptsGet,
			`{"name":"greet","arguments":{"place":"x"}}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeInvalidParams {
			t.Errorf("expected CodeInvalidParams, got %d", res.Error.Code)
		}
	})

	t.Run("UnknownPrompt", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodPromptsGet,
			`{"name":"nope"}`))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodePromptNotFound {
			t.Errorf("expected CodePromptNotFound, got %d", res.Error.Code)
		}
	})
}

func TestDispatcherUnsupportedFeatures(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []struct {
		method string
		code   int
	}{
		{toolrpc.MethodSamplingCreate, toolrpc.CodeSamplingNotSupported},
		{toolrpc.MethodRootsList, toolrpc.CodeRootsNotSupported},
		{toolrpc.MethodRootsRead, toolrpc.CodeRootsNotSupported},
		{toolrpc.MethodElicitationElicit, toolrpc.CodeElicitationNotSupported},
	}
	for _, tc := range tests {
		res := d.Handle(context.Background(), request(t, "1", tc.method, "{}"))
		if res == nil || res.Error == nil {
			t.Fatalf("%s: expected an error response", tc.method)
		}
		if res.Error.Code != tc.code {
			t.Errorf("%s: expected code %d, got %d", tc.method, tc.code, res.Error.Code)
		}
	}
}

func TestDispatcherProtocolEdges(t *testing.T) {
	d := newTestDispatcher(t)

	t.Run("UnknownMethod", func(t *testing.T) {
		res := d.Handle(context.Background(), request(t, "1", "no/such/method", ""))
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeMethodNotFound {
			t.Errorf("expected CodeMethodNotFound, got %d", res.Error.Code)
		}
	})

	t.Run("UnknownNotificationIsDropped", func(t *testing.T) {
		msg := toolrpc.JSONRPCMessage{
			JSONRPC: toolrpc.JSONRPCVersion,
			Method:  "notifications/no-such",
		}
		if res := d.Handle(context.Background(), msg); res != nil {
			t.Errorf("unknown notification must not get a reply: %+v", res)
		}
	})

	t.Run("WrongVersionWithID", func(t *testing.T) {
		msg := toolrpc.JSONRPCMessage{JSONRPC: "1.0", ID: "1", Method: "ping"}
		res := d.Handle(context.Background(), msg)
		if res == nil || res.Error == nil {
			t.Fatal("expected an error response")
		}
		if res.Error.Code != toolrpc.CodeInvalidRequest {
			t.Errorf("expected CodeInvalidRequest, got %d", res.Error.Code)
		}
	})

	t.Run("WrongVersionWithoutID", func(t *testing.T) {
		msg := toolrpc.JSONRPCMessage{JSONRPC: "1.0", Method: "ping"}
		if res := d.Handle(context.Background(), msg); res != nil {
			t.Errorf("unanswerable structural failure must be dropped: %+v", res)
		}
	})

	t.Run("InitializedNotificationIsSilent", func(t *testing.T) {
		msg := toolrpc.JSONRPCMessage{
			JSONRPC: toolrpc.JSONRPCVersion,
			Method:  "notifications/initialized",
		}
		if res := d.Handle(context.Background(), msg); res != nil {
			t.Errorf("initialized notification must not get a reply: %+v", res)
		}
	})

	t.Run("CancelledNotificationIsSilent", func(t *testing.T) {
		msg := toolrpc.JSONRPCMessage{
			JSONRPC: toolrpc.JSONRPCVersion,
			Method:  "notifications/cancelled",
			Params:  json.RawMessage(`{"requestId":"req-404","reason":"user"}`),
		}
		if res := d.Handle(context.Background(), msg); res != nil {
			t.Errorf("cancellation of an unknown request must be silent: %+v", res)
		}
	})
}

func TestDispatcherAuditTrail(t *testing.T) {
	sanitizer, err := toolrpc.NewSanitizer()
	if err != nil {
		t.Fatalf("failed to create sanitizer: %v", err)
	}
	var sink bytes.Buffer
	audit := toolrpc.NewAuditLogger(&sink, sanitizer)

	d := newTestDispatcher(t, toolrpc.WithAuditLogger(audit))

	d.Handle(context.Background(), request(t, "1", toolrpc.MethodInitialize,
		`{"protocolVersion":"2025-11-25","clientInfo":{"name":"audit-client","version":"1"}}`))
	d.Handle(context.Background(), request(t, "2", toolrpc.MethodToolsCall,
		`{"name":"echo","arguments":{"message":"hi"}}`))
	d.Handle(context.Background(), request(t, "3", toolrpc.MethodToolsCall,
		`{"name":"nope","arguments":{}}`))

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(lines))
	}

	// The initialize handshake recorded the actor; subsequent records carry it.
	var callRecord map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &callRecord); err != nil {
		t.Fatalf("failed to parse record: %v", err)
	}
	if callRecord["actor"] != "audit-client" {
		t.Errorf("expected recorded actor, got %v", callRecord["actor"])
	}
	if callRecord["outcome"] != "success" {
		t.Errorf("unexpected outcome: %v", callRecord["outcome"])
	}

	// The failed lookup still produced a record.
	var missRecord map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &missRecord); err != nil {
		t.Fatalf("failed to parse record: %v", err)
	}
	if missRecord["outcome"] != "not_found" {
		t.Errorf("unexpected outcome: %v", missRecord["outcome"])
	}
}

func TestDispatcherSanitizesToolOutput(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Handle(context.Background(), request(t, "1", toolrpc.MethodToolsCall,
		`{"name":"echo","arguments":{"message":"api_key=sk-12345 is the key"}}`))
	if res == nil || res.Error != nil {
		t.Fatalf("unexpected response: %+v", res)
	}

	var result toolrpc.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if strings.Contains(result.Content[0].Text, "sk-12345") {
		t.Errorf("credential leaked through tool output: %s", result.Content[0].Text)
	}
}
