// Package toolrpc implements a JSON-RPC 2.0 tool server for LLM hosts: a
// schema-validated tool registry behind an MCP-style protocol surface, served
// over stdio with dual-mode framing and optionally over HTTP.
//
// The package covers the full serving pipeline: wire framing and transport,
// method dispatch, argument validation, per-tool resilience (rate limiting,
// circuit breaking, retry backoff), cooperative cancellation, chunked batch
// execution, and output sanitization with an audit trail on the side.
package toolrpc
