package toolrpc

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"
)

// AuditLogger emits structured JSON records to a side channel distinct from
// the protocol stream. One record is emitted for every tools/call branch,
// whatever the outcome.
type AuditLogger struct {
	logger    *slog.Logger
	sanitizer *Sanitizer
}

// NewAuditLogger creates an audit logger writing JSON lines to w. The
// sanitizer scrubs argument values before they are digested; it must not be
// nil.
func NewAuditLogger(w io.Writer, sanitizer *Sanitizer) *AuditLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &AuditLogger{
		logger:    slog.New(handler).With(slog.String("component", "audit")),
		sanitizer: sanitizer,
	}
}

// ToolCall records one tools/call outcome. Arguments are sanitized and
// reduced to a digest; raw values never reach the sink.
func (a *AuditLogger) ToolCall(requestID RequestID, actor, tool, outcome string, args map[string]any) {
	a.logger.Info("tool call",
		slog.String("requestId", string(requestID)),
		slog.String("actor", actor),
		slog.String("action", MethodToolsCall),
		slog.String("outcome", outcome),
		slog.Group("metadata",
			slog.String("tool", tool),
			slog.String("argsDigest", a.argsDigest(args)),
		),
	)
}

// Initialized records a completed initialize handshake.
func (a *AuditLogger) Initialized(actor, protocolVersion string) {
	a.logger.Info("session initialized",
		slog.String("actor", actor),
		slog.String("action", MethodInitialize),
		slog.String("outcome", "success"),
		slog.Group("metadata",
			slog.String("protocolVersion", protocolVersion),
		),
	)
}

// argsDigest hashes the sanitized arguments. Map keys are sorted by the
// JSON encoder, so the digest is deterministic for equal arguments.
func (a *AuditLogger) argsDigest(args map[string]any) string {
	clean := a.sanitizer.Args(args)
	bs, err := json.Marshal(clean)
	if err != nil {
		return "unhashable"
	}
	sum := blake3.Sum256(bs)
	return hex.EncodeToString(sum[:16])
}
