package toolrpc

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// DefaultMaxOutputBytes caps how much tool output is returned to callers.
const DefaultMaxOutputBytes = 64 * 1024

// Patterns of argument keys whose values are never logged or digested in
// the clear.
var defaultKeyPatterns = []string{
	"*token*",
	"*secret*",
	"*password*",
	"*passwd*",
	"*api?key*",
	"*apikey*",
	"*credential*",
}

var credentialValuePattern = regexp.MustCompile(
	`(?i)\b(api[_-]?key|access[_-]?token|token|password|passwd|secret|credential)\b\s*[:=]\s*\S+`)

const redactedPlaceholder = "[REDACTED]"

// Sanitizer scrubs outbound text and argument maps: output is size-capped
// and credential-like patterns are redacted before anything leaves the
// process.
type Sanitizer struct {
	maxOutput   int
	keyPatterns []glob.Glob
}

// SanitizerOption configures optional Sanitizer behavior.
type SanitizerOption func(*Sanitizer) error

// WithMaxOutputBytes overrides the output size cap.
func WithMaxOutputBytes(n int) SanitizerOption {
	return func(s *Sanitizer) error {
		if n > 0 {
			s.maxOutput = n
		}
		return nil
	}
}

// WithKeyPatterns replaces the credential key patterns. Patterns use glob
// syntax and match case-insensitively against argument keys.
func WithKeyPatterns(patterns []string) SanitizerOption {
	return func(s *Sanitizer) error {
		compiled, err := compileKeyPatterns(patterns)
		if err != nil {
			return err
		}
		s.keyPatterns = compiled
		return nil
	}
}

// NewSanitizer creates a sanitizer with the default size cap and credential
// key patterns.
func NewSanitizer(options ...SanitizerOption) (*Sanitizer, error) {
	compiled, err := compileKeyPatterns(defaultKeyPatterns)
	if err != nil {
		return nil, err
	}
	s := &Sanitizer{
		maxOutput:   DefaultMaxOutputBytes,
		keyPatterns: compiled,
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Text redacts credential-like patterns from out and truncates it to the
// size cap.
func (s *Sanitizer) Text(out string) string {
	out = credentialValuePattern.ReplaceAllStringFunc(out, func(m string) string {
		sep := strings.IndexAny(m, ":=")
		if sep < 0 {
			return redactedPlaceholder
		}
		return m[:sep+1] + redactedPlaceholder
	})

	if len(out) > s.maxOutput {
		// Never cut inside a multi-byte rune.
		cut := s.maxOutput
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "... [truncated]"
	}
	return out
}

// Value applies Text to every string reachable within v: plain strings,
// slice elements and map values, recursively. Map values under
// credential-like keys are replaced outright. Non-string leaves pass
// through unchanged.
func (s *Sanitizer) Value(v any) any {
	switch v := v.(type) {
	case string:
		return s.Text(v)
	case map[string]any:
		clean := make(map[string]any, len(v))
		for k, elem := range v {
			if s.sensitiveKey(k) {
				clean[k] = redactedPlaceholder
				continue
			}
			clean[k] = s.Value(elem)
		}
		return clean
	case []any:
		clean := make([]any, len(v))
		for i, elem := range v {
			clean[i] = s.Value(elem)
		}
		return clean
	default:
		return v
	}
}

// Args returns a shallow copy of args with values of credential-like keys
// replaced, suitable for audit digests and logs.
func (s *Sanitizer) Args(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	clean := make(map[string]any, len(args))
	for k, v := range args {
		if s.sensitiveKey(k) {
			clean[k] = redactedPlaceholder
			continue
		}
		if str, ok := v.(string); ok {
			clean[k] = credentialValuePattern.ReplaceAllString(str, redactedPlaceholder)
			continue
		}
		clean[k] = v
	}
	return clean
}

func (s *Sanitizer) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range s.keyPatterns {
		if pattern.Match(lower) {
			return true
		}
	}
	return false
}

func compileKeyPatterns(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, ConfigurationError{Reason: "invalid credential key pattern: " + pattern}
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}
