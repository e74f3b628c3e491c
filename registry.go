package toolrpc

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
)

// Executor is the opaque callable behind a tool. The cancellation handle is
// advisory: executors that never poll it run to completion regardless, and
// only the status reported to the caller reflects the cancellation.
type Executor func(ctx context.Context, args map[string]any, cancel *CancelHandle) (any, error)

// Tool is a named, schema-described operation the server can execute on a
// caller's behalf. Tools are created at startup registration and immutable
// thereafter.
type Tool struct {
	Name        string
	Description string
	InputSchema Schema
	Execute     Executor
	Icon        string
}

// CatalogLoader supplies tool records from an external, less-trusted
// catalog (for example imported skill definitions) at startup.
type CatalogLoader interface {
	Load(ctx context.Context) ([]Tool, error)
}

var reservedNamePrefixes = []string{"system", "internal"}

var validArgumentTypes = map[string]struct{}{
	"string": {}, "number": {}, "integer": {}, "boolean": {}, "array": {}, "object": {},
}

// Registry is the append-only catalog of tools. All mutation goes through
// Register and RegisterExternal; lookups and the catalog projection are
// read-only. Every accessor takes the registry lock, since requests are
// handled concurrently.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// RegistryOption configures optional Registry behavior.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(slog.String("component", "registry"))
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a tool from trusted, explicit configuration. Names that
// fail the naming policy are rejected, as are duplicates and invalid
// schemas.
func (r *Registry) Register(tool Tool) error {
	if err := CheckToolName(tool.Name); err != nil {
		return err
	}
	return r.add(tool)
}

// RegisterExternal adds a tool from an external catalog. Instead of
// rejecting a policy-violating name, it is rewritten by a deterministic
// slugify-and-prefix transform and the substitution is logged. The final
// registered name is returned.
func (r *Registry) RegisterExternal(tool Tool) (string, error) {
	if err := CheckToolName(tool.Name); err != nil {
		slug := slugifyToolName(tool.Name)
		r.logger.Warn("rewriting external tool name",
			slog.String("original", tool.Name),
			slog.String("registered", slug))
		tool.Name = slug
	}
	if err := r.add(tool); err != nil {
		return "", err
	}
	return tool.Name, nil
}

// RegisterCatalog loads and registers every tool the loader supplies.
func (r *Registry) RegisterCatalog(ctx context.Context, loader CatalogLoader) error {
	tools, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}
	for _, tool := range tools {
		if _, err := r.RegisterExternal(tool); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) add(tool Tool) error {
	if tool.InputSchema.Type == "" {
		tool.InputSchema.Type = "object"
	}
	if err := checkSchema(tool.InputSchema); err != nil {
		return ConfigurationError{Reason: fmt.Sprintf("tool %s: %s", tool.Name, err)}
	}
	if tool.Execute == nil {
		return ConfigurationError{Reason: fmt.Sprintf("tool %s: missing executor", tool.Name)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return ConfigurationError{Reason: fmt.Sprintf("tool already registered: %s", tool.Name)}
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptors returns the catalog as a read-only function-calling-style
// projection in registration order. It is consumed by tools/list and by no
// other component.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		descriptors = append(descriptors, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Icon:        tool.Icon,
		})
	}
	return descriptors
}

// ValidateArguments checks args against the tool's schema. Validation runs
// in a fixed order and stops at the first failure: required presence, then
// unknown keys, then runtime types, then enum membership. Downstream
// behavior depends on "missing required" being reported before any type
// mismatch.
func (r *Registry) ValidateArguments(tool Tool, args map[string]any) error {
	schema := tool.InputSchema

	for _, name := range schema.Required {
		v, present := args[name]
		if !present || v == nil {
			return fmt.Errorf("missing required parameter: %s", name)
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, declared := schema.Properties[k]; !declared {
			return fmt.Errorf("unknown parameter: %s", k)
		}
	}

	for _, k := range keys {
		prop := schema.Properties[k]
		v := args[k]
		if v == nil {
			continue
		}
		if err := checkValueType(k, prop.Type, v); err != nil {
			return err
		}
	}

	for _, k := range keys {
		prop := schema.Properties[k]
		if len(prop.Enum) == 0 || args[k] == nil {
			continue
		}
		if !enumContains(prop.Enum, args[k]) {
			return fmt.Errorf("parameter %s: value is not one of the allowed values", k)
		}
	}

	return nil
}

// CheckToolName enforces the tool naming policy: starts with a lowercase
// letter; body restricted to letters, digits, underscore and hyphen; no
// doubled underscore; no trailing hyphen; no reserved prefix.
func CheckToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if name[0] < 'a' || name[0] > 'z' {
		return fmt.Errorf("tool name must start with a lowercase letter: %s", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return fmt.Errorf("tool name contains invalid character %q: %s", c, name)
		}
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("tool name contains doubled underscore: %s", name)
	}
	if strings.HasSuffix(name, "-") {
		return fmt.Errorf("tool name ends with hyphen: %s", name)
	}
	for _, prefix := range reservedNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("tool name uses reserved prefix %q: %s", prefix, name)
		}
	}
	return nil
}

// slugifyToolName deterministically rewrites an arbitrary catalog name into
// a policy-conforming one: lowercase, invalid runs collapsed to single
// underscores, trimmed, and prefixed with "ext-".
func slugifyToolName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, c := range strings.ToLower(name) {
		valid := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-'
		if valid {
			b.WriteRune(c)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_-")
	if slug == "" {
		slug = "tool"
	}
	return "ext-" + slug
}

func checkSchema(schema Schema) error {
	if schema.Type != "object" {
		return fmt.Errorf("schema type must be object, got %q", schema.Type)
	}
	for name, prop := range schema.Properties {
		if _, ok := validArgumentTypes[prop.Type]; !ok {
			return fmt.Errorf("property %s: unsupported type %q", name, prop.Type)
		}
	}
	for _, name := range schema.Required {
		if _, declared := schema.Properties[name]; !declared {
			return fmt.Errorf("required parameter %s is not declared", name)
		}
	}
	return nil
}

// checkValueType matches a JSON-decoded runtime value against a declared
// primitive type. Integer additionally requires a whole-number value.
func checkValueType(name, want string, v any) error {
	got := jsonTypeName(v)

	switch want {
	case "integer":
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("parameter %s: expected integer, got %s", name, got)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("parameter %s: expected integer, got fractional number", name)
		}
		return nil
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("parameter %s: expected number, got %s", name, got)
		}
		return nil
	default:
		if got != want {
			return fmt.Errorf("parameter %s: expected %s, got %s", name, want, got)
		}
		return nil
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func enumContains(enum []any, v any) bool {
	for _, member := range enum {
		if jsonValueEqual(member, v) {
			return true
		}
	}
	return false
}

// jsonValueEqual compares an enum member (authored in Go, possibly as an
// int) with a JSON-decoded value (numbers always float64).
func jsonValueEqual(a, b any) bool {
	if af, ok := numericValue(a); ok {
		bf, ok := numericValue(b)
		return ok && af == bf
	}
	return a == b
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
