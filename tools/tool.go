// Package tools defines the tool interface the runner executes against
// (spec.md §4.3) and the JSON-Schema-backed parameter validation that
// guards every call before execute runs.
//
// Shape grounded on goa-ai's runtime/agent/tools.ToolSpec (name,
// description, JSON-Schema payload, terminal-run flag) trimmed from its
// codegen-oriented metadata down to the handful of fields opal's spec
// actually names.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Context is passed to every tool execution. Supervisors is an
// implementation-defined bag a tool may type-assert to reach the session's
// sub-agent or MCP supervisors (only sub_agent and MCP-bridged tools need
// it); ordinary tools ignore it.
type Context struct {
	SessionID      string
	WorkingDir     string
	ParentAgentPID string
	// CallID is the originating tool call's id, set by the runner per
	// call; a tool that spawns children (sub_agent) uses it as the
	// parent_call_id stamped on forwarded events.
	CallID      string
	Supervisors any
}

// Result is what execute returns: exactly one of a success payload or an
// error is meaningful, discriminated by Ok, per spec.md §4.3's result
// contract.
type Result struct {
	Ok    bool
	Text  string
	Error string
}

// Ok constructs a successful Result.
func Ok(text string) Result { return Result{Ok: true, Text: text} }

// Err constructs a failed Result.
func Err(msg string) Result { return Result{Ok: false, Error: msg} }

// Tool is the interface every built-in, MCP-bridged, skill-loaded, or
// sub-agent tool implements.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-Schema-shaped object describing the
	// tool's input.
	Parameters() map[string]any
	// Meta returns a short human label for the UI describing this
	// specific call (e.g. "Reading main.go").
	Meta(args map[string]any) string
	Execute(ctx context.Context, args map[string]any, tctx Context) Result
	// Terminal reports whether a successful call to this tool should end
	// the run without a further model turn (spec.md's SPEC_FULL ToolSpec
	// addition, grounded on the teacher's ToolSpec.TerminalRun).
	Terminal() bool
}

// Base provides a Terminal() that defaults to false; tools embed it to
// avoid repeating the common case.
type Base struct{}

// Terminal implements Tool's default (non-terminal) behavior.
func (Base) Terminal() bool { return false }

// compiledSchema caches a validated JSON schema per tool name so the
// validator isn't recompiled on every call.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// SchemaCache validates tool arguments against each tool's declared
// Parameters schema, compiling schemas lazily and caching them by tool
// name.
type SchemaCache struct {
	compiled map[string]*compiledSchema
}

// NewSchemaCache constructs an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{compiled: make(map[string]*compiledSchema)}
}

// Validate checks args against t's declared parameter schema, compiling
// and caching the schema on first use. A schema compilation failure is
// treated as a validation failure (a malformed tool definition should
// never silently let bad arguments through).
func (c *SchemaCache) Validate(t Tool, args map[string]any) error {
	cs, ok := c.compiled[t.Name()]
	if !ok {
		compiler := jsonschema.NewCompiler()
		schemaJSON, err := json.Marshal(t.Parameters())
		if err != nil {
			return fmt.Errorf("tools: marshal schema for %s: %w", t.Name(), err)
		}
		res, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			return fmt.Errorf("tools: decode schema for %s: %w", t.Name(), err)
		}
		const resourceURL = "opal://tool-schema"
		if err := compiler.AddResource(resourceURL, res); err != nil {
			return fmt.Errorf("tools: add schema for %s: %w", t.Name(), err)
		}
		schema, err := compiler.Compile(resourceURL)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %s: %w", t.Name(), err)
		}
		cs = &compiledSchema{schema: schema}
		c.compiled[t.Name()] = cs
	}

	// jsonschema validates against any(map[string]interface{}) values
	// decoded the same way json.Unmarshal would produce them; args is
	// already in that shape.
	if err := cs.schema.Validate(toAny(args)); err != nil {
		return fmt.Errorf("tools: %s: arguments do not match schema: %w", t.Name(), err)
	}
	return nil
}

func toAny(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
