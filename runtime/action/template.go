// Package action owns the lifecycle of user-gated action instances: costly,
// irreversible or subjective operations that the director may only propose.
// An instance executes when an observer approves it, possibly with edited
// parameters, and the owning turn stays suspended after completion until an
// explicit continuation arrives.
package action

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Template statically describes one approvable operation. Templates are
	// registered once at process start; proposals reference them by id.
	Template struct {
		// ID is the unique template identifier (e.g. "generate_clip").
		ID string
		// Tool names the underlying generation tool the action invokes. The
		// hub uses it to match intercepted tool calls and to classify
		// execution results.
		Tool string
		// Title is a short human-facing label for approval UIs.
		Title string
		// ParamSchema is the JSON Schema document that proposed and final
		// parameters must satisfy.
		ParamSchema json.RawMessage
	}

	// Registry holds compiled templates. Construct with NewRegistry and
	// inject where needed; there is no package-level registry so tests can
	// instantiate isolated instances. Registration happens at process start;
	// lookups afterwards are read-only and safe for concurrent use.
	Registry struct {
		templates map[string]*compiledTemplate
	}

	compiledTemplate struct {
		template Template
		schema   *jsonschema.Schema
	}
)

// NewRegistry constructs an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*compiledTemplate)}
}

// Register compiles and stores a template. Duplicate ids and invalid schemas
// are rejected.
func (r *Registry) Register(t Template) error {
	if t.ID == "" {
		return fmt.Errorf("action template: empty id")
	}
	if _, dup := r.templates[t.ID]; dup {
		return fmt.Errorf("action template %q: already registered", t.ID)
	}
	schema, err := compileSchema(t.ID, t.ParamSchema)
	if err != nil {
		return fmt.Errorf("action template %q: %w", t.ID, err)
	}
	r.templates[t.ID] = &compiledTemplate{template: t, schema: schema}
	return nil
}

// Get returns the template with the given id.
func (r *Registry) Get(id string) (Template, bool) {
	ct, ok := r.templates[id]
	if !ok {
		return Template{}, false
	}
	return ct.template, true
}

// ForTool returns the template whose underlying tool matches name. The hub
// uses this to decide whether an intercepted tool call must be redirected to
// a proposal.
func (r *Registry) ForTool(name string) (Template, bool) {
	for _, ct := range r.templates {
		if ct.template.Tool == name {
			return ct.template, true
		}
	}
	return Template{}, false
}

// ValidateParams checks params against the template's schema.
func (r *Registry) ValidateParams(id string, params json.RawMessage) error {
	ct, ok := r.templates[id]
	if !ok {
		return ErrUnknownTemplate
	}
	if ct.schema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}
	if err := ct.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, err)
	}
	return nil
}

func compileSchema(id string, doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse param schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	name := id + ".schema.json"
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add param schema: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile param schema: %w", err)
	}
	return schema, nil
}
