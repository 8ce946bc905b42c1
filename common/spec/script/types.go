// Package script defines the canonical automation script model shared by the
// matcher, dialogue controller, execution engine, and storage layers.
//
// A ScriptDefinition is immutable per version: the repository collaborator
// creates and updates definitions, the conversational core only reads them.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Repository.GetByID and ActionDirectory.Resolve
// when the requested entry does not exist. Callers should use errors.Is to
// distinguish this expected case from real errors.
var ErrNotFound = errors.New("script: not found")

// ValueType is the declared type of a script parameter.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeDate    ValueType = "date"
)

// Valid reports whether v is one of the declared parameter types.
func (v ValueType) Valid() bool {
	switch v {
	case TypeString, TypeNumber, TypeBoolean, TypeDate:
		return true
	}
	return false
}

// ExecutionKind selects how a script runs: locally in the sandbox, or by
// dispatching an external HTTP action. The kind determines which payload
// field of ScriptDefinition is populated; the other must be absent.
type ExecutionKind string

const (
	// KindLocal means the Code field holds a Lua chunk executed in the sandbox.
	KindLocal ExecutionKind = "local"
	// KindExternalAction means the ActionEndpoint field describes an HTTP call.
	KindExternalAction ExecutionKind = "external_action"
)

// ParameterSpec declares one input a script expects from the user.
type ParameterSpec struct {
	// Name is unique within a script.
	Name string `json:"name" yaml:"name"`
	// Type is the declared value type.
	Type ValueType `json:"type" yaml:"type"`
	// Required marks parameters the dialogue controller must collect before
	// execution.
	Required bool `json:"required" yaml:"required"`
	// Prompt is the text shown when requesting this value from the user.
	Prompt string `json:"prompt" yaml:"prompt"`
}

// ActionEndpoint describes the external HTTP action of a KindExternalAction
// script. Auth is supplied out-of-band by dispatcher configuration, never
// embedded here.
type ActionEndpoint struct {
	// Endpoint is the absolute URL of the action.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Method is the HTTP method (GET, POST, ...).
	Method string `json:"method" yaml:"method"`
	// Body is an optional JSON request body.
	Body json.RawMessage `json:"body,omitempty" yaml:"body,omitempty"`
	// TimeoutMs bounds the request; zero means the dispatcher default.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// ScriptDefinition is a stored automation definition: trigger phrases,
// parameters, and either local code or an external-action endpoint.
type ScriptDefinition struct {
	// ID is an opaque stable identifier.
	ID string `json:"id" yaml:"id"`
	// Name is the human-readable script name.
	Name string `json:"name" yaml:"name"`
	// Description is free text used as a (noisier) matching signal.
	Description string `json:"description" yaml:"description"`
	// Tags boost match confidence when literally contained in an utterance.
	Tags []string `json:"tags" yaml:"tags"`
	// TriggerPhrases are example utterances associated with the script.
	// Order is irrelevant to matching but preserved for display.
	TriggerPhrases []string `json:"triggerPhrases" yaml:"triggerPhrases"`
	// Parameters are collected before execution, in declared order.
	Parameters []ParameterSpec `json:"parameters" yaml:"parameters"`
	// ExecutionKind selects the payload field below.
	ExecutionKind ExecutionKind `json:"executionKind" yaml:"executionKind"`
	// Code is the Lua chunk; present iff ExecutionKind == KindLocal.
	Code string `json:"code,omitempty" yaml:"code,omitempty"`
	// ActionEndpoint is present iff ExecutionKind == KindExternalAction.
	ActionEndpoint *ActionEndpoint `json:"actionEndpoint,omitempty" yaml:"actionEndpoint,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Validate checks a ScriptDefinition for structural correctness.
// It returns the first validation error encountered, or nil if valid.
func (s *ScriptDefinition) Validate() error {
	if s == nil {
		return fmt.Errorf("script must not be nil")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}

	seen := make(map[string]struct{}, len(s.Parameters))
	for i, p := range s.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("parameters[%d]: name must not be empty", i)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("parameters[%d] (%q): unknown type %q", i, p.Name, p.Type)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("parameters[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	// The kind is matched exhaustively so adding a third kind fails loudly
	// here instead of falling through at execution time.
	switch s.ExecutionKind {
	case KindLocal:
		if strings.TrimSpace(s.Code) == "" {
			return fmt.Errorf("executionKind %q requires code", KindLocal)
		}
		if s.ActionEndpoint != nil {
			return fmt.Errorf("executionKind %q must not carry an actionEndpoint", KindLocal)
		}
	case KindExternalAction:
		if s.ActionEndpoint == nil {
			return fmt.Errorf("executionKind %q requires an actionEndpoint", KindExternalAction)
		}
		if strings.TrimSpace(s.Code) != "" {
			return fmt.Errorf("executionKind %q must not carry code", KindExternalAction)
		}
		if strings.TrimSpace(s.ActionEndpoint.Endpoint) == "" {
			return fmt.Errorf("actionEndpoint.endpoint must not be empty")
		}
		if strings.TrimSpace(s.ActionEndpoint.Method) == "" {
			return fmt.Errorf("actionEndpoint.method must not be empty")
		}
	default:
		return fmt.Errorf("unknown executionKind %q", s.ExecutionKind)
	}

	return nil
}

// RequiredParameters returns the required parameters in declared order.
func (s *ScriptDefinition) RequiredParameters() []ParameterSpec {
	var req []ParameterSpec
	for _, p := range s.Parameters {
		if p.Required {
			req = append(req, p)
		}
	}
	return req
}

// Parameter returns the parameter named name, or false when absent.
func (s *ScriptDefinition) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// ExecutionOutcome is the synchronous result of running a script or
// dispatching an external action. Exactly one of Value and ErrorMessage is
// meaningful, selected by Succeeded.
type ExecutionOutcome struct {
	Succeeded    bool
	Value        any
	ErrorMessage string
	ElapsedMs    int64
}

// Repository is the read-only contract the conversational core depends on.
// Implementations must be safe for concurrent use; the core never writes
// through this interface.
type Repository interface {
	// List returns every known script definition.
	List(ctx context.Context) ([]*ScriptDefinition, error)

	// GetByID returns the script with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*ScriptDefinition, error)
}

// ActionDirectory resolves a recognised action verb (e.g. "fetch") to the
// concrete endpoint description registered for it. Part of the repository
// collaborator, consumed by the dialogue controller on the action path.
type ActionDirectory interface {
	// Resolve returns the endpoint registered for verb, or ErrNotFound.
	Resolve(ctx context.Context, verb string) (*ActionEndpoint, error)
}
