package action

import (
	"context"
	"encoding/json"
	"time"
)

// Status enumerates the instance lifecycle states. Transitions are
// proposed → executing → completed | errored, with errored → executing
// allowed once more on manual retry.
type Status string

const (
	// StatusProposed is the initial state: awaiting observer approval.
	StatusProposed Status = "proposed"
	// StatusExecuting marks an approved instance whose executor is running.
	StatusExecuting Status = "executing"
	// StatusCompleted is terminal success. Completed instances leave the
	// live registry when the session's continuation resolves.
	StatusCompleted Status = "completed"
	// StatusErrored is terminal failure after the automatic retry. Errored
	// instances stay in the registry so an observer can retry manually.
	StatusErrored Status = "errored"
)

type (
	// Instance is one proposed operation. Instances are owned exclusively by
	// the Manager, which mutates them under its per-session lock. Anything
	// that escapes the manager's call graph — broadcast payloads most of
	// all — must carry a Clone, not the live pointer.
	Instance struct {
		// ID is the unique instance identifier.
		ID string `json:"id"`
		// SessionID names the owning session.
		SessionID string `json:"session_id"`
		// TemplateID references the static template.
		TemplateID string `json:"template_id"`
		// ProposedParams are the parameters the director proposed.
		ProposedParams json.RawMessage `json:"proposed_params"`
		// FinalParams are the parameters the approver executed with. They
		// may differ from ProposedParams; both are retained so consumers can
		// report what changed.
		FinalParams json.RawMessage `json:"final_params,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Err is the terminal failure summary when Status is errored.
		Err string `json:"error,omitempty"`
		// Result is the execution outcome when Status is completed.
		Result *Result `json:"result,omitempty"`
		// CreatedAt is the proposal time (UTC).
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is the last transition time (UTC).
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Invocation is the executor's input: the approved instance and the
	// final parameters to run with.
	Invocation struct {
		Instance *Instance
		Tool     string
		Params   json.RawMessage
	}

	// Result is the raw outcome of one execution, in the vocabulary the
	// checkpoint detector consumes.
	Result struct {
		// Command is the command line the tool ran, when applicable.
		Command string `json:"command,omitempty"`
		// Output is the raw tool output.
		Output string `json:"output"`
	}

	// Executor runs approved actions. Implementations must honor ctx
	// cancellation and classify retryable failures with ExecError so the
	// manager's automatic retry can distinguish them.
	Executor interface {
		Execute(ctx context.Context, inv Invocation) (Result, error)
	}

	// ExecutorFunc adapts a function to the Executor interface.
	ExecutorFunc func(ctx context.Context, inv Invocation) (Result, error)
)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Clone returns a deep copy safe to hand to code that runs outside the
// manager's locks, such as observer writer goroutines marshaling broadcast
// payloads while the live instance keeps transitioning.
func (inst *Instance) Clone() *Instance {
	if inst == nil {
		return nil
	}
	c := *inst
	c.ProposedParams = append(json.RawMessage(nil), inst.ProposedParams...)
	c.FinalParams = append(json.RawMessage(nil), inst.FinalParams...)
	if inst.Result != nil {
		r := *inst.Result
		c.Result = &r
	}
	return &c
}
