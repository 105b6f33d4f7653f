// Package director defines the contract between the montage runtime and the
// external reasoning agent that drives the creative pipeline. The agent is a
// black box: it consumes prompts and tool results and emits the partial-event
// vocabulary reconstructed by runtime/stream. Adapters for concrete providers
// live under features/director.
package director

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/montage/runtime/stream"
)

type (
	// Runtime starts director turns. Implementations own the provider
	// conversation state per session and must consult the ToolGate supplied
	// at construction before executing any tool: gating is enforced in the
	// adapter, not requested in instructions.
	Runtime interface {
		// Start begins one turn and returns a handle to its event feed. The
		// context carries the session's shared cancellation; adapters must
		// observe it at their next suspension point.
		Start(ctx context.Context, turn Turn) (Invocation, error)
	}

	// Turn is one agent invocation.
	Turn struct {
		// SessionID names the owning session.
		SessionID string
		// TurnID uniquely identifies this turn.
		TurnID string
		// Prompt is the user message driving the turn. Empty when Resume
		// carries the whole context.
		Prompt string
		// Attachments reference uploaded media included with the prompt.
		Attachments []Attachment
		// Resume, when non-nil, injects a synthesized status message ahead
		// of the prompt: the outcome of a gated action (artifact path,
		// success or failure, parameter edits) that the agent must see
		// before resuming.
		Resume *ResumeContext
	}

	// Attachment references an uploaded asset by URL; upload and serving are
	// outside the orchestration core.
	Attachment struct {
		Name      string
		MediaType string
		URL       string
	}

	// ResumeContext carries the synthesized continuation context.
	ResumeContext struct {
		// Status is the synthesized status message describing what happened
		// while the turn was suspended.
		Status string
		// Note is an optional literal user message accompanying the
		// continuation.
		Note string
	}

	// Invocation is a handle to one in-flight turn.
	Invocation interface {
		// Events returns the strictly ordered partial-event feed for the
		// turn. The channel closes when the turn finishes.
		Events() <-chan stream.Event
		// ToolResults returns finished tool executions as they complete,
		// including results relayed by detached background sub-tasks. The
		// channel closes when the turn finishes.
		ToolResults() <-chan ToolExecution
		// Wait blocks until the turn finishes and returns its result.
		Wait(ctx context.Context) (TurnResult, error)
		// Cancel requests cooperative cancellation. Idempotent. The
		// underlying tool process is not hard-killed; the guarantee is that
		// no further agent output is forwarded.
		Cancel()
	}

	// ToolExecution is one finished tool run in the vocabulary the
	// checkpoint detector consumes.
	ToolExecution struct {
		// ToolName identifies the executed tool.
		ToolName string
		// Command is the command line the tool ran, when applicable.
		Command string
		// Output is the raw result payload. Output relayed through a
		// background task may arrive with escaped encoding; the detector
		// normalizes it.
		Output string
		// Background reports whether the result was produced by a detached
		// sub-task.
		Background bool
		// Duration is the measured execution time.
		Duration time.Duration
	}

	// TurnResult is the final outcome of a turn.
	TurnResult struct {
		// Text is the final assistant text.
		Text string
		// StopReason is the provider's stop reason ("end_turn", "tool_use",
		// "canceled", ...).
		StopReason string
	}

	// ToolGate is the pre-execution interception point. The session hub
	// implements it: tool calls that map to a registered action template are
	// refused and redirected to a proposal, and the adapter returns the
	// redirect text to the agent as the tool result.
	ToolGate interface {
		// Intercept inspects a pending tool call. When intercepted is true
		// the adapter must not execute the tool and must deliver redirect as
		// the tool result instead.
		Intercept(ctx context.Context, sessionID, toolName string, args json.RawMessage) (redirect string, intercepted bool)
	}

	// NopGate allows every tool call. Useful in tests.
	NopGate struct{}
)

// Intercept implements ToolGate by allowing everything.
func (NopGate) Intercept(context.Context, string, string, json.RawMessage) (string, bool) {
	return "", false
}
