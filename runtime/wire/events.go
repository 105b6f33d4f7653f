// Package wire defines the duplex observer protocol: the events a session
// broadcasts to every observer and the commands observers send back. Events
// are JSON envelopes with a type tag, per-session sequence number and typed
// payload; commands are decoded strictly so malformed input is rejected at
// the transport edge rather than deep in the runtime.
package wire

import (
	"encoding/json"
	"time"

	"goa.design/montage/runtime/action"
	"goa.design/montage/runtime/checkpoint"
)

// EventType enumerates outbound event flavors.
type EventType string

const (
	// EventMessageStart signals a new agent message.
	EventMessageStart EventType = "message_start"
	// EventBlockOpened signals a newly opened content block.
	EventBlockOpened EventType = "block_opened"
	// EventBlockAppended signals a fragment appended to an open block,
	// together with the refreshed running full-text view.
	EventBlockAppended EventType = "block_appended"
	// EventBlockClosed signals a completed content block.
	EventBlockClosed EventType = "block_closed"
	// EventMessageStop signals the frozen message.
	EventMessageStop EventType = "message_stop"
	// EventCheckpoint signals a detected pipeline stage boundary.
	EventCheckpoint EventType = "checkpoint"
	// EventActionCreated signals a newly proposed action instance awaiting
	// approval.
	EventActionCreated EventType = "action_instance_created"
	// EventActionProgress signals an action transitioning to executing.
	EventActionProgress EventType = "action_progress"
	// EventActionCompleted signals a successfully executed action.
	EventActionCompleted EventType = "action_completed"
	// EventActionErrored signals a terminally failed action with a retry
	// affordance.
	EventActionErrored EventType = "action_errored"
	// EventAwaitingContinuation signals that the turn is suspended until an
	// explicit continuation arrives.
	EventAwaitingContinuation EventType = "awaiting_continuation"
	// EventCanceled signals cooperative cancellation of the active turn.
	EventCanceled EventType = "canceled"
	// EventSessionExpired signals reclamation of an idle session.
	EventSessionExpired EventType = "session_expired"
	// EventError signals a turn-level failure, broadcast to all observers.
	EventError EventType = "error"
	// EventDesync flags that this observer's bounded queue overflowed and
	// older events were dropped; the observer should resynchronize.
	EventDesync EventType = "desync"
)

type (
	// Event is the outbound envelope. Seq is assigned per session in
	// broadcast order, so observers can detect gaps after a desync.
	Event struct {
		Type      EventType `json:"type"`
		SessionID string    `json:"session_id"`
		TurnID    string    `json:"turn_id,omitempty"`
		Seq       uint64    `json:"seq"`
		At        time.Time `json:"at"`
		Payload   any       `json:"payload,omitempty"`
	}

	// BlockOpenedPayload describes a newly opened block.
	BlockOpenedPayload struct {
		Index    int    `json:"index"`
		Kind     string `json:"kind"`
		ToolName string `json:"tool_name,omitempty"`
	}

	// BlockAppendedPayload carries one fragment plus the running view.
	// Fragment alone supports append-only renderers; Text supports
	// stateless ones that redraw the whole message.
	BlockAppendedPayload struct {
		Index    int    `json:"index"`
		Fragment string `json:"fragment"`
		Text     string `json:"text"`
	}

	// BlockClosedPayload describes a completed block.
	BlockClosedPayload struct {
		Index      int             `json:"index"`
		Kind       string          `json:"kind"`
		ToolName   string          `json:"tool_name,omitempty"`
		Args       json.RawMessage `json:"args,omitempty"`
		ParseErr   string          `json:"parse_error,omitempty"`
		DurationMs int64           `json:"duration_ms,omitempty"`
	}

	// CheckpointPayload is the broadcast form of a detection outcome.
	CheckpointPayload struct {
		*checkpoint.Record
	}

	// ActionPayload carries the live instance reference plus its template
	// title for approval UIs.
	ActionPayload struct {
		Instance *action.Instance `json:"instance"`
		Title    string           `json:"title,omitempty"`
	}

	// AwaitingContinuationPayload describes what the session is waiting on.
	AwaitingContinuationPayload struct {
		// Checkpoint is set when a pipeline stage completed.
		Checkpoint *checkpoint.Record `json:"checkpoint,omitempty"`
		// InstanceID is set when a gated action completed.
		InstanceID string `json:"instance_id,omitempty"`
	}

	// ErrorPayload describes a turn-level failure.
	ErrorPayload struct {
		Message string `json:"message"`
		// Degraded marks protocol violations that abort the stream but
		// preserve already-delivered history.
		Degraded bool `json:"degraded,omitempty"`
	}

	// DesyncPayload reports how many events were dropped from the
	// observer's queue.
	DesyncPayload struct {
		Dropped int `json:"dropped"`
	}
)

// EncodeEvent marshals an event envelope for transport.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
