package wire

import (
	"encoding/json"
	"fmt"

	"goa.design/montage/runtime/director"
)

// CommandType enumerates inbound command flavors.
type CommandType string

const (
	// CommandSendMessage starts a turn with a user message, or doubles as
	// the continuation when one is pending.
	CommandSendMessage CommandType = "send_message"
	// CommandContinue explicitly resumes a suspended turn.
	CommandContinue CommandType = "continue"
	// CommandExecuteAction approves a proposed action, optionally with
	// edited parameters.
	CommandExecuteAction CommandType = "execute_action"
	// CommandRetryAction manually retries an errored action.
	CommandRetryAction CommandType = "retry_action"
	// CommandCancel requests cooperative cancellation of the active turn.
	CommandCancel CommandType = "cancel"
)

// Command is the inbound envelope. Fields beyond Type are populated per
// command flavor; DecodeCommand enforces which are required.
type Command struct {
	Type        CommandType           `json:"type"`
	Text        string                `json:"text,omitempty"`
	Attachments []director.Attachment `json:"attachments,omitempty"`
	InstanceID  string                `json:"instance_id,omitempty"`
	FinalParams json.RawMessage       `json:"final_params,omitempty"`
}

// DecodeCommand parses and validates an inbound command. Unknown types and
// missing required fields are rejected so the transport can fail fast without
// touching the session.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Type {
	case CommandSendMessage:
		if cmd.Text == "" && len(cmd.Attachments) == 0 {
			return Command{}, fmt.Errorf("send_message: empty message")
		}
	case CommandContinue, CommandCancel:
		// No required fields.
	case CommandExecuteAction, CommandRetryAction:
		if cmd.InstanceID == "" {
			return Command{}, fmt.Errorf("%s: missing instance_id", cmd.Type)
		}
	case "":
		return Command{}, fmt.Errorf("decode command: missing type")
	default:
		return Command{}, fmt.Errorf("decode command: unknown type %q", cmd.Type)
	}
	return cmd, nil
}
