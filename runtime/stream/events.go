// Package stream reconstructs display-ready messages from the ordered feed of
// partial events emitted by the director runtime. The director streams a
// message as interleaved content blocks (narration, reasoning, tool
// invocations) whose text and tool arguments arrive as fragments; the
// Reconstructor assembles them into Blocks and a running full-text view
// suitable for character-level progressive rendering.
//
// Events form a closed set: MessageStart, BlockStart, BlockDelta, BlockEnd
// and MessageStop. The feed is strictly ordered per turn; the Reconstructor
// is not safe for concurrent use and callers must apply events from a single
// goroutine, matching the per-session ordering guarantee of the hub.
package stream

import "time"

// BlockKind classifies a content block.
type BlockKind string

const (
	// KindNarration is user-facing assistant text.
	KindNarration BlockKind = "narration"
	// KindReasoning is internal thinking text, displayed separately from
	// narration when observers opt in.
	KindReasoning BlockKind = "reasoning"
	// KindToolInvocation is a tool call whose arguments stream as raw
	// fragments and are parsed only once the block closes.
	KindToolInvocation BlockKind = "tool_invocation"
)

type (
	// Event is one unit of the director's partial-event feed. The set of
	// implementations is closed; Reconstructor.Apply matches it exhaustively.
	Event interface {
		isEvent()
	}

	// MessageStart opens a new message. Exactly one message is open at a time.
	MessageStart struct{}

	// BlockStart opens a content block at a previously unused index.
	// ToolName is set only for tool invocation blocks.
	BlockStart struct {
		Index    int
		Kind     BlockKind
		ToolName string
	}

	// BlockDelta appends a fragment to an open block. Text carries
	// narration/reasoning fragments; Args carries raw tool-argument
	// fragments which are not individually parseable.
	BlockDelta struct {
		Index int
		Text  string
		Args  string
	}

	// BlockEnd closes a block. Args, when non-empty, replaces the buffered
	// argument fragments as the canonical payload (some providers resend the
	// assembled arguments on close). Duration is the provider-measured
	// execution time for tool blocks.
	BlockEnd struct {
		Index    int
		Args     string
		Duration time.Duration
	}

	// MessageStop freezes the open message. No further events are accepted
	// for it.
	MessageStop struct{}
)

func (MessageStart) isEvent() {}
func (BlockStart) isEvent()   {}
func (BlockDelta) isEvent()   {}
func (BlockEnd) isEvent()     {}
func (MessageStop) isEvent()  {}
