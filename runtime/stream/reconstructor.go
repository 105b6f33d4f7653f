package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type (
	// Block is a reconstructed content block. While the owning message is
	// open, Text grows append-only; Complete flips to true exactly once when
	// the block's BlockEnd is observed. Args and Duration are meaningful only
	// after completion of a tool invocation block.
	Block struct {
		// Index is the provider-assigned position of the block within its
		// message. Indices are unique per message and strictly increasing in
		// order of introduction.
		Index int
		// Kind classifies the block.
		Kind BlockKind
		// Text is the accumulated fragment text. For tool blocks it holds the
		// raw argument fragments so partial display remains possible even
		// when the final parse fails.
		Text string
		// ToolName identifies the invoked tool for tool blocks.
		ToolName string
		// Args is the parsed tool argument payload. Nil until the block
		// closes, and nil when parsing failed (see ParseErr).
		Args json.RawMessage
		// ParseErr describes a malformed argument payload observed at block
		// close. The block is still complete; the stream is not aborted.
		ParseErr string
		// Duration is the provider-measured execution time for tool blocks.
		Duration time.Duration
		// Complete reports whether BlockEnd was observed for the block.
		Complete bool
	}

	// Message is an ordered sequence of blocks plus a terminal flag. The
	// Reconstructor returns an immutable snapshot once MessageStop is
	// observed; later events never mutate it.
	Message struct {
		Blocks []Block
		Final  bool
	}

	// ChangeKind enumerates the outward effect of applying one event.
	ChangeKind string

	// Change is the zero-or-one outward effect of Apply. Block references the
	// affected block (a stable pointer while the message is open). Fragment
	// is the delta applied by a BlockAppended change. RunningText is the
	// index-ordered concatenation of all narration and reasoning text
	// observed so far, refreshed on every delta so observers can render
	// progressively.
	Change struct {
		Kind        ChangeKind
		Block       *Block
		Fragment    string
		RunningText string
	}

	// ProtocolError reports a violation of the partial-event contract:
	// deltas for unknown indices, duplicate block starts, events outside a
	// message. Protocol errors abort the turn; they are never silently
	// dropped.
	ProtocolError struct {
		Index  int
		Reason string
	}

	// Reconstructor assembles one message at a time from the director's
	// partial-event feed. Not safe for concurrent use.
	Reconstructor struct {
		open    bool
		blocks  map[int]*blockState
		order   []int
		lastIdx int
		message *Message
	}

	// blockState holds the mutable per-block buffers. Fragment buffers are
	// released when the message finalizes; only the open message needs them.
	blockState struct {
		block Block
		text  strings.Builder
		args  strings.Builder
	}
)

const (
	// ChangeMessageStarted signals a new open message.
	ChangeMessageStarted ChangeKind = "message_started"
	// ChangeBlockOpened signals a newly opened block.
	ChangeBlockOpened ChangeKind = "block_opened"
	// ChangeBlockAppended signals a fragment appended to an open block.
	ChangeBlockAppended ChangeKind = "block_appended"
	// ChangeBlockClosed signals a completed block.
	ChangeBlockClosed ChangeKind = "block_closed"
	// ChangeMessageStopped signals the frozen message.
	ChangeMessageStopped ChangeKind = "message_stopped"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream protocol violation at block %d: %s", e.Index, e.Reason)
}

// New constructs an empty Reconstructor.
func New() *Reconstructor {
	return &Reconstructor{blocks: make(map[int]*blockState), lastIdx: -1}
}

// Apply folds one event into the reconstruction and returns its outward
// change. Errors are always *ProtocolError values; on error the reconstruction
// state is undefined and the turn must be aborted. Malformed tool arguments at
// BlockEnd are not errors: the block closes degraded with ParseErr set.
func (r *Reconstructor) Apply(ev Event) (Change, error) {
	switch ev := ev.(type) {
	case MessageStart:
		if r.open {
			return Change{}, &ProtocolError{Index: -1, Reason: "message-start while a message is open"}
		}
		r.open = true
		r.blocks = make(map[int]*blockState)
		r.order = r.order[:0]
		r.lastIdx = -1
		r.message = nil
		return Change{Kind: ChangeMessageStarted}, nil

	case BlockStart:
		if !r.open {
			return Change{}, &ProtocolError{Index: ev.Index, Reason: "block-start outside a message"}
		}
		if _, exists := r.blocks[ev.Index]; exists {
			return Change{}, &ProtocolError{Index: ev.Index, Reason: "duplicate block-start"}
		}
		if ev.Index <= r.lastIdx {
			return Change{}, &ProtocolError{Index: ev.Index, Reason: "block index not monotonically introduced"}
		}
		r.lastIdx = ev.Index
		bs := &blockState{block: Block{Index: ev.Index, Kind: ev.Kind, ToolName: ev.ToolName}}
		r.blocks[ev.Index] = bs
		r.order = append(r.order, ev.Index)
		return Change{Kind: ChangeBlockOpened, Block: &bs.block, RunningText: r.runningText()}, nil

	case BlockDelta:
		bs, err := r.openBlock(ev.Index, "block-delta")
		if err != nil {
			return Change{}, err
		}
		fragment := ev.Text
		if ev.Text != "" {
			bs.text.WriteString(ev.Text)
		}
		if ev.Args != "" {
			bs.args.WriteString(ev.Args)
			if fragment == "" {
				fragment = ev.Args
			}
		}
		bs.block.Text = bs.text.String() + bs.args.String()
		return Change{
			Kind:        ChangeBlockAppended,
			Block:       &bs.block,
			Fragment:    fragment,
			RunningText: r.runningText(),
		}, nil

	case BlockEnd:
		bs, err := r.openBlock(ev.Index, "block-end")
		if err != nil {
			return Change{}, err
		}
		bs.block.Complete = true
		bs.block.Duration = ev.Duration
		if bs.block.Kind == KindToolInvocation {
			raw := ev.Args
			if raw == "" {
				raw = bs.args.String()
			}
			bs.block.Args, bs.block.ParseErr = parseArgs(raw)
		}
		return Change{Kind: ChangeBlockClosed, Block: &bs.block, RunningText: r.runningText()}, nil

	case MessageStop:
		if !r.open {
			return Change{}, &ProtocolError{Index: -1, Reason: "message-stop outside a message"}
		}
		r.open = false
		r.message = r.freeze()
		// Release the delta buffers; the frozen snapshot is all that remains.
		r.blocks = make(map[int]*blockState)
		r.order = nil
		return Change{Kind: ChangeMessageStopped, RunningText: r.text(r.message)}, nil

	default:
		return Change{}, &ProtocolError{Index: -1, Reason: fmt.Sprintf("unknown event type %T", ev)}
	}
}

// Text returns the running full-text view: the index-ordered concatenation of
// all narration and reasoning block text observed so far, open blocks
// included. After MessageStop it returns the frozen message's text.
func (r *Reconstructor) Text() string {
	if !r.open && r.message != nil {
		return r.text(r.message)
	}
	return r.runningText()
}

// Message returns the frozen message snapshot, or false while no message has
// completed since the last MessageStart.
func (r *Reconstructor) Message() (*Message, bool) {
	if r.message == nil {
		return nil, false
	}
	return r.message, true
}

func (r *Reconstructor) openBlock(index int, op string) (*blockState, error) {
	if !r.open {
		return nil, &ProtocolError{Index: index, Reason: op + " outside a message"}
	}
	bs, ok := r.blocks[index]
	if !ok {
		return nil, &ProtocolError{Index: index, Reason: op + " for unknown block index"}
	}
	if bs.block.Complete {
		return nil, &ProtocolError{Index: index, Reason: op + " for completed block"}
	}
	return bs, nil
}

func (r *Reconstructor) runningText() string {
	var sb strings.Builder
	for _, idx := range r.order {
		bs := r.blocks[idx]
		if bs.block.Kind == KindToolInvocation {
			continue
		}
		sb.WriteString(bs.text.String())
	}
	return sb.String()
}

func (r *Reconstructor) freeze() *Message {
	msg := &Message{Blocks: make([]Block, 0, len(r.order)), Final: true}
	for _, idx := range r.order {
		msg.Blocks = append(msg.Blocks, r.blocks[idx].block)
	}
	sort.Slice(msg.Blocks, func(i, j int) bool { return msg.Blocks[i].Index < msg.Blocks[j].Index })
	return msg
}

func (r *Reconstructor) text(msg *Message) string {
	var sb strings.Builder
	for _, b := range msg.Blocks {
		if b.Kind == KindToolInvocation {
			continue
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// parseArgs validates and normalizes a buffered tool argument payload. Empty
// payloads decode to the canonical empty object; invalid JSON is reported as a
// parse error with the raw text preserved on the block for display.
func parseArgs(raw string) (json.RawMessage, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}"), ""
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Sprintf("malformed tool arguments: %.64s", trimmed)
	}
	return json.RawMessage(trimmed), ""
}
