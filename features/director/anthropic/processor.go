package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"goa.design/montage/runtime/stream"
)

type (
	// processor converts Anthropic Messages streaming events into the
	// partial-event vocabulary and accumulates the assistant message so the
	// tool loop can extend the conversation. One processor handles one
	// streaming response.
	processor struct {
		emit func(stream.Event) error

		toolBlocks map[int]*toolBlock
		textBlocks map[int]*strings.Builder

		order      []int
		toolCalls  []toolCall
		stopReason string
	}

	// toolBlock buffers one streaming tool_use block keyed by content index.
	toolBlock struct {
		id        string
		name      string
		fragments []string
	}

	// toolCall is one complete tool invocation requested by the agent.
	toolCall struct {
		id    string
		name  string
		input json.RawMessage
	}
)

func newProcessor(emit func(stream.Event) error) *processor {
	return &processor{
		emit:       emit,
		toolBlocks: make(map[int]*toolBlock),
		textBlocks: make(map[int]*strings.Builder),
	}
}

// handle folds one SDK union event into the partial-event feed.
func (p *processor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBlock)
		p.textBlocks = make(map[int]*strings.Builder)
		p.order = nil
		p.toolCalls = nil
		p.stopReason = ""
		return p.emit(stream.MessageStart{})

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		p.order = append(p.order, idx)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if block.ID == "" {
				return fmt.Errorf("anthropic stream: tool use block missing id")
			}
			if block.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", block.ID)
			}
			p.toolBlocks[idx] = &toolBlock{id: block.ID, name: block.Name}
			return p.emit(stream.BlockStart{Index: idx, Kind: stream.KindToolInvocation, ToolName: block.Name})
		case sdk.ThinkingBlock:
			p.textBlocks[idx] = &strings.Builder{}
			return p.emit(stream.BlockStart{Index: idx, Kind: stream.KindReasoning})
		default:
			p.textBlocks[idx] = &strings.Builder{}
			return p.emit(stream.BlockStart{Index: idx, Kind: stream.KindNarration})
		}

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			if sb := p.textBlocks[idx]; sb != nil {
				sb.WriteString(delta.Text)
			}
			return p.emit(stream.BlockDelta{Index: idx, Text: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			if sb := p.textBlocks[idx]; sb != nil {
				sb.WriteString(delta.Thinking)
			}
			return p.emit(stream.BlockDelta{Index: idx, Text: delta.Thinking})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			tb := p.toolBlocks[idx]
			if tb == nil {
				return fmt.Errorf("anthropic stream: tool JSON delta for unknown block %d", idx)
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return p.emit(stream.BlockDelta{Index: idx, Args: delta.PartialJSON})
		default:
			// Signature deltas and future delta kinds carry no displayable
			// content.
			return nil
		}

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := p.toolBlocks[idx]; tb != nil {
			input := tb.finalInput()
			p.toolCalls = append(p.toolCalls, toolCall{id: tb.id, name: tb.name, input: input})
			return p.emit(stream.BlockEnd{Index: idx, Args: string(input)})
		}
		return p.emit(stream.BlockEnd{Index: idx})

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		return nil

	case sdk.MessageStopEvent:
		return p.emit(stream.MessageStop{})
	}
	return nil
}

// text returns the accumulated narration and reasoning text in content order.
func (p *processor) text() string {
	var sb strings.Builder
	for _, idx := range p.order {
		if b := p.textBlocks[idx]; b != nil {
			sb.WriteString(b.String())
		}
	}
	return sb.String()
}

// assistantBlocks rebuilds the assistant message content for the
// conversation: text blocks plus tool_use blocks, in content order.
func (p *processor) assistantBlocks() []sdk.ContentBlockParamUnion {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(p.order))
	for _, idx := range p.order {
		if b := p.textBlocks[idx]; b != nil {
			if text := b.String(); text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			continue
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			blocks = append(blocks, sdk.NewToolUseBlock(tb.id, tb.finalInput(), tb.name))
		}
	}
	return blocks
}

func (tb *toolBlock) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
