package anthropic

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"goa.design/montage/runtime/stream"
)

func decodeEvent(t *testing.T, doc string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(doc), &ev))
	return ev
}

func TestProcessorMapsStreamingEvents(t *testing.T) {
	docs := []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Rendering"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" scene 2."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"run_command","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"render\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	}

	var events []stream.Event
	proc := newProcessor(func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	for _, doc := range docs {
		require.NoError(t, proc.handle(decodeEvent(t, doc)))
	}

	require.Equal(t, []stream.Event{
		stream.MessageStart{},
		stream.BlockStart{Index: 0, Kind: stream.KindNarration},
		stream.BlockDelta{Index: 0, Text: "Rendering"},
		stream.BlockDelta{Index: 0, Text: " scene 2."},
		stream.BlockEnd{Index: 0},
		stream.BlockStart{Index: 1, Kind: stream.KindToolInvocation, ToolName: "run_command"},
		stream.BlockDelta{Index: 1, Args: `{"cmd":`},
		stream.BlockDelta{Index: 1, Args: `"render"}`},
		stream.BlockEnd{Index: 1, Args: `{"cmd":"render"}`},
		stream.MessageStop{},
	}, events)

	require.Equal(t, "tool_use", proc.stopReason)
	require.Equal(t, "Rendering scene 2.", proc.text())
	require.Len(t, proc.toolCalls, 1)
	require.Equal(t, "tu_1", proc.toolCalls[0].id)
	require.Equal(t, "run_command", proc.toolCalls[0].name)
	require.JSONEq(t, `{"cmd":"render"}`, string(proc.toolCalls[0].input))
}

func TestProcessorMapsThinkingToReasoning(t *testing.T) {
	docs := []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Consider pacing."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}

	var events []stream.Event
	proc := newProcessor(func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	for _, doc := range docs {
		require.NoError(t, proc.handle(decodeEvent(t, doc)))
	}

	require.Equal(t, stream.BlockStart{Index: 0, Kind: stream.KindReasoning}, events[1])
	require.Equal(t, stream.BlockDelta{Index: 0, Text: "Consider pacing."}, events[2])
}

func TestProcessorRejectsToolBlockWithoutID(t *testing.T) {
	proc := newProcessor(func(stream.Event) error { return nil })
	require.NoError(t, proc.handle(decodeEvent(t,
		`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`)))
	err := proc.handle(decodeEvent(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"run_command","input":{}}}`))
	require.Error(t, err)
}

func TestProcessorEmptyToolInputDecodesToEmptyObject(t *testing.T) {
	proc := newProcessor(func(stream.Event) error { return nil })
	docs := []string{
		`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"list_assets","input":{}}}`,
		`{"type":"content_block_stop","index":0}`,
	}
	for _, doc := range docs {
		require.NoError(t, proc.handle(decodeEvent(t, doc)))
	}
	require.Len(t, proc.toolCalls, 1)
	require.JSONEq(t, `{}`, string(proc.toolCalls[0].input))
}
