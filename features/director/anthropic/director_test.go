package anthropic

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/montage/runtime/director"
	"goa.design/montage/runtime/stream"
)

// testDecoder feeds a fixed event sequence to an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func sseEvents(docs ...string) []ssestream.Event {
	out := make([]ssestream.Event, len(docs))
	for i, doc := range docs {
		var typ struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(doc), &typ)
		out[i] = ssestream.Event{Type: typ.Type, Data: json.RawMessage(doc)}
	}
	return out
}

// fakeMessages returns one scripted streaming response per call and records
// the request params.
type fakeMessages struct {
	mu        sync.Mutex
	responses [][]ssestream.Event
	requests  []sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, body)
	var events []ssestream.Event
	if len(f.responses) > 0 {
		events = f.responses[0]
		f.responses = f.responses[1:]
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
}

func textTurnResponse(text, stopReason string) []ssestream.Event {
	return sseEvents(
		`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"`+text+`"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"`+stopReason+`"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)
}

func toolUseResponse(toolName, args string) []ssestream.Event {
	return sseEvents(
		`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"`+toolName+`","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":`+mustQuote(args)+`}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func drain(t *testing.T, inv director.Invocation) ([]stream.Event, []director.ToolExecution) {
	t.Helper()
	var (
		events  []stream.Event
		results []director.ToolExecution
	)
	evCh, resCh := inv.Events(), inv.ToolResults()
	for evCh != nil || resCh != nil {
		select {
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			events = append(events, ev)
		case res, ok := <-resCh:
			if !ok {
				resCh = nil
				continue
			}
			results = append(results, res)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining invocation")
		}
	}
	return events, results
}

func TestStartRunsToolLoopToCompletion(t *testing.T) {
	client := &fakeMessages{responses: [][]ssestream.Event{
		toolUseResponse("run_command", `{"cmd":"render --scene=2"}`),
		textTurnResponse("Scene 2 is rendering.", "end_turn"),
	}}
	tools := []Tool{{
		Name:        "run_command",
		Description: "Run a pipeline command.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handle: func(_ context.Context, args json.RawMessage) (Output, error) {
			var p struct {
				Cmd string `json:"cmd"`
			}
			require.NoError(t, json.Unmarshal(args, &p))
			return Output{Command: p.Cmd, Text: "wrote frame-6.png"}, nil
		},
	}}
	rt, err := New(client, director.NopGate{}, tools, Options{Model: "claude", MaxTokens: 1024, System: "You are the director."})
	require.NoError(t, err)

	inv, err := rt.Start(context.Background(), director.Turn{SessionID: "s1", TurnID: "t1", Prompt: "render scene 2"})
	require.NoError(t, err)

	events, results := drain(t, inv)
	res, err := inv.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Scene 2 is rendering.", res.Text)
	require.Equal(t, "end_turn", res.StopReason)

	// Two streamed messages, each bracketed by start/stop.
	var starts, stops int
	for _, ev := range events {
		switch ev.(type) {
		case stream.MessageStart:
			starts++
		case stream.MessageStop:
			stops++
		}
	}
	require.Equal(t, 2, starts)
	require.Equal(t, 2, stops)

	require.Len(t, results, 1)
	require.Equal(t, "run_command", results[0].ToolName)
	require.Equal(t, "render --scene=2", results[0].Command)
	require.Equal(t, "wrote frame-6.png", results[0].Output)

	// The second request carries the assistant tool_use and the tool result.
	require.Len(t, client.requests, 2)
	require.Len(t, client.requests[1].Messages, 3)
}

func TestStartConsultsGateBeforeExecution(t *testing.T) {
	client := &fakeMessages{responses: [][]ssestream.Event{
		toolUseResponse("run_generation", `{"scene":2}`),
		textTurnResponse("Awaiting your approval.", "end_turn"),
	}}
	executed := false
	tools := []Tool{{
		Name:        "run_generation",
		Description: "Generate a clip.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handle: func(context.Context, json.RawMessage) (Output, error) {
			executed = true
			return Output{Text: "should not run"}, nil
		},
	}}
	gate := gateFunc(func(_ context.Context, sessionID, toolName string, args json.RawMessage) (string, bool) {
		require.Equal(t, "s1", sessionID)
		require.Equal(t, "run_generation", toolName)
		require.JSONEq(t, `{"scene":2}`, string(args))
		return "This operation requires user approval.", true
	})
	rt, err := New(client, gate, tools, Options{Model: "claude", MaxTokens: 1024})
	require.NoError(t, err)

	inv, err := rt.Start(context.Background(), director.Turn{SessionID: "s1", Prompt: "generate"})
	require.NoError(t, err)
	_, results := drain(t, inv)
	_, err = inv.Wait(context.Background())
	require.NoError(t, err)

	// Intercepted calls never execute and never surface a tool result.
	require.False(t, executed)
	require.Empty(t, results)
}

func TestResumeContextPrecedesUserNote(t *testing.T) {
	client := &fakeMessages{responses: [][]ssestream.Event{
		textTurnResponse("Moving on to the next stage.", "end_turn"),
	}}
	rt, err := New(client, director.NopGate{}, nil, Options{Model: "claude", MaxTokens: 1024})
	require.NoError(t, err)

	inv, err := rt.Start(context.Background(), director.Turn{
		SessionID: "s1",
		Resume:    &director.ResumeContext{Status: "The approved action completed.", Note: "love it"},
	})
	require.NoError(t, err)
	drain(t, inv)
	_, err = inv.Wait(context.Background())
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	msgs := client.requests[0].Messages
	require.Len(t, msgs, 1)
	blocks := msgs[0].Content
	require.Len(t, blocks, 2)
	require.Equal(t, "The approved action completed.", blocks[0].OfText.Text)
	require.Equal(t, "love it", blocks[1].OfText.Text)
}

func TestConversationPersistsAcrossTurns(t *testing.T) {
	client := &fakeMessages{responses: [][]ssestream.Event{
		textTurnResponse("Here is the treatment.", "end_turn"),
		textTurnResponse("Storyboard next.", "end_turn"),
	}}
	rt, err := New(client, director.NopGate{}, nil, Options{Model: "claude", MaxTokens: 1024})
	require.NoError(t, err)

	inv, err := rt.Start(context.Background(), director.Turn{SessionID: "s1", Prompt: "write a treatment"})
	require.NoError(t, err)
	drain(t, inv)
	_, err = inv.Wait(context.Background())
	require.NoError(t, err)

	inv, err = rt.Start(context.Background(), director.Turn{SessionID: "s1", Prompt: "now storyboard it"})
	require.NoError(t, err)
	drain(t, inv)
	_, err = inv.Wait(context.Background())
	require.NoError(t, err)

	// Second turn sees the full prior exchange: user, assistant, user.
	require.Len(t, client.requests, 2)
	require.Len(t, client.requests[1].Messages, 3)
}

func TestEmptyTurnIsRejected(t *testing.T) {
	rt, err := New(&fakeMessages{}, director.NopGate{}, nil, Options{Model: "claude", MaxTokens: 1024})
	require.NoError(t, err)
	_, err = rt.Start(context.Background(), director.Turn{SessionID: "s1"})
	require.Error(t, err)
}

type gateFunc func(ctx context.Context, sessionID, toolName string, args json.RawMessage) (string, bool)

func (f gateFunc) Intercept(ctx context.Context, sessionID, toolName string, args json.RawMessage) (string, bool) {
	return f(ctx, sessionID, toolName, args)
}
