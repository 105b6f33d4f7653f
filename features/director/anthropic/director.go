// Package anthropic implements the director runtime on the Anthropic Claude
// Messages API. The adapter owns the per-session conversation, streams
// partial events in the runtime vocabulary, and drives the tool loop: every
// tool call is checked against the gate before execution, so approval-gated
// operations are intercepted here rather than requested in the agent's
// instructions.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/montage/runtime/director"
	"goa.design/montage/runtime/stream"
	"goa.design/montage/runtime/telemetry"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. *sdk.MessageService satisfies it; tests supply fakes.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Output is the result of one local tool run.
	Output struct {
		// Command is the command line the tool ran, when applicable.
		Command string
		// Text is the raw tool output returned to the agent.
		Text string
		// Background reports that the output was relayed by a detached
		// sub-task rather than produced inline.
		Background bool
	}

	// ToolHandler executes one non-gated tool call.
	ToolHandler func(ctx context.Context, args json.RawMessage) (Output, error)

	// Tool declares one tool advertised to the agent. Gated tools register a
	// handler too: the gate decides per call, and non-intercepted calls fall
	// through to the handler.
	Tool struct {
		Name        string
		Description string
		InputSchema json.RawMessage
		Handle      ToolHandler
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps each completion. Required.
		MaxTokens int
		// System is the system prompt establishing the director persona and
		// pipeline instructions.
		System string
		// MaxToolRounds bounds the tool loop within one turn. Default 16.
		MaxToolRounds int
		// Logger is the diagnostic logger. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Runtime implements director.Runtime. Conversations are kept per
	// session so consecutive turns share context; sessions never share
	// state.
	Runtime struct {
		client        MessagesClient
		gate          director.ToolGate
		tools         map[string]Tool
		toolParams    []sdk.ToolUnionParam
		model         string
		maxTokens     int
		system        string
		maxToolRounds int
		logger        telemetry.Logger

		mu            sync.Mutex
		conversations map[string][]sdk.MessageParam
	}

	// invocation is one in-flight turn.
	invocation struct {
		events  chan stream.Event
		results chan director.ToolExecution
		done    chan struct{}
		cancel  context.CancelFunc

		mu     sync.Mutex
		result director.TurnResult
		err    error
	}
)

// New constructs the adapter. The gate is mandatory: a nil gate is a wiring
// error, not a policy choice (use director.NopGate to disable interception).
func New(client MessagesClient, gate director.ToolGate, tools []Tool, opts Options) (*Runtime, error) {
	if client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if gate == nil {
		return nil, errors.New("tool gate is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("max tokens must be positive")
	}
	r := &Runtime{
		client:        client,
		gate:          gate,
		tools:         make(map[string]Tool, len(tools)),
		model:         opts.Model,
		maxTokens:     opts.MaxTokens,
		system:        opts.System,
		maxToolRounds: opts.MaxToolRounds,
		logger:        opts.Logger,
		conversations: make(map[string][]sdk.MessageParam),
	}
	if r.maxToolRounds <= 0 {
		r.maxToolRounds = 16
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	for _, tool := range tools {
		if !isProviderSafeToolName(tool.Name) {
			return nil, fmt.Errorf("tool name %q is not provider-safe", tool.Name)
		}
		if tool.Description == "" {
			return nil, fmt.Errorf("tool %q is missing a description", tool.Name)
		}
		param, err := encodeTool(tool)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
		}
		r.tools[tool.Name] = tool
		r.toolParams = append(r.toolParams, param)
	}
	return r, nil
}

// Start implements director.Runtime.
func (r *Runtime) Start(ctx context.Context, turn director.Turn) (director.Invocation, error) {
	userMsg, err := encodeTurn(turn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	convo := append([]sdk.MessageParam(nil), r.conversations[turn.SessionID]...)
	r.mu.Unlock()
	convo = append(convo, userMsg)

	runCtx, cancel := context.WithCancel(ctx)
	inv := &invocation{
		events:  make(chan stream.Event, 64),
		results: make(chan director.ToolExecution, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go r.run(runCtx, inv, turn, convo)
	return inv, nil
}

// run drives the streaming tool loop until the agent stops requesting tools,
// the round cap is reached, or the turn is canceled.
func (r *Runtime) run(ctx context.Context, inv *invocation, turn director.Turn, convo []sdk.MessageParam) {
	defer inv.finish()

	var (
		finalText  string
		stopReason string
	)
	for round := 0; ; round++ {
		if round >= r.maxToolRounds {
			inv.fail(fmt.Errorf("turn exceeded %d tool rounds", r.maxToolRounds))
			return
		}

		proc := newProcessor(inv.emit)
		params := sdk.MessageNewParams{
			Model:     sdk.Model(r.model),
			MaxTokens: int64(r.maxTokens),
			Messages:  convo,
		}
		if r.system != "" {
			params.System = []sdk.TextBlockParam{{Text: r.system}}
		}
		if len(r.toolParams) > 0 {
			params.Tools = r.toolParams
		}

		sse := r.client.NewStreaming(ctx, params)
		for sse.Next() {
			if err := proc.handle(sse.Current()); err != nil {
				_ = sse.Close()
				inv.fail(err)
				return
			}
		}
		if err := sse.Err(); err != nil {
			inv.fail(fmt.Errorf("anthropic messages stream: %w", err))
			return
		}
		if err := ctx.Err(); err != nil {
			inv.fail(err)
			return
		}

		finalText = proc.text()
		stopReason = proc.stopReason
		if blocks := proc.assistantBlocks(); len(blocks) > 0 {
			convo = append(convo, sdk.NewAssistantMessage(blocks...))
		}

		if stopReason != string(sdk.StopReasonToolUse) || len(proc.toolCalls) == 0 {
			break
		}
		resultBlocks, err := r.runTools(ctx, inv, turn.SessionID, proc.toolCalls)
		if err != nil {
			inv.fail(err)
			return
		}
		convo = append(convo, sdk.NewUserMessage(resultBlocks...))
	}

	r.mu.Lock()
	r.conversations[turn.SessionID] = convo
	r.mu.Unlock()

	inv.succeed(director.TurnResult{Text: finalText, StopReason: stopReason})
}

// runTools resolves one round of tool calls. Every call passes through the
// gate first; intercepted calls receive the redirect text as their result and
// are never executed.
func (r *Runtime) runTools(ctx context.Context, inv *invocation, sessionID string, calls []toolCall) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(calls))
	for _, call := range calls {
		if redirect, intercepted := r.gate.Intercept(ctx, sessionID, call.name, call.input); intercepted {
			blocks = append(blocks, sdk.NewToolResultBlock(call.id, redirect, false))
			continue
		}
		tool, ok := r.tools[call.name]
		if !ok || tool.Handle == nil {
			r.logger.Warn(ctx, "agent requested unknown tool", "tool", call.name)
			blocks = append(blocks, sdk.NewToolResultBlock(call.id,
				fmt.Sprintf("Tool %q is not available.", call.name), true))
			continue
		}

		started := time.Now()
		out, err := tool.Handle(ctx, call.input)
		elapsed := time.Since(started)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			blocks = append(blocks, sdk.NewToolResultBlock(call.id, err.Error(), true))
			continue
		}
		if err := inv.emitResult(ctx, director.ToolExecution{
			ToolName:   call.name,
			Command:    out.Command,
			Output:     out.Text,
			Background: out.Background,
			Duration:   elapsed,
		}); err != nil {
			return nil, err
		}
		blocks = append(blocks, sdk.NewToolResultBlock(call.id, out.Text, false))
	}
	return blocks, nil
}

// encodeTurn builds the user message for the turn. The resume status comes
// first so the agent sees the suspended action's outcome before any new user
// text; attachments are referenced by URL because upload and serving live
// outside the orchestration core.
func encodeTurn(turn director.Turn) (sdk.MessageParam, error) {
	var blocks []sdk.ContentBlockParamUnion
	if turn.Resume != nil && turn.Resume.Status != "" {
		blocks = append(blocks, sdk.NewTextBlock(turn.Resume.Status))
	}
	for _, att := range turn.Attachments {
		blocks = append(blocks, sdk.NewTextBlock(
			fmt.Sprintf("Attached %s (%s): %s", att.Name, att.MediaType, att.URL)))
	}
	if turn.Prompt != "" {
		blocks = append(blocks, sdk.NewTextBlock(turn.Prompt))
	} else if turn.Resume != nil && turn.Resume.Note != "" {
		blocks = append(blocks, sdk.NewTextBlock(turn.Resume.Note))
	}
	if len(blocks) == 0 {
		return sdk.MessageParam{}, errors.New("turn carries no content")
	}
	return sdk.NewUserMessage(blocks...), nil
}

func encodeTool(tool Tool) (sdk.ToolUnionParam, error) {
	var schema map[string]any
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return sdk.ToolUnionParam{}, err
		}
	}
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, tool.Name)
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String(tool.Description)
	}
	return u, nil
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Events implements director.Invocation.
func (i *invocation) Events() <-chan stream.Event { return i.events }

// ToolResults implements director.Invocation.
func (i *invocation) ToolResults() <-chan director.ToolExecution { return i.results }

// Wait implements director.Invocation.
func (i *invocation) Wait(ctx context.Context) (director.TurnResult, error) {
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.result, i.err
	case <-ctx.Done():
		return director.TurnResult{}, ctx.Err()
	}
}

// Cancel implements director.Invocation. Idempotent.
func (i *invocation) Cancel() { i.cancel() }

func (i *invocation) emit(ev stream.Event) error {
	select {
	case i.events <- ev:
		return nil
	case <-i.done:
		return errors.New("invocation finished")
	}
}

func (i *invocation) emitResult(ctx context.Context, res director.ToolExecution) error {
	select {
	case i.results <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *invocation) fail(err error) {
	i.mu.Lock()
	i.err = err
	i.mu.Unlock()
}

func (i *invocation) succeed(result director.TurnResult) {
	i.mu.Lock()
	i.result = result
	i.mu.Unlock()
}

func (i *invocation) finish() {
	close(i.events)
	close(i.results)
	close(i.done)
}
