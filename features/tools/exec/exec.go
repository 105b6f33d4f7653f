// Package exec provides the local-command action executor. Generation
// pipelines are driven by CLI tools (renderers, stitchers, upscalers); this
// executor runs them under an explicit allow list with context cancellation
// and a hard output cap, and classifies timeouts as transient so the action
// manager's automatic retry applies.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	osexec "os/exec"
	"sort"
	"strings"
	"time"

	"goa.design/montage/runtime/action"
	"goa.design/montage/runtime/telemetry"
)

// ErrNotAllowed reports an invocation of a tool outside the allow list.
var ErrNotAllowed = errors.New("tool is not allow-listed")

type (
	// Command describes one allow-listed executable. Parameters from the
	// approved action are appended as --key=value flags in sorted key order,
	// so invocations are deterministic and auditable.
	Command struct {
		// Path is the executable to run. Resolved through PATH.
		Path string
		// Args are the fixed leading arguments.
		Args []string
		// Dir is the working directory. Empty means the process default.
		Dir string
	}

	// Options configures a Runner.
	Options struct {
		// MaxOutputBytes caps captured combined output. Excess is truncated
		// with a marker. Default 64 KiB.
		MaxOutputBytes int
		// Timeout bounds each execution. Zero means no bound beyond the
		// caller's context. Expiry is classified as transient.
		Timeout time.Duration
		// Logger is the diagnostic logger. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Runner implements action.Executor over local commands.
	Runner struct {
		commands  map[string]Command
		maxOutput int
		timeout   time.Duration
		logger    telemetry.Logger
	}
)

// New constructs a Runner over the given tool → command allow list.
func New(commands map[string]Command, opts Options) *Runner {
	r := &Runner{
		commands:  make(map[string]Command, len(commands)),
		maxOutput: opts.MaxOutputBytes,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
	}
	for name, cmd := range commands {
		r.commands[name] = cmd
	}
	if r.maxOutput <= 0 {
		r.maxOutput = 64 * 1024
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	return r
}

// Execute implements action.Executor. Unknown tools fail without spawning a
// process; failures carry the captured output so observers can diagnose them.
func (r *Runner) Execute(ctx context.Context, inv action.Invocation) (action.Result, error) {
	spec, ok := r.commands[inv.Tool]
	if !ok {
		return action.Result{}, fmt.Errorf("%w: %q", ErrNotAllowed, inv.Tool)
	}
	args, err := appendParams(spec.Args, inv.Params)
	if err != nil {
		return action.Result{}, fmt.Errorf("encode parameters for %q: %w", inv.Tool, err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(ctx, spec.Path, args...)
	cmd.Dir = spec.Dir
	out := &cappedBuffer{max: r.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	line := commandLine(spec.Path, args)
	r.logger.Debug(ctx, "executing action command", "tool", inv.Tool, "command", line)
	runErr := cmd.Run()
	result := action.Result{Command: line, Output: out.String()}

	switch {
	case runErr == nil:
		return result, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return result, &action.ExecError{
			Message:   fmt.Sprintf("command %q timed out", line),
			Transient: true,
			Cause:     ctx.Err(),
		}
	case ctx.Err() != nil:
		return result, ctx.Err()
	default:
		var exit *osexec.ExitError
		if errors.As(runErr, &exit) {
			return result, &action.ExecError{
				Message: fmt.Sprintf("command %q exited with code %d", line, exit.ExitCode()),
				Cause:   runErr,
			}
		}
		return result, &action.ExecError{
			Message: fmt.Sprintf("command %q failed to start", line),
			Cause:   runErr,
		}
	}
}

// appendParams flattens the JSON parameter object into --key=value flags in
// sorted key order. Nested objects and arrays are rejected: generation CLIs
// take scalar flags, and anything richer points at a mis-declared schema.
func appendParams(base []string, params json.RawMessage) ([]string, error) {
	args := append([]string(nil), base...)
	if len(params) == 0 {
		return args, nil
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", k, v))
		case bool:
			args = append(args, fmt.Sprintf("--%s=%t", k, v))
		case float64:
			args = append(args, fmt.Sprintf("--%s=%s", k, formatNumber(v)))
		case nil:
			// Null parameters are omitted.
		default:
			return nil, fmt.Errorf("parameter %q is not a scalar", k)
		}
	}
	return args, nil
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

func commandLine(path string, args []string) string {
	if len(args) == 0 {
		return path
	}
	return path + " " + strings.Join(args, " ")
}

// cappedBuffer captures writes up to max bytes and discards the rest,
// recording that truncation happened.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
