package exec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/montage/runtime/action"
)

func TestExecuteAllowListedCommand(t *testing.T) {
	r := New(map[string]Command{
		"run_generation": {Path: "echo", Args: []string{"rendering"}},
	}, Options{})

	res, err := r.Execute(context.Background(), action.Invocation{
		Tool:   "run_generation",
		Params: json.RawMessage(`{"scene":2,"style":"noir","preview":true}`),
	})
	require.NoError(t, err)
	// Params become sorted --key=value flags.
	require.Equal(t, "echo rendering --preview=true --scene=2 --style=noir", res.Command)
	require.Equal(t, "rendering --preview=true --scene=2 --style=noir\n", res.Output)
}

func TestExecuteUnknownToolIsRefused(t *testing.T) {
	r := New(map[string]Command{}, Options{})
	_, err := r.Execute(context.Background(), action.Invocation{Tool: "rm_rf"})
	require.ErrorIs(t, err, ErrNotAllowed)
}

func TestExecuteNonScalarParamIsRejected(t *testing.T) {
	r := New(map[string]Command{"t": {Path: "echo"}}, Options{})
	_, err := r.Execute(context.Background(), action.Invocation{
		Tool:   "t",
		Params: json.RawMessage(`{"layers":["a","b"]}`),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a scalar")
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	r := New(map[string]Command{
		"slow": {Path: "sleep", Args: []string{"5"}},
	}, Options{Timeout: 50 * time.Millisecond})

	_, err := r.Execute(context.Background(), action.Invocation{Tool: "slow"})
	require.Error(t, err)
	require.True(t, action.IsTransient(err))
}

func TestExecuteCancellationIsNotTransient(t *testing.T) {
	r := New(map[string]Command{
		"slow": {Path: "sleep", Args: []string{"5"}},
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := r.Execute(ctx, action.Invocation{Tool: "slow"})
	require.Error(t, err)
	require.False(t, action.IsTransient(err))
}

func TestExecuteNonZeroExitIsTerminal(t *testing.T) {
	r := New(map[string]Command{
		"fail": {Path: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}},
	}, Options{})

	res, err := r.Execute(context.Background(), action.Invocation{Tool: "fail"})
	require.Error(t, err)
	require.False(t, action.IsTransient(err))
	var execErr *action.ExecError
	require.True(t, errors.As(err, &execErr))
	require.Contains(t, execErr.Message, "exited with code 3")
	require.Contains(t, res.Output, "boom")
}

func TestExecuteOutputIsCapped(t *testing.T) {
	r := New(map[string]Command{
		"noisy": {Path: "sh", Args: []string{"-c", "seq 1 10000"}},
	}, Options{MaxOutputBytes: 512})

	res, err := r.Execute(context.Background(), action.Invocation{Tool: "noisy"})
	require.NoError(t, err)
	require.LessOrEqual(t, len(res.Output), 512+len("\n[output truncated]"))
	require.True(t, strings.HasSuffix(res.Output, "[output truncated]"))
}
