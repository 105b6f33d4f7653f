package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconstructSingleNarrationBlock(t *testing.T) {
	r := New()
	events := []Event{
		MessageStart{},
		BlockStart{Index: 0, Kind: KindNarration},
		BlockDelta{Index: 0, Text: "Hi"},
		BlockDelta{Index: 0, Text: " there"},
		BlockEnd{Index: 0},
		MessageStop{},
	}
	for _, ev := range events {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}

	msg, ok := r.Message()
	require.True(t, ok)
	require.True(t, msg.Final)
	require.Len(t, msg.Blocks, 1)
	require.Equal(t, KindNarration, msg.Blocks[0].Kind)
	require.True(t, msg.Blocks[0].Complete)
	require.Equal(t, "Hi there", msg.Blocks[0].Text)
	require.Equal(t, "Hi there", r.Text())
}

func TestRunningTextUpdatesOnEveryDelta(t *testing.T) {
	r := New()
	_, err := r.Apply(MessageStart{})
	require.NoError(t, err)
	_, err = r.Apply(BlockStart{Index: 0, Kind: KindNarration})
	require.NoError(t, err)

	ch, err := r.Apply(BlockDelta{Index: 0, Text: "a"})
	require.NoError(t, err)
	require.Equal(t, ChangeBlockAppended, ch.Kind)
	require.Equal(t, "a", ch.RunningText)

	ch, err = r.Apply(BlockDelta{Index: 0, Text: "b"})
	require.NoError(t, err)
	require.Equal(t, "ab", ch.RunningText)
	require.Equal(t, "ab", r.Text())
}

func TestReasoningAndNarrationConcatenateInIndexOrder(t *testing.T) {
	r := New()
	for _, ev := range []Event{
		MessageStart{},
		BlockStart{Index: 0, Kind: KindReasoning},
		BlockDelta{Index: 0, Text: "think. "},
		BlockEnd{Index: 0},
		BlockStart{Index: 1, Kind: KindNarration},
		BlockDelta{Index: 1, Text: "answer"},
	} {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}
	// Open narration block contributes to the running view.
	require.Equal(t, "think. answer", r.Text())
}

func TestParallelToolBlocksKeyedByIndex(t *testing.T) {
	r := New()
	for _, ev := range []Event{
		MessageStart{},
		BlockStart{Index: 1, Kind: KindToolInvocation, ToolName: "render_frames"},
		BlockStart{Index: 2, Kind: KindToolInvocation, ToolName: "compose_audio"},
		BlockDelta{Index: 2, Args: `{"voice":`},
		BlockDelta{Index: 1, Args: `{"count":6}`},
		BlockDelta{Index: 2, Args: `"alto"}`},
		BlockEnd{Index: 2, Duration: 1200 * time.Millisecond},
		BlockEnd{Index: 1, Duration: 800 * time.Millisecond},
		MessageStop{},
	} {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}

	msg, ok := r.Message()
	require.True(t, ok)
	require.Len(t, msg.Blocks, 2)
	require.Equal(t, "render_frames", msg.Blocks[0].ToolName)
	require.JSONEq(t, `{"count":6}`, string(msg.Blocks[0].Args))
	require.Equal(t, 800*time.Millisecond, msg.Blocks[0].Duration)
	require.Equal(t, "compose_audio", msg.Blocks[1].ToolName)
	require.JSONEq(t, `{"voice":"alto"}`, string(msg.Blocks[1].Args))
}

func TestUnknownIndexIsProtocolViolation(t *testing.T) {
	r := New()
	_, err := r.Apply(MessageStart{})
	require.NoError(t, err)

	_, err = r.Apply(BlockDelta{Index: 7, Text: "x"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 7, perr.Index)
}

func TestDuplicateBlockStartIsProtocolViolation(t *testing.T) {
	r := New()
	_, err := r.Apply(MessageStart{})
	require.NoError(t, err)
	_, err = r.Apply(BlockStart{Index: 0, Kind: KindNarration})
	require.NoError(t, err)

	_, err = r.Apply(BlockStart{Index: 0, Kind: KindNarration})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestEventsOutsideMessageAreProtocolViolations(t *testing.T) {
	r := New()
	_, err := r.Apply(BlockStart{Index: 0, Kind: KindNarration})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	_, err = r.Apply(MessageStop{})
	require.ErrorAs(t, err, &perr)
}

func TestMalformedToolArgsDegradeBlockWithoutAbortingStream(t *testing.T) {
	r := New()
	for _, ev := range []Event{
		MessageStart{},
		BlockStart{Index: 0, Kind: KindToolInvocation, ToolName: "stitch_clips"},
		BlockDelta{Index: 0, Args: `{"paths": [unterminated`},
	} {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}

	ch, err := r.Apply(BlockEnd{Index: 0})
	require.NoError(t, err)
	require.Equal(t, ChangeBlockClosed, ch.Kind)
	require.True(t, ch.Block.Complete)
	require.Nil(t, ch.Block.Args)
	require.NotEmpty(t, ch.Block.ParseErr)
	// Partial display text survives the failed parse.
	require.Contains(t, ch.Block.Text, "unterminated")

	_, err = r.Apply(MessageStop{})
	require.NoError(t, err)
}

func TestEmptyToolArgsParseToEmptyObject(t *testing.T) {
	r := New()
	for _, ev := range []Event{
		MessageStart{},
		BlockStart{Index: 0, Kind: KindToolInvocation, ToolName: "list_assets"},
	} {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}
	ch, err := r.Apply(BlockEnd{Index: 0})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(ch.Block.Args))
	require.Empty(t, ch.Block.ParseErr)
}

func TestFrozenMessageIsImmutableAcrossNewMessages(t *testing.T) {
	r := New()
	for _, ev := range []Event{
		MessageStart{},
		BlockStart{Index: 0, Kind: KindNarration},
		BlockDelta{Index: 0, Text: "first"},
		BlockEnd{Index: 0},
		MessageStop{},
	} {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}
	first, ok := r.Message()
	require.True(t, ok)

	for _, ev := range []Event{
		MessageStart{},
		BlockStart{Index: 0, Kind: KindNarration},
		BlockDelta{Index: 0, Text: "second"},
	} {
		_, err := r.Apply(ev)
		require.NoError(t, err)
	}

	require.Equal(t, "first", first.Blocks[0].Text)
	require.Equal(t, "second", r.Text())
}
