package checkpoint

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func videoDefs() []Definition {
	return []Definition{
		{
			Stage:         "frames",
			Rules:         []Rule{{Output: "frame-6.png"}},
			ArtifactPaths: []string{"out/frames/frame-1.png", "out/frames/frame-6.png"},
			Kind:          "image",
			Message:       "Storyboard frames rendered.",
		},
		{
			Stage:         "final",
			Rules:         []Rule{{Command: "stitch", Output: "final.mp4"}},
			ArtifactPaths: []string{"out/final.mp4"},
			Kind:          "video",
			Message:       "Final cut composed.",
			Final:         true,
		},
	}
}

func TestDetectLaterStageWinsOverEarlierStage(t *testing.T) {
	d := NewDetector(videoDefs())

	// The stitch step echoes its input frames, satisfying the "frames" rule
	// as well. Reverse evaluation must attribute the match to "final".
	out := `stitching frame-1.png .. frame-6.png into final.mp4`
	rec, ok := d.Detect(context.Background(), "run_command", "ffmpeg stitch", out)
	require.True(t, ok)
	require.Equal(t, "final", rec.Stage)
	require.True(t, rec.Final)
	require.Equal(t, []string{"out/final.mp4"}, rec.ArtifactPaths)
}

func TestDetectEarlierStageWhenLaterRulesMiss(t *testing.T) {
	d := NewDetector(videoDefs())
	rec, ok := d.Detect(context.Background(), "run_command", "render", "wrote frame-6.png")
	require.True(t, ok)
	require.Equal(t, "frames", rec.Stage)
	require.Equal(t, "image", rec.Kind)
}

func TestDetectArtifactPathsComeFromConfigurationNotOutput(t *testing.T) {
	d := NewDetector(videoDefs())
	rec, ok := d.Detect(context.Background(), "run_command", "render", "saved /tmp/scratch/frame-6.png")
	require.True(t, ok)
	require.Equal(t, []string{"out/frames/frame-1.png", "out/frames/frame-6.png"}, rec.ArtifactPaths)
}

func TestDetectRuleFieldsAreConjunctive(t *testing.T) {
	d := NewDetector(videoDefs())
	// Output matches the final rule but the command does not contain "stitch".
	_, ok := d.Detect(context.Background(), "run_command", "upload", "uploaded final.mp4")
	require.False(t, ok)
}

func TestDetectNonProducerToolsReturnImmediately(t *testing.T) {
	d := NewDetector(videoDefs(), WithProducerTools("run_command"))
	_, ok := d.Detect(context.Background(), "read_file", "cat", "frame-6.png")
	require.False(t, ok)

	_, ok = d.Detect(context.Background(), "run_command", "render", "frame-6.png")
	require.True(t, ok)
}

func TestDetectNormalizesEscapedBackgroundOutput(t *testing.T) {
	d := NewDetector(videoDefs())
	// Output relayed through a background task arrives with literal escapes.
	escaped := `{\"stdout\": \"wrote frame-6.png\\ndone\"}`
	rec, ok := d.Detect(context.Background(), "background_task", "render", escaped)
	require.True(t, ok)
	require.Equal(t, "frames", rec.Stage)
}

func TestDetectEmptyRuleMatchesEverything(t *testing.T) {
	defs := []Definition{{
		Stage:         "any",
		Rules:         []Rule{{}},
		ArtifactPaths: []string{"out/x"},
		Kind:          "document",
		Message:       "done",
		Final:         true,
	}}
	d := NewDetector(defs)
	rec, ok := d.Detect(context.Background(), "run_command", "", "")
	require.True(t, ok)
	require.Equal(t, "any", rec.Stage)
}

func TestDetectRecordsAreIndependentCopies(t *testing.T) {
	d := NewDetector(videoDefs())
	a, ok := d.Detect(context.Background(), "t", "render", "frame-6.png")
	require.True(t, ok)
	b, ok := d.Detect(context.Background(), "t", "render", "frame-6.png")
	require.True(t, ok)
	a.ArtifactPaths[0] = "mutated"
	require.Equal(t, "out/frames/frame-1.png", b.ArtifactPaths[0])
}

// TestDetectNeverPanicsProperty feeds arbitrary byte input through Detect and
// asserts it always returns cleanly; the worst case is a miss.
func TestDetectNeverPanicsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	d := NewDetector(videoDefs())
	properties.Property("detect returns cleanly on arbitrary input", prop.ForAll(
		func(tool, command, output string) bool {
			rec, ok := d.Detect(context.Background(), tool, command, output)
			return !ok || rec != nil
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
