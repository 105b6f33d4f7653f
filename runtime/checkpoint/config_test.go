package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfig = `
pipelines:
  music-video:
    producer_tools: [run_command, background_task]
    checkpoints:
      - stage: treatment
        kind: document
        message: "Treatment ready for review."
        artifacts: ["out/treatment.md"]
        rules:
          - output: "treatment.md"
      - stage: frames
        kind: image
        message: "Storyboard frames rendered."
        artifacts: ["out/frames/frame-1.png"]
        rules:
          - output: "frame-1.png"
          - output: "frames complete"
      - stage: final
        kind: video
        message: "Final cut composed."
        artifacts: ["out/final.mp4"]
        final: true
        rules:
          - command: "stitch"
            output: "final.mp4"
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Pipelines, 1)

	p := cfg.Pipelines["music-video"]
	require.Equal(t, []string{"run_command", "background_task"}, p.ProducerTools)
	require.Len(t, p.Checkpoints, 3)
	require.Equal(t, "frames", p.Checkpoints[1].Stage)
	require.Len(t, p.Checkpoints[1].Rules, 2)
	require.True(t, p.Checkpoints[2].Final)
}

func TestConfigDetectorAppliesProducerTools(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	d, err := cfg.Detector("music-video")
	require.NoError(t, err)

	_, ok := d.Detect(context.Background(), "read_file", "", "treatment.md")
	require.False(t, ok)
	rec, ok := d.Detect(context.Background(), "run_command", "", "wrote treatment.md")
	require.True(t, ok)
	require.Equal(t, "treatment", rec.Stage)
}

func TestConfigDetectorUnknownPipeline(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)
	_, err = cfg.Detector("nope")
	require.Error(t, err)
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ``},
		{name: "no checkpoints", doc: "pipelines:\n  p:\n    checkpoints: []\n"},
		{
			name: "duplicate stage",
			doc: `
pipelines:
  p:
    checkpoints:
      - {stage: a, kind: k, message: m, artifacts: [x], final: true, rules: [{output: o}]}
      - {stage: a, kind: k, message: m, artifacts: [x], rules: [{output: o}]}
`,
		},
		{
			name: "no rules",
			doc: `
pipelines:
  p:
    checkpoints:
      - {stage: a, kind: k, message: m, artifacts: [x], final: true, rules: []}
`,
		},
		{
			name: "no artifacts",
			doc: `
pipelines:
  p:
    checkpoints:
      - {stage: a, kind: k, message: m, artifacts: [], final: true, rules: [{output: o}]}
`,
		},
		{
			name: "missing kind",
			doc: `
pipelines:
  p:
    checkpoints:
      - {stage: a, message: m, artifacts: [x], final: true, rules: [{output: o}]}
`,
		},
		{
			name: "no final stage",
			doc: `
pipelines:
  p:
    checkpoints:
      - {stage: a, kind: k, message: m, artifacts: [x], rules: [{output: o}]}
`,
		},
		{
			name: "two final stages",
			doc: `
pipelines:
  p:
    checkpoints:
      - {stage: a, kind: k, message: m, artifacts: [x], final: true, rules: [{output: o}]}
      - {stage: b, kind: k, message: m, artifacts: [x], final: true, rules: [{output: o}]}
`,
		},
		{name: "malformed yaml", doc: "pipelines: ["},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}
