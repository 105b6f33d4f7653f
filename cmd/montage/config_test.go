package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "montage.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
director:
  model: claude-sonnet-4-5
pipelines: pipelines.yml
pipeline: short_film
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 8192, cfg.Director.MaxTokens)
}

func TestLoadConfigRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no model",
			doc:  "pipelines: p.yml\npipeline: x\n",
			want: "director.model",
		},
		{
			name: "no pipelines path",
			doc:  "director:\n  model: m\npipeline: x\n",
			want: "pipelines path",
		},
		{
			name: "no pipeline name",
			doc:  "director:\n  model: m\npipelines: p.yml\n",
			want: "pipeline name",
		},
		{
			name: "duplicate action id",
			doc: `
director:
  model: m
pipelines: p.yml
pipeline: x
actions:
  - id: generate_clip
    tool: run_generation
  - id: generate_clip
    tool: run_generation
`,
			want: "duplicate action",
		},
		{
			name: "duplicate tool",
			doc: `
director:
  model: m
pipelines: p.yml
pipeline: x
tools:
  - name: render
    path: /usr/bin/render
  - name: render
    path: /usr/bin/render2
`,
			want: "duplicate tool",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.doc))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestActionSchemaJSONRoundTrip(t *testing.T) {
	path := writeConfig(t, `
director:
  model: m
pipelines: p.yml
pipeline: x
actions:
  - id: generate_clip
    tool: run_generation
    title: Generate clip
    param_schema:
      type: object
      required: [scene]
      properties:
        scene:
          type: integer
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Actions, 1)

	schema, err := cfg.Actions[0].SchemaJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "object",
		"required": ["scene"],
		"properties": {"scene": {"type": "integer"}}
	}`, string(schema))
}

func TestActionSchemaJSONDefaultsToOpenObject(t *testing.T) {
	a := ActionConfig{ID: "generate_clip", Tool: "run_generation"}
	schema, err := a.SchemaJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"object"}`, string(schema))
}
