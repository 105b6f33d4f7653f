// Package checkpoint detects pipeline stage boundaries from finished tool
// executions. Stages are described declaratively: each pipeline carries an
// ordered table of definitions whose rules are substring matches against the
// tool command and output. Adding a stage is a configuration change, never a
// code change to the detector.
package checkpoint

type (
	// Rule matches a tool execution when every present field is a substring
	// of the corresponding result field. The zero rule matches everything.
	Rule struct {
		// Command, when non-empty, must be a substring of the executed
		// command.
		Command string `yaml:"command,omitempty"`
		// Output, when non-empty, must be a substring of the normalized tool
		// output.
		Output string `yaml:"output,omitempty"`
	}

	// Definition declares one pipeline stage boundary. Definitions are listed
	// in pipeline order; the detector evaluates them in reverse so a later
	// stage that echoes an earlier stage's artifact names cannot be
	// misattributed.
	Definition struct {
		// Stage names the pipeline stage, unique within a pipeline.
		Stage string `yaml:"stage"`
		// Rules is the any-of list of detection rules for the stage.
		Rules []Rule `yaml:"rules"`
		// ArtifactPaths are the artifact locations reported on detection.
		// They come from configuration verbatim, never from tool output, so
		// downstream rendering stays deterministic across tool logging
		// changes.
		ArtifactPaths []string `yaml:"artifacts"`
		// Kind tags the artifact flavor (e.g. "document", "image", "video").
		Kind string `yaml:"kind"`
		// Message is the user-facing text broadcast with the checkpoint.
		Message string `yaml:"message"`
		// Final marks the pipeline's terminal stage.
		Final bool `yaml:"final,omitempty"`
	}

	// Record is the immutable outcome of a successful detection. The detector
	// creates one record per match and never deduplicates; duplicate
	// suppression is the session hub's concern.
	Record struct {
		Stage         string   `json:"stage"`
		ArtifactPaths []string `json:"artifact_paths"`
		Kind          string   `json:"kind"`
		Message       string   `json:"message"`
		Final         bool     `json:"final"`
	}
)

// matches reports whether the rule accepts the given command and output. All
// present fields must match (logical AND); absent fields match anything.
func (r Rule) matches(command, output string) bool {
	if r.Command != "" && !contains(command, r.Command) {
		return false
	}
	if r.Output != "" && !contains(output, r.Output) {
		return false
	}
	return true
}

// record materializes the definition into an immutable Record with its own
// copy of the artifact paths.
func (d Definition) record() *Record {
	paths := make([]string, len(d.ArtifactPaths))
	copy(paths, d.ArtifactPaths)
	return &Record{
		Stage:         d.Stage,
		ArtifactPaths: paths,
		Kind:          d.Kind,
		Message:       d.Message,
		Final:         d.Final,
	}
}
