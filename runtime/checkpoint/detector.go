package checkpoint

import (
	"context"

	"goa.design/montage/runtime/telemetry"
)

type (
	// Detector evaluates finished tool executions against one pipeline's
	// stage table. Safe for concurrent use: all state is immutable after
	// construction.
	Detector struct {
		defs      []Definition
		producers map[string]struct{}
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// DetectorOption configures a Detector.
	DetectorOption func(*Detector)
)

// WithProducerTools restricts detection to the named tools. Executions of any
// other tool return no match immediately, without rule evaluation. An empty
// set inspects every tool.
func WithProducerTools(names ...string) DetectorOption {
	return func(d *Detector) {
		d.producers = make(map[string]struct{}, len(names))
		for _, n := range names {
			d.producers[n] = struct{}{}
		}
	}
}

// WithLogger sets the diagnostic logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) DetectorOption {
	return func(d *Detector) { d.logger = logger }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(metrics telemetry.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = metrics }
}

// NewDetector constructs a detector over the given stage definitions, listed
// in pipeline order.
func NewDetector(defs []Definition, opts ...DetectorOption) *Detector {
	d := &Detector{
		defs:    append([]Definition(nil), defs...),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect classifies one finished tool execution. It returns the matched
// stage's record, or false when no stage matched. A miss is the expected
// common case and is never an error; Detect does not panic on arbitrary
// input.
//
// Definitions are evaluated latest stage first: a later stage's tool
// invocation may echo the filenames of an earlier stage's outputs (a stitch
// step logging its input frames, for example), and reverse order prevents the
// earlier stage from claiming the match. Within a definition any rule
// suffices.
func (d *Detector) Detect(ctx context.Context, toolName, command, output string) (*Record, bool) {
	if len(d.producers) > 0 {
		if _, ok := d.producers[toolName]; !ok {
			return nil, false
		}
	}
	command = Normalize(command)
	output = Normalize(output)
	for i := len(d.defs) - 1; i >= 0; i-- {
		def := d.defs[i]
		for _, rule := range def.Rules {
			if rule.matches(command, output) {
				d.metrics.IncCounter("checkpoint.detected", 1, "stage", def.Stage)
				d.logger.Debug(ctx, "checkpoint detected", "stage", def.Stage, "tool", toolName)
				return def.record(), true
			}
		}
	}
	d.logger.Debug(ctx, "no checkpoint matched", "tool", toolName)
	return nil, false
}
