// Package evaluator defines the Evaluator interface that frame-processing
// operators implement: a capability record plus a callable bundle, not a
// class hierarchy.
package evaluator

import "github.com/vflow-project/vflow/internal/model"

// Evaluator is one instantiated frame-processing operator, one instance
// per PU per factory group. Configure/Reset are called by the eval worker
// on video/item boundaries; Evaluate runs one batch.
type Evaluator interface {
	Capabilities() model.EvaluatorCapabilities
	Configure(meta model.VideoMetadata) error
	Reset() error
	// Evaluate consumes one batch of input columns and produces one batch
	// of output columns. It must produce exactly Capabilities().NumOutputs
	// columns, each with the same row count as the input batch size,
	// except when isDecodeFanoutEligible is true, in which case the first
	// output column's length may differ (fan-out) and every other output
	// column must match that new length.
	Evaluate(inputs []model.Column, isDecodeFanoutEligible bool) ([]model.Column, error)
	SetProfiler(p Profiler)
}

// Profiler receives tagged interval records for the profile output.
// internal/pipeline/profile.Recorder implements it.
type Profiler interface {
	RecordInterval(kind string, startNanos, endNanos int64)
}

// Factory builds one Evaluator instance per PU.
type Factory interface {
	Name() string
	Capabilities() model.EvaluatorCapabilities
	New() Evaluator
}
