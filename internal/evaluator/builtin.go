package evaluator

import "github.com/vflow-project/vflow/internal/model"

// DecodeFactory builds an evaluator that turns the load worker's column 0
// (encoded byte blobs) and column 1 (DecodeArgs) into one decoded frame
// buffer. Actual codec decode is left to real evaluator implementations;
// this one emits each encoded blob unchanged as one output row. It does
// not split a blob into per-frame rows and does not read the DecodeArgs
// in column 1, so it never fans out.
type DecodeFactory struct {
	Warmup int
}

func (f DecodeFactory) Name() string { return "decode" }

func (f DecodeFactory) Capabilities() model.EvaluatorCapabilities {
	return model.EvaluatorCapabilities{
		Name:        "decode",
		Device:      model.Device{Type: model.DeviceCPU},
		WarmupCount: f.Warmup,
		CanOverlap:  true,
		NumOutputs:  1,
	}
}

func (f DecodeFactory) New() Evaluator { return &decodeEvaluator{warmup: f.Warmup} }

type decodeEvaluator struct {
	warmup   int
	profiler Profiler
}

func (e *decodeEvaluator) Capabilities() model.EvaluatorCapabilities {
	return DecodeFactory{Warmup: e.warmup}.Capabilities()
}
func (e *decodeEvaluator) Configure(model.VideoMetadata) error { return nil }
func (e *decodeEvaluator) Reset() error                        { return nil }
func (e *decodeEvaluator) SetProfiler(p Profiler)               { e.profiler = p }

// Evaluate returns one output row per row of the input's column 0, each
// sharing that blob's bytes; the frame count in DecodeArgs is not used.
func (e *decodeEvaluator) Evaluate(inputs []model.Column, isDecodeFanoutEligible bool) ([]model.Column, error) {
	if len(inputs) < 1 {
		return nil, errNoInput
	}
	out := model.Column{}
	for _, buf := range inputs[0].Buffers {
		out.Buffers = append(out.Buffers, model.Buffer{Device: buf.Device, Data: buf.Data})
	}
	return []model.Column{out}, nil
}

var errNoInput = errorString("decode evaluator requires at least one input column")

type errorString string

func (e errorString) Error() string { return string(e) }

// IdentityFactory builds a pass-through evaluator with one input/output
// column, useful as a minimal single-stage chain for tests and simple
// pipelines.
type IdentityFactory struct {
	Warmup     int
	Dev        model.Device
	CanOverlap bool
}

func (f IdentityFactory) Name() string { return "identity" }

func (f IdentityFactory) Capabilities() model.EvaluatorCapabilities {
	return model.EvaluatorCapabilities{
		Name:        "identity",
		Device:      f.Dev,
		WarmupCount: f.Warmup,
		CanOverlap:  f.CanOverlap,
		NumOutputs:  1,
	}
}

func (f IdentityFactory) New() Evaluator {
	return &identityEvaluator{warmup: f.Warmup, dev: f.Dev}
}

type identityEvaluator struct {
	warmup   int
	dev      model.Device
	profiler Profiler
}

func (e *identityEvaluator) Capabilities() model.EvaluatorCapabilities {
	return IdentityFactory{Warmup: e.warmup, Dev: e.dev}.Capabilities()
}
func (e *identityEvaluator) Configure(model.VideoMetadata) error { return nil }
func (e *identityEvaluator) Reset() error                        { return nil }
func (e *identityEvaluator) SetProfiler(p Profiler)               { e.profiler = p }

func (e *identityEvaluator) Evaluate(inputs []model.Column, isDecodeFanoutEligible bool) ([]model.Column, error) {
	if len(inputs) < 1 {
		return nil, errNoInput
	}
	return []model.Column{inputs[0]}, nil
}
