// Package eval implements the evaluator chain worker: runs one factory
// group of evaluators for one PU, managing configure/reset on video
// boundaries, batching, cross-device buffer migration, and warmup-frame
// trimming.
package eval

import (
	"context"
	"fmt"

	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/evaluator"
	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/observability"
	"github.com/vflow-project/vflow/internal/queue"
)

// MetadataProvider resolves a video index to its metadata for
// Evaluator.Configure calls.
type MetadataProvider interface {
	Metadata(videoIndex int) (model.VideoMetadata, error)
}

// unresolvedVideo/unresolvedItem are sentinel tracked-state values that
// force both configure and reset on the very first entry a worker sees.
const (
	unresolvedVideo = -1
	unresolvedItem  = -1
)

// Worker runs one factory group for one PU. WarmupSize is the chain-wide
// warmup row count — the max WarmupCount declared across every factory in
// the whole evaluator chain, not just this group's own evaluators — so
// every group's worker trims (or would trim, if it were the last group)
// against the same value.
type Worker struct {
	Evaluators   []evaluator.Evaluator
	Allocator    *device.Allocator
	Dataset      MetadataProvider
	WorkItemSize int
	WarmupSize   int
	IsFirstGroup bool
	IsLastGroup  bool

	lastVideoIndex int
	lastNextItemID int64
}

// NewWorker instantiates one evaluator per factory in the group. The
// worker owns these instances for its lifetime; they persist across
// entries. warmupSize must be the same chain-wide value passed to every
// group's worker (see Worker.WarmupSize).
func NewWorker(factories []evaluator.Factory, alloc *device.Allocator, dataset MetadataProvider, workItemSize, warmupSize int, isFirstGroup, isLastGroup bool) *Worker {
	evs := make([]evaluator.Evaluator, len(factories))
	for i, f := range factories {
		evs[i] = f.New()
	}
	return &Worker{
		Evaluators:     evs,
		Allocator:      alloc,
		Dataset:        dataset,
		WorkItemSize:   workItemSize,
		WarmupSize:     warmupSize,
		IsFirstGroup:   isFirstGroup,
		IsLastGroup:    isLastGroup,
		lastVideoIndex: unresolvedVideo,
		lastNextItemID: unresolvedItem,
	}
}

// Run pulls EvalEntries from in until it receives a sentinel, pushing one
// processed entry per input entry onto out.
func (w *Worker) Run(ctx context.Context, in *queue.Queue[model.EvalEntry], out *queue.Queue[model.EvalEntry]) error {
	for {
		entry, err := in.Pop(ctx)
		if err != nil {
			return err
		}
		if entry.IsSentinel() {
			return nil
		}
		processed, err := w.Process(entry)
		if err != nil {
			return err
		}
		if err := out.Push(ctx, processed); err != nil {
			return err
		}
	}
}

// Process runs the configure/reset policy and the batched pass for one
// EvalEntry.
func (w *Worker) Process(entry model.EvalEntry) (model.EvalEntry, error) {
	_, span := observability.StartSpan(context.Background(), "eval.process_entry",
		observability.PipelineAttributes(entry.VideoIndex, entry.WorkItemIndex)...,
	)
	defer span.End()

	needsConfigure := entry.WorkItem.VideoIndex != w.lastVideoIndex
	needsReset := needsConfigure || entry.WorkItem.ItemID != w.lastNextItemID

	if needsConfigure {
		meta, err := w.Dataset.Metadata(entry.VideoIndex)
		if err != nil {
			return model.EvalEntry{}, err
		}
		for _, ev := range w.Evaluators {
			if err := ev.Configure(meta); err != nil {
				return model.EvalEntry{}, fmt.Errorf("eval: configure %s: %w", ev.Capabilities().Name, err)
			}
		}
	}
	if needsReset {
		for _, ev := range w.Evaluators {
			if err := ev.Reset(); err != nil {
				return model.EvalEntry{}, fmt.Errorf("eval: reset %s: %w", ev.Capabilities().Name, err)
			}
		}
	}
	w.lastVideoIndex = entry.WorkItem.VideoIndex
	w.lastNextItemID = entry.WorkItem.NextItemID

	totalInputs := 0
	if len(entry.Columns) > 0 {
		totalInputs = entry.Columns[0].Len()
	}
	if w.WorkItemSize <= 0 {
		return model.EvalEntry{}, fmt.Errorf("eval: work item size must be positive")
	}
	initialBatchSize := totalInputs
	if initialBatchSize > w.WorkItemSize {
		initialBatchSize = w.WorkItemSize
	}

	var accumulated []model.Column
	trimEnabled := w.IsLastGroup && needsReset
	var warmupTrimmed int

	for currentInput := 0; currentInput < totalInputs; {
		batchSize := initialBatchSize
		if currentInput+batchSize > totalInputs {
			batchSize = totalInputs - currentInput
		}
		// inputBatchSize is fixed for this outer iteration: it is how far
		// we advance currentInput through the ORIGINAL entry once every
		// evaluator in the group has run. effectiveBatchSize tracks the
		// row count evaluators after a fan-out must agree on; the two
		// diverge exactly when the first evaluator fans out.
		inputBatchSize := batchSize
		effectiveBatchSize := batchSize

		stage := sliceColumns(entry.Columns, currentInput, currentInput+inputBatchSize)

		for i, ev := range w.Evaluators {
			input := migrateInputs(w.Allocator, stage, ev.Capabilities().Device)

			fanoutEligible := w.IsFirstGroup && i == 0 && entry.VideoDecode
			outputs, err := ev.Evaluate(input, fanoutEligible)
			if err != nil {
				return model.EvalEntry{}, fmt.Errorf("eval: %s: %w", ev.Capabilities().Name, err)
			}
			newBatchSize, err := validateOutputs(outputs, ev.Capabilities().NumOutputs, effectiveBatchSize, fanoutEligible)
			if err != nil {
				return model.EvalEntry{}, fmt.Errorf("eval: %s: %w", ev.Capabilities().Name, err)
			}
			effectiveBatchSize = newBatchSize

			releaseColumns(w.Allocator, input)
			stage = outputs
		}

		warmupInBatch := 0
		if trimEnabled {
			warmupRemaining := maxI64(0, int64(w.WarmupSize)-entry.WorkItem.RowsFromStart)
			warmupInBatch = int(maxI64(0, minI64(int64(effectiveBatchSize), warmupRemaining-int64(currentInput))))
		}

		stage = trimWarmup(w.Allocator, stage, warmupInBatch)
		warmupTrimmed += warmupInBatch
		stage = normalizeToCPU(w.Allocator, stage)

		if accumulated == nil {
			accumulated = make([]model.Column, len(stage))
		}
		for c := range stage {
			accumulated[c].Buffers = append(accumulated[c].Buffers, stage[c].Buffers...)
		}

		currentInput += inputBatchSize
		if inputBatchSize == 0 {
			break
		}
	}

	observability.Default.IncCounter("eval_entries_processed_total", nil, 1)
	if warmupTrimmed > 0 {
		observability.Default.IncCounter("eval_warmup_rows_trimmed_total", nil, float64(warmupTrimmed))
	}

	return model.EvalEntry{
		WorkItemIndex: entry.WorkItemIndex,
		WorkItem:      entry.WorkItem,
		VideoIndex:    entry.VideoIndex,
		Columns:       accumulated,
		VideoDecode:   false,
	}, nil
}

func sliceColumns(cols []model.Column, start, end int) []model.Column {
	out := make([]model.Column, len(cols))
	for i, c := range cols {
		s, e := start, end
		if s > c.Len() {
			s = c.Len()
		}
		if e > c.Len() {
			e = c.Len()
		}
		out[i] = model.Column{Buffers: c.Buffers[s:e]}
	}
	return out
}

func migrateInputs(alloc *device.Allocator, cols []model.Column, dst model.Device) []model.Column {
	out := make([]model.Column, len(cols))
	for i, c := range cols {
		out[i] = device.MigrateColumn(alloc, c, dst)
	}
	return out
}

func releaseColumns(alloc *device.Allocator, cols []model.Column) {
	for _, c := range cols {
		for _, buf := range c.Buffers {
			alloc.DeleteBuffer(buf)
		}
	}
}

// validateOutputs enforces the evaluator output contract: outputs.size
// must equal the declared output column count; every output column must
// have exactly batchSize rows, except the first evaluator when
// video_decode is true (fan-out allowed; afterwards
// batch_size := outputs[0].size()). The post-fan-out check against the
// other columns' new length is unreachable for a decode evaluator whose
// NumOutputs is 1.
func validateOutputs(outputs []model.Column, numOutputs, batchSize int, fanoutEligible bool) (int, error) {
	if len(outputs) != numOutputs {
		return batchSize, fmt.Errorf("evaluator contract violation: want %d output columns, got %d", numOutputs, len(outputs))
	}
	effective := batchSize
	if fanoutEligible && len(outputs) > 0 {
		effective = outputs[0].Len()
	}
	for i, col := range outputs {
		if i == 0 && fanoutEligible {
			continue
		}
		if col.Len() != effective {
			return batchSize, fmt.Errorf("evaluator contract violation: column %d has %d rows, want %d", i, col.Len(), effective)
		}
	}
	return effective, nil
}

// trimWarmup releases the first n rows of every column and keeps the
// remainder.
func trimWarmup(alloc *device.Allocator, cols []model.Column, n int) []model.Column {
	if n <= 0 {
		return cols
	}
	out := make([]model.Column, len(cols))
	for i, c := range cols {
		cut := n
		if cut > c.Len() {
			cut = c.Len()
		}
		for _, buf := range c.Buffers[:cut] {
			alloc.DeleteBuffer(buf)
		}
		out[i] = model.Column{Buffers: c.Buffers[cut:]}
	}
	return out
}

// normalizeToCPU migrates every kept buffer to CPU before it is forwarded
// downstream: downstream consumers are not required to be device-aware.
func normalizeToCPU(alloc *device.Allocator, cols []model.Column) []model.Column {
	cpu := model.Device{Type: model.DeviceCPU}
	out := make([]model.Column, len(cols))
	for i, c := range cols {
		out[i] = device.MigrateColumn(alloc, c, cpu)
	}
	return out
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
