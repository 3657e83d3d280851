package eval

import (
	"testing"

	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/evaluator"
	"github.com/vflow-project/vflow/internal/model"
)

type fakeMetadataProvider struct {
	configureCalls int
}

func (p *fakeMetadataProvider) Metadata(videoIndex int) (model.VideoMetadata, error) {
	p.configureCalls++
	return model.VideoMetadata{FrameCount: 100}, nil
}

type countingEvaluator struct {
	caps         model.EvaluatorCapabilities
	configureN   int
	resetN       int
	fanoutFrames int // if > 0, Evaluate fans one input row into this many output rows
	alloc        *device.Allocator
}

func (e *countingEvaluator) Capabilities() model.EvaluatorCapabilities { return e.caps }
func (e *countingEvaluator) Configure(model.VideoMetadata) error       { e.configureN++; return nil }
func (e *countingEvaluator) Reset() error                              { e.resetN++; return nil }
func (e *countingEvaluator) SetProfiler(evaluator.Profiler)            {}

func (e *countingEvaluator) Evaluate(inputs []model.Column, fanoutEligible bool) ([]model.Column, error) {
	n := len(inputs[0].Buffers)
	if fanoutEligible && e.fanoutFrames > 0 {
		n = e.fanoutFrames
	}
	out := model.Column{}
	for i := 0; i < n; i++ {
		out.Buffers = append(out.Buffers, e.alloc.NewBuffer(e.caps.Device, 1))
	}
	return []model.Column{out}, nil
}

func makeIdentityFactory(name string, alloc *device.Allocator) *countingEvaluator {
	return &countingEvaluator{caps: model.EvaluatorCapabilities{Name: name, Device: model.Device{Type: model.DeviceCPU}, NumOutputs: 1}, alloc: alloc}
}

type wrappedFactory struct {
	ev *countingEvaluator
}

func (f wrappedFactory) Name() string                             { return f.ev.caps.Name }
func (f wrappedFactory) Capabilities() model.EvaluatorCapabilities { return f.ev.caps }
func (f wrappedFactory) New() evaluator.Evaluator                  { return f.ev }

func entryWithRows(alloc *device.Allocator, n int, videoIndex int, itemID, nextItemID, rowsFromStart int64) model.EvalEntry {
	col0 := model.Column{}
	for i := 0; i < n; i++ {
		col0.Buffers = append(col0.Buffers, alloc.NewBuffer(model.Device{Type: model.DeviceCPU}, 1))
	}
	return model.EvalEntry{
		WorkItemIndex: 0,
		VideoIndex:    videoIndex,
		WorkItem: model.WorkItem{
			VideoIndex:    videoIndex,
			ItemID:        itemID,
			NextItemID:    nextItemID,
			RowsFromStart: rowsFromStart,
		},
		Columns: []model.Column{col0},
	}
}

// S4: one configure and two resets within one video (the second forced by
// a discontinuous item id), then a configure and reset on a new video.
func TestConfigureResetPolicy(t *testing.T) {
	meta := &fakeMetadataProvider{}
	alloc := device.NewAllocator()
	ev := makeIdentityFactory("id", alloc)
	w := NewWorker([]evaluator.Factory{wrappedFactory{ev}}, alloc, meta, 10, 0, true, true)

	// First entry: unresolved state forces both configure and reset.
	if _, err := w.Process(entryWithRows(alloc, 5, 0, 0, 10, 0)); err != nil {
		t.Fatal(err)
	}
	if meta.configureCalls != 1 || ev.resetN != 1 {
		t.Fatalf("want 1 configure, 1 reset; got configure=%d reset=%d", meta.configureCalls, ev.resetN)
	}

	// Sequential item on same video: no configure, no reset.
	if _, err := w.Process(entryWithRows(alloc, 5, 0, 10, 20, 5)); err != nil {
		t.Fatal(err)
	}
	if meta.configureCalls != 1 || ev.resetN != 1 {
		t.Fatalf("sequential item should not trigger configure/reset; got configure=%d reset=%d", meta.configureCalls, ev.resetN)
	}

	// Discontinuous item_id (forced reset from SequenceGather's -1) on
	// same video: reset but no configure.
	if _, err := w.Process(entryWithRows(alloc, 5, 0, 50, 60, 0)); err != nil {
		t.Fatal(err)
	}
	if meta.configureCalls != 1 || ev.resetN != 2 {
		t.Fatalf("want 1 configure, 2 resets; got configure=%d reset=%d", meta.configureCalls, ev.resetN)
	}

	// New video: both configure and reset.
	if _, err := w.Process(entryWithRows(alloc, 5, 1, 0, 10, 0)); err != nil {
		t.Fatal(err)
	}
	if meta.configureCalls != 2 || ev.resetN != 3 {
		t.Fatalf("want 2 configures, 3 resets; got configure=%d reset=%d", meta.configureCalls, ev.resetN)
	}
}

// S5: warmup=8, All over 40 frames, W=16 -> rows 0..7 discarded.
func TestWarmupTrimmingOnLastGroup(t *testing.T) {
	meta := &fakeMetadataProvider{}
	alloc := device.NewAllocator()
	ev := makeIdentityFactory("id", alloc)
	ev.caps.WarmupCount = 8
	w := NewWorker([]evaluator.Factory{wrappedFactory{ev}}, alloc, meta, 16, ev.caps.WarmupCount, true, true)

	entry := entryWithRows(alloc, 16, 0, 0, 16, 0)
	out, err := w.Process(entry)
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Len() != 8 {
		t.Fatalf("want 8 rows kept after trimming first 8 of 16, got %d", out.Columns[0].Len())
	}

	entry2 := entryWithRows(alloc, 16, 0, 16, 32, 16)
	out2, err := w.Process(entry2)
	if err != nil {
		t.Fatal(err)
	}
	if out2.Columns[0].Len() != 16 {
		t.Fatalf("no reset on this entry, so no warmup trimming; want 16 rows, got %d", out2.Columns[0].Len())
	}
}

// A non-last group can declare a bigger warmup than the last group's own
// evaluator; the last group must still trim against the chain-wide max,
// not its own group's evaluator.
func TestWarmupTrimsAgainstChainWideMaxNotOwnGroup(t *testing.T) {
	meta := &fakeMetadataProvider{}
	alloc := device.NewAllocator()
	ev := makeIdentityFactory("id", alloc)
	ev.caps.WarmupCount = 0 // this group's own evaluator declares no warmup

	w := NewWorker([]evaluator.Factory{wrappedFactory{ev}}, alloc, meta, 16, 8, true, true)

	entry := entryWithRows(alloc, 16, 0, 0, 16, 0)
	out, err := w.Process(entry)
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Len() != 8 {
		t.Fatalf("want 8 rows kept after trimming 8 chain-wide warmup rows, got %d", out.Columns[0].Len())
	}
}

func TestWarmupNotTrimmedOnNonLastGroup(t *testing.T) {
	meta := &fakeMetadataProvider{}
	alloc := device.NewAllocator()
	ev := makeIdentityFactory("id", alloc)
	ev.caps.WarmupCount = 8
	w := NewWorker([]evaluator.Factory{wrappedFactory{ev}}, alloc, meta, 16, ev.caps.WarmupCount, true, false)

	entry := entryWithRows(alloc, 16, 0, 0, 16, 0)
	out, err := w.Process(entry)
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Len() != 16 {
		t.Fatalf("non-last group must not trim warmup rows, got %d rows", out.Columns[0].Len())
	}
}

func TestDecodeFanoutExemption(t *testing.T) {
	meta := &fakeMetadataProvider{}
	alloc := device.NewAllocator()
	decode := &countingEvaluator{
		caps:         model.EvaluatorCapabilities{Name: "decode", Device: model.Device{Type: model.DeviceCPU}, NumOutputs: 1},
		fanoutFrames: 30,
		alloc:        alloc,
	}
	w := NewWorker([]evaluator.Factory{wrappedFactory{decode}}, alloc, meta, 10, 0, true, true)

	entry := entryWithRows(alloc, 3, 0, 0, 3, 0)
	entry.VideoDecode = true
	out, err := w.Process(entry)
	if err != nil {
		t.Fatal(err)
	}
	if out.Columns[0].Len() != 30 {
		t.Fatalf("fan-out should produce 30 rows from 3 encoded blobs, got %d", out.Columns[0].Len())
	}
}

func TestBufferAccountingBalancedAfterProcess(t *testing.T) {
	meta := &fakeMetadataProvider{}
	alloc := device.NewAllocator()
	ev := makeIdentityFactory("id", alloc)
	w := NewWorker([]evaluator.Factory{wrappedFactory{ev}}, alloc, meta, 16, 0, true, true)

	entry := entryWithRows(alloc, 16, 0, 0, 16, 0)
	out, err := w.Process(entry)
	if err != nil {
		t.Fatal(err)
	}
	// Release the final kept buffers as the save worker would, then
	// assert the allocator is fully balanced.
	for _, col := range out.Columns {
		for _, buf := range col.Buffers {
			alloc.DeleteBuffer(buf)
		}
	}
	if err := alloc.CheckBalanced(); err != nil {
		t.Fatalf("expected balanced accounting, got %v", err)
	}
}
