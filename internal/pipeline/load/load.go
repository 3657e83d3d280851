// Package load implements the load worker: it consumes LoadEntries,
// fetches byte ranges from encoded video files guided by keyframe
// indices, and emits filled EvalEntries.
package load

import (
	"context"
	"fmt"

	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/observability"
	"github.com/vflow-project/vflow/internal/queue"
	"github.com/vflow-project/vflow/internal/storage"
)

// Dataset resolves a video index to its metadata and encoded data path.
type Dataset interface {
	Metadata(videoIndex int) (model.VideoMetadata, error)
	DataPath(videoIndex int) string
}

// FindKeyframeBracket locates the keyframe bracket for interval [s, e):
// the largest keyframe index k1 with keyframe_pos[k1] <= s, and the
// smallest k2 > k1 with keyframe_pos[k2] >= e. meta must already carry the
// trailing sentinel (see model.VideoMetadata.WithSentinel) so the search
// never fails for a valid interval.
func FindKeyframeBracket(meta model.VideoMetadata, s, e int64) (k1, k2 int, err error) {
	pos := meta.KeyframePositions
	k1 = -1
	for i, p := range pos {
		if p <= s {
			k1 = i
		} else {
			break
		}
	}
	if k1 == -1 {
		return 0, 0, fmt.Errorf("load: no keyframe at or before frame %d (corrupt metadata)", s)
	}
	k2 = -1
	for i := k1 + 1; i < len(pos); i++ {
		if pos[i] >= e {
			k2 = i
			break
		}
	}
	if k2 == -1 {
		return 0, 0, fmt.Errorf("load: no keyframe at or after frame %d (corrupt metadata)", e)
	}
	return k1, k2, nil
}

// Worker consumes LoadEntries and produces EvalEntries. Each I/O
// goroutine constructs its own Backend to avoid cross-goroutine
// coupling; callers should hand each Worker its own storage.Backend
// instance.
type Worker struct {
	Backend     storage.Backend
	Dataset     Dataset
	Allocator   *device.Allocator
	WarmupSize  int

	openVideo   int
	openHandle  storage.ReadHandle
}

// NewWorker builds a load worker with its own backend instance.
func NewWorker(backend storage.Backend, dataset Dataset, alloc *device.Allocator, warmupSize int) *Worker {
	return &Worker{Backend: backend, Dataset: dataset, Allocator: alloc, WarmupSize: warmupSize, openVideo: -1}
}

// Run pulls entries from in until it receives a sentinel, producing one
// EvalEntry per non-sentinel LoadEntry onto out. It returns nil on a clean
// sentinel exit.
func (w *Worker) Run(ctx context.Context, in *queue.Queue[model.LoadEntry], out *queue.Queue[model.EvalEntry]) error {
	defer w.closeOpenVideo()
	for {
		entry, err := in.Pop(ctx)
		if err != nil {
			return err
		}
		if entry.IsSentinel() {
			return nil
		}
		evalEntry, err := w.process(ctx, entry)
		if err != nil {
			return err
		}
		if err := out.Push(ctx, evalEntry); err != nil {
			return err
		}
	}
}

func (w *Worker) closeOpenVideo() {
	if w.openHandle != nil {
		w.openHandle.Close()
		w.openHandle = nil
		w.openVideo = -1
	}
}

func (w *Worker) ensureOpen(ctx context.Context, videoIndex int) (storage.ReadHandle, error) {
	if w.openVideo == videoIndex && w.openHandle != nil {
		return w.openHandle, nil
	}
	w.closeOpenVideo()
	rh, err := w.Backend.OpenRead(ctx, w.Dataset.DataPath(videoIndex))
	if err != nil {
		return nil, err
	}
	w.openHandle = rh
	w.openVideo = videoIndex
	return rh, nil
}

func (w *Worker) process(ctx context.Context, entry model.LoadEntry) (model.EvalEntry, error) {
	ctx, span := observability.StartSpan(ctx, "load.process_entry",
		observability.PipelineAttributes(entry.VideoIndex, entry.WorkItemIndex)...,
	)
	defer span.End()

	meta, err := w.Dataset.Metadata(entry.VideoIndex)
	if err != nil {
		return model.EvalEntry{}, err
	}
	meta = meta.WithSentinel()

	intervals, points := readIntervals(entry.Payload)

	col0 := model.Column{}
	col1 := model.Column{}
	cpu := model.Device{Type: model.DeviceCPU}
	var bytesRead int64

	for i, iv := range intervals {
		k1, k2, err := FindKeyframeBracket(meta, iv.Start, iv.End)
		if err != nil {
			return model.EvalEntry{}, err
		}
		startByte := meta.KeyframeByteOffsets[k1]
		endByte := meta.KeyframeByteOffsets[k2]
		n := endByte - startByte

		rh, err := w.ensureOpen(ctx, entry.VideoIndex)
		if err != nil {
			return model.EvalEntry{}, err
		}
		blob := w.Allocator.NewBuffer(cpu, int(n))
		if _, err := rh.ReadAt(blob.Data, startByte); err != nil {
			return model.EvalEntry{}, err
		}
		col0.Buffers = append(col0.Buffers, blob)
		bytesRead += n

		args := model.DecodeArgs{
			WarmupCount:      w.WarmupSize,
			SamplingTag:      entry.Payload.Tag,
			Interval:         iv,
			StartKeyframePos: meta.KeyframePositions[k1],
			EndKeyframePos:   meta.KeyframePositions[k2],
		}
		if points != nil {
			args.Points = []int64{points[i]}
		}
		argBuf := w.Allocator.NewBuffer(cpu, 0)
		argBuf.Aux = args
		col1.Buffers = append(col1.Buffers, argBuf)
	}

	observability.Default.IncCounter("load_entries_processed_total", nil, 1)
	observability.Default.IncCounter("load_bytes_read_total", nil, float64(bytesRead))

	return model.EvalEntry{
		WorkItemIndex: entry.WorkItemIndex,
		WorkItem:      entry.WorkItem,
		VideoIndex:    entry.VideoIndex,
		Columns:       []model.Column{col0, col1},
		VideoDecode:   true,
	}, nil
}

// readIntervals builds the list of read intervals from the sampling
// payload: for Gather, each selected frame becomes an interval
// [f, f+1); for SequenceGather, the provided intervals pass through
// unchanged; for All/Strided, the single carried interval is used.
// points is non-nil only for Gather, giving the original frame number
// each interval corresponds to (for DecodeArgs.Points).
func readIntervals(p model.LoadPayload) (intervals []model.Interval, points []int64) {
	switch p.Tag {
	case model.SamplingGather:
		intervals = make([]model.Interval, len(p.Frames))
		points = make([]int64, len(p.Frames))
		for i, f := range p.Frames {
			intervals[i] = model.Interval{Start: f, End: f + 1}
			points[i] = f
		}
		return intervals, points
	case model.SamplingSequenceGather:
		return p.Intervals, nil
	default:
		return []model.Interval{p.Interval}, nil
	}
}
