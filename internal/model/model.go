// Package model defines the data types that flow through the pipeline:
// video metadata, sampling specifications, work items, and the load/eval
// entries that carry buffers between stages.
package model

import "fmt"

// DeviceType identifies where a buffer lives.
type DeviceType int

const (
	DeviceCPU DeviceType = iota
	DeviceGPU
)

func (d DeviceType) String() string {
	if d == DeviceGPU {
		return "gpu"
	}
	return "cpu"
}

// Device is a (type, id) pair. Allocation and free must use the same pair.
type Device struct {
	Type DeviceType
	ID   int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.ID)
}

// VideoMetadata describes one encoded video's shape and GOP structure.
// KeyframePositions and KeyframeByteOffsets are equal length, strictly
// increasing, and extended with a trailing sentinel (FrameCount, FileSize)
// so find_keyframe_indices always finds a bracket for a valid interval.
type VideoMetadata struct {
	Path                string
	Width               int
	Height              int
	FrameCount          int
	KeyframePositions   []int64
	KeyframeByteOffsets []int64
	FileSize            int64
}

// WithSentinel returns a copy of the metadata whose keyframe lists are
// extended with the trailing (FrameCount, FileSize) sentinel, unless
// already present.
func (m VideoMetadata) WithSentinel() VideoMetadata {
	n := len(m.KeyframePositions)
	if n > 0 && m.KeyframePositions[n-1] == int64(m.FrameCount) {
		return m
	}
	out := m
	out.KeyframePositions = append(append([]int64{}, m.KeyframePositions...), int64(m.FrameCount))
	out.KeyframeByteOffsets = append(append([]int64{}, m.KeyframeByteOffsets...), m.FileSize)
	return out
}

// Interval is a half-open frame range [Start, End).
type Interval struct {
	Start int64
	End   int64
}

func (iv Interval) Len() int64 { return iv.End - iv.Start }

// SamplingTag discriminates the sampling variant.
type SamplingTag int

const (
	SamplingAll SamplingTag = iota
	SamplingStrided
	SamplingGather
	SamplingSequenceGather
)

// GatherSpec is the per-video payload for the Gather sampling variant.
type GatherSpec struct {
	VideoIndex int
	Frames     []int64
}

// SequenceGatherSpec is the per-video payload for SequenceGather.
type SequenceGatherSpec struct {
	VideoIndex int
	Intervals  []Interval
}

// SamplingSpec is a tagged variant over the four supported sampling
// strategies. Exactly the fields relevant to Tag are populated.
type SamplingSpec struct {
	Tag              SamplingTag
	Stride           int64                // SamplingStrided
	Gather           []GatherSpec         // SamplingGather
	SequenceGather   []SequenceGatherSpec // SamplingSequenceGather
}

// WorkItem is a unit of planned work over a contiguous sampled slice of one
// video. NextItemID == -1 means "reset required after this item".
type WorkItem struct {
	VideoIndex    int
	ItemID        int64
	NextItemID    int64
	RowsFromStart int64
}

// SentinelWorkItemIndex marks an entry whose sole purpose is to terminate
// a worker.
const SentinelWorkItemIndex = -1

// SentinelReplyIndex is returned by the master when the plan is exhausted.
const SentinelReplyIndex = -1

// LoadPayload carries the sampling-variant-specific data a LoadEntry needs
// to build read intervals for one work item.
type LoadPayload struct {
	Tag       SamplingTag
	Interval  Interval  // All, Strided
	Stride    int64     // Strided
	Frames    []int64   // Gather
	Intervals []Interval // SequenceGather
}

// LoadEntry is produced once by the planner and consumed by one load
// worker.
type LoadEntry struct {
	WorkItemIndex int
	WorkItem      WorkItem
	VideoIndex    int
	Payload       LoadPayload
}

// IsSentinel reports whether this entry only serves to terminate a worker.
func (e LoadEntry) IsSentinel() bool { return e.WorkItemIndex == SentinelWorkItemIndex }

// LoadSentinel builds a load-queue termination entry.
func LoadSentinel() LoadEntry { return LoadEntry{WorkItemIndex: SentinelWorkItemIndex} }

// Buffer is an owned block of bytes plus the device it lives on. Buffers
// are single-owner: moving an EvalEntry through a queue moves ownership of
// every buffer it holds. Aux carries non-byte payloads (e.g. DecodeArgs)
// for columns that are structured records rather than raw pixel/encoded
// data, while still participating in the same alloc/free accounting as
// every other buffer.
type Buffer struct {
	Device Device
	Data   []byte
	Aux    any
}

// DecodeArgs is the record produced by the load worker for column 1,
// consumed by the decode evaluator: a plain owned struct describing which
// frames to extract from the encoded blob in column 0.
type DecodeArgs struct {
	WarmupCount     int
	SamplingTag     SamplingTag
	Interval        Interval
	Points          []int64
	StartKeyframePos int64
	EndKeyframePos   int64
}

// Column is an ordered list of buffers for one output field.
type Column struct {
	Buffers []Buffer
}

func (c Column) Len() int { return len(c.Buffers) }

// EvalEntry flows through every eval-stage queue after the load worker.
// VideoDecode indicates the first evaluator is allowed to fan out one
// encoded blob into many decoded frames.
type EvalEntry struct {
	WorkItemIndex int
	WorkItem      WorkItem
	VideoIndex    int
	Columns       []Column
	VideoDecode   bool
}

func (e EvalEntry) IsSentinel() bool { return e.WorkItemIndex == SentinelWorkItemIndex }

// EvalSentinel builds an eval-queue termination entry.
func EvalSentinel() EvalEntry { return EvalEntry{WorkItemIndex: SentinelWorkItemIndex} }

// EvaluatorCapabilities is the data record describing one evaluator
// factory: required device, warmup row count, and whether it may run in
// its own stage.
type EvaluatorCapabilities struct {
	Name        string
	Device      Device
	WarmupCount int
	CanOverlap  bool
	NumOutputs  int
}

// FactoryGroup is a contiguous sub-chain of evaluator factories sharing one
// thread/stage.
type FactoryGroup struct {
	Names []string
}

// ColumnDescriptor names one output column of a job.
type ColumnDescriptor struct {
	ID   int
	Name string
}

// Job is the persisted descriptor of one pipeline run.
type Job struct {
	Name         string
	ID           string
	DatasetID    string
	Sampling     SamplingSpec
	WorkItemSize int
	Columns      []ColumnDescriptor
}
