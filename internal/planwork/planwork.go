// Package planwork turns a dataset plus a sampling specification into
// the ordered work items and load entries every node in the cluster
// derives identically, so the master can hand out plain integer indices
// and each worker can resolve them locally.
package planwork

import "github.com/vflow-project/vflow/internal/model"

// Plan is the deterministic, per-node-identical output of the planner for
// one video.
type Plan struct {
	WorkItems   []model.WorkItem
	LoadEntries []model.LoadEntry
}

// BuildForVideo dispatches to the sampling-variant rule for a single
// video. meta.FrameCount supplies the encoded frame count needed by All
// and Strided.
func BuildForVideo(videoIndex int, meta model.VideoMetadata, spec model.SamplingSpec, workItemSize int) Plan {
	switch spec.Tag {
	case model.SamplingAll:
		return BuildAll(videoIndex, meta.FrameCount, workItemSize)
	case model.SamplingStrided:
		return BuildStrided(videoIndex, meta.FrameCount, spec.Stride, workItemSize)
	case model.SamplingGather:
		return buildGatherFrames(videoIndex, spec.Gather, workItemSize)
	case model.SamplingSequenceGather:
		return buildSequenceGatherIntervals(videoIndex, spec.SequenceGather, workItemSize)
	default:
		return Plan{}
	}
}

// BuildAll splits each video into consecutive chunks of <= W logical
// frames. Item k has item_id = k*W, next_item_id = item_id + chunk_size,
// rows_from_start = item_id.
func BuildAll(videoIndex int, frameCount int, workItemSize int) Plan {
	var plan Plan
	w := int64(workItemSize)
	for itemID := int64(0); itemID < int64(frameCount); itemID += w {
		end := itemID + w
		if end > int64(frameCount) {
			end = int64(frameCount)
		}
		wi := model.WorkItem{
			VideoIndex:    videoIndex,
			ItemID:        itemID,
			NextItemID:    end,
			RowsFromStart: itemID,
		}
		idx := len(plan.WorkItems)
		plan.WorkItems = append(plan.WorkItems, wi)
		plan.LoadEntries = append(plan.LoadEntries, model.LoadEntry{
			WorkItemIndex: idx,
			WorkItem:      wi,
			VideoIndex:    videoIndex,
			Payload: model.LoadPayload{
				Tag:      model.SamplingAll,
				Interval: model.Interval{Start: itemID, End: end},
			},
		})
	}
	return plan
}

// BuildStrided samples every s-th encoded frame. Chunks are <= W*s
// encoded frames, producing <= W output rows; rows_from_start =
// item_id / s.
func BuildStrided(videoIndex int, frameCount int, stride int64, workItemSize int) Plan {
	var plan Plan
	if stride < 1 {
		stride = 1
	}
	chunk := int64(workItemSize) * stride
	for itemID := int64(0); itemID < int64(frameCount); itemID += chunk {
		end := itemID + chunk
		if end > int64(frameCount) {
			end = int64(frameCount)
		}
		wi := model.WorkItem{
			VideoIndex:    videoIndex,
			ItemID:        itemID,
			NextItemID:    end,
			RowsFromStart: itemID / stride,
		}
		idx := len(plan.WorkItems)
		plan.WorkItems = append(plan.WorkItems, wi)
		plan.LoadEntries = append(plan.LoadEntries, model.LoadEntry{
			WorkItemIndex: idx,
			WorkItem:      wi,
			VideoIndex:    videoIndex,
			Payload: model.LoadPayload{
				Tag:      model.SamplingStrided,
				Interval: model.Interval{Start: itemID, End: end},
				Stride:   stride,
			},
		})
	}
	return plan
}

// buildGatherFrames handles an explicit per-video frame list: for each
// (video, frame_list), split the list into chunks of <= W; item_id and
// rows_from_start run over the output sequence.
func buildGatherFrames(videoIndex int, specs []model.GatherSpec, workItemSize int) Plan {
	var plan Plan
	w := workItemSize
	for _, g := range specs {
		if g.VideoIndex != videoIndex {
			continue
		}
		outputRow := int64(0)
		for start := 0; start < len(g.Frames); start += w {
			end := start + w
			if end > len(g.Frames) {
				end = len(g.Frames)
			}
			chunk := append([]int64{}, g.Frames[start:end]...)
			wi := model.WorkItem{
				VideoIndex:    videoIndex,
				ItemID:        outputRow,
				NextItemID:    outputRow + int64(len(chunk)),
				RowsFromStart: outputRow,
			}
			idx := len(plan.WorkItems)
			plan.WorkItems = append(plan.WorkItems, wi)
			plan.LoadEntries = append(plan.LoadEntries, model.LoadEntry{
				WorkItemIndex: idx,
				WorkItem:      wi,
				VideoIndex:    videoIndex,
				Payload: model.LoadPayload{
					Tag:    model.SamplingGather,
					Frames: chunk,
				},
			})
			outputRow += int64(len(chunk))
		}
	}
	return plan
}

// buildSequenceGatherIntervals handles an explicit per-video interval
// list: each interval is split exactly as in All; the last item of every
// interval gets NextItemID = -1, which forces a decoder reset on the item
// that follows it. item_id counts output rows across the
// whole per-video sequence, but rows_from_start resets to 0 at the start
// of every interval, since warmup trimming is relative to the interval's
// own reset boundary, not the video's.
func buildSequenceGatherIntervals(videoIndex int, specs []model.SequenceGatherSpec, workItemSize int) Plan {
	var plan Plan
	w := int64(workItemSize)
	itemID := int64(0)
	for _, sg := range specs {
		if sg.VideoIndex != videoIndex {
			continue
		}
		for _, iv := range sg.Intervals {
			firstIdxOfInterval := len(plan.WorkItems)
			rowsFromStart := int64(0)
			for s := iv.Start; s < iv.End; s += w {
				e := s + w
				if e > iv.End {
					e = iv.End
				}
				chunkLen := e - s
				wi := model.WorkItem{
					VideoIndex:    videoIndex,
					ItemID:        itemID,
					NextItemID:    itemID + chunkLen,
					RowsFromStart: rowsFromStart,
				}
				idx := len(plan.WorkItems)
				plan.WorkItems = append(plan.WorkItems, wi)
				plan.LoadEntries = append(plan.LoadEntries, model.LoadEntry{
					WorkItemIndex: idx,
					WorkItem:      wi,
					VideoIndex:    videoIndex,
					Payload: model.LoadPayload{
						Tag:       model.SamplingSequenceGather,
						Intervals: []model.Interval{{Start: s, End: e}},
					},
				})
				itemID += chunkLen
				rowsFromStart += chunkLen
			}
			if len(plan.WorkItems) > firstIdxOfInterval {
				last := len(plan.WorkItems) - 1
				plan.WorkItems[last].NextItemID = -1
				plan.LoadEntries[last].WorkItem.NextItemID = -1
			}
		}
	}
	return plan
}
