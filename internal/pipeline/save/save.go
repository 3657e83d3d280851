// Package save implements the save worker: it consumes finished
// EvalEntries and persists each column's rows to the backend, retiring
// the item with the local scheduler once every column has been durably
// written.
package save

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vflow-project/vflow/internal/coordinator"
	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/observability"
	"github.com/vflow-project/vflow/internal/queue"
	"github.com/vflow-project/vflow/internal/storage"
)

// PathFunc builds the persisted path for one column of one work item:
// <db>/jobs/<job>/<video>/<column>/<work_item_index>.
type PathFunc func(videoIndex, columnID, workItemIndex int) string

// DefaultPath builds the standard persisted layout.
func DefaultPath(job string) PathFunc {
	return func(videoIndex, columnID, workItemIndex int) string {
		return fmt.Sprintf("jobs/%s/%d/%d/%d", job, videoIndex, columnID, workItemIndex)
	}
}

// Worker consumes EvalEntries and writes one file per column per work
// item: an int64[num_rows] size table followed by the concatenated row
// payloads, so a reader can seek to any row without decoding the whole
// column.
type Worker struct {
	Backend   storage.Backend
	Allocator *device.Allocator
	Path      PathFunc
	Scheduler *coordinator.LocalScheduler
	Retry     storage.RetryPolicy
}

// NewWorker builds a save worker with its own backend instance; each I/O
// goroutine owns its own Backend.
func NewWorker(backend storage.Backend, alloc *device.Allocator, path PathFunc, sched *coordinator.LocalScheduler) *Worker {
	return &Worker{Backend: backend, Allocator: alloc, Path: path, Scheduler: sched, Retry: storage.DefaultRetryPolicy()}
}

// Run pulls entries from in until it receives a sentinel, persisting each
// non-sentinel entry's columns and retiring it with the scheduler.
func (w *Worker) Run(ctx context.Context, in *queue.Queue[model.EvalEntry]) error {
	for {
		entry, err := in.Pop(ctx)
		if err != nil {
			return err
		}
		if entry.IsSentinel() {
			return nil
		}
		if err := w.process(ctx, entry); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, entry model.EvalEntry) error {
	ctx, span := observability.StartSpan(ctx, "save.write_entry",
		observability.PipelineAttributes(entry.VideoIndex, entry.WorkItemIndex)...,
	)
	defer span.End()

	var rows int
	for colID, col := range entry.Columns {
		if err := w.writeColumn(ctx, entry.VideoIndex, colID, entry.WorkItemIndex, col); err != nil {
			return fmt.Errorf("save: work item %d column %d: %w", entry.WorkItemIndex, colID, err)
		}
		rows += col.Len()
	}
	releaseColumns(w.Allocator, entry.Columns)
	if w.Scheduler != nil {
		w.Scheduler.Retire()
	}
	observability.Default.IncCounter("save_entries_written_total", nil, 1)
	observability.Default.IncCounter("save_rows_written_total", nil, float64(rows))
	return nil
}

func (w *Worker) writeColumn(ctx context.Context, videoIndex, colID, workItemIndex int, col model.Column) error {
	path := w.Path(videoIndex, colID, workItemIndex)
	return storage.RetryWrite(ctx, w.Backend, path, w.Retry, func(wh storage.WriteHandle) error {
		if err := writeSizeTable(wh, col); err != nil {
			return err
		}
		for _, buf := range col.Buffers {
			if _, err := wh.Write(buf.Data); err != nil {
				return err
			}
		}
		return wh.Save()
	})
}

// writeSizeTable writes the int64[num_rows] row-length header preceding
// the concatenated payloads.
func writeSizeTable(wh storage.WriteHandle, col model.Column) error {
	sizes := make([]byte, 8*len(col.Buffers))
	for i, buf := range col.Buffers {
		binary.LittleEndian.PutUint64(sizes[i*8:], uint64(len(buf.Data)))
	}
	_, err := wh.Write(sizes)
	return err
}

func releaseColumns(alloc *device.Allocator, cols []model.Column) {
	for _, c := range cols {
		for _, buf := range c.Buffers {
			alloc.DeleteBuffer(buf)
		}
	}
}
