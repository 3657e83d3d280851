package save

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/vflow-project/vflow/internal/coordinator"
	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/queue"
	"github.com/vflow-project/vflow/internal/storage"
)

func makeEntry(alloc *device.Allocator, workItemIndex int, rows [][]byte) model.EvalEntry {
	col := model.Column{}
	for _, r := range rows {
		buf := alloc.NewBuffer(model.Device{Type: model.DeviceCPU}, len(r))
		copy(buf.Data, r)
		col.Buffers = append(col.Buffers, buf)
	}
	return model.EvalEntry{WorkItemIndex: workItemIndex, Columns: []model.Column{col}}
}

func TestWorkerWritesSizeTableThenPayloads(t *testing.T) {
	dir := t.TempDir()
	backend := storage.NewLocalBackend(dir)
	alloc := device.NewAllocator()
	sched := coordinator.NewLocalScheduler(1, 4)
	w := NewWorker(backend, alloc, DefaultPath("job1"), sched)

	in := queue.New[model.EvalEntry](2)
	ctx := context.Background()
	entry := makeEntry(alloc, 7, [][]byte{{1, 2, 3}, {4, 5}})
	in.Push(ctx, entry)
	in.Push(ctx, model.EvalSentinel())

	if err := w.Run(ctx, in); err != nil {
		t.Fatal(err)
	}
	if sched.Retired() != 1 {
		t.Fatalf("want 1 retired item, got %d", sched.Retired())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "jobs/job1/0/0/7"))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 16+3+2 {
		t.Fatalf("want %d bytes (2 sizes + 5 payload bytes), got %d", 16+3+2, len(raw))
	}
	size0 := binary.LittleEndian.Uint64(raw[0:8])
	size1 := binary.LittleEndian.Uint64(raw[8:16])
	if size0 != 3 || size1 != 2 {
		t.Fatalf("want sizes [3,2], got [%d,%d]", size0, size1)
	}
	if string(raw[16:19]) != "\x01\x02\x03" {
		t.Fatalf("row 0 payload mismatch: %v", raw[16:19])
	}

	if err := alloc.CheckBalanced(); err != nil {
		t.Fatalf("expected balanced accounting after release, got %v", err)
	}
}

func TestWorkerRetiresBeforeSentinelExit(t *testing.T) {
	dir := t.TempDir()
	backend := storage.NewLocalBackend(dir)
	alloc := device.NewAllocator()
	sched := coordinator.NewLocalScheduler(1, 4)
	w := NewWorker(backend, alloc, DefaultPath("job1"), sched)

	in := queue.New[model.EvalEntry](3)
	ctx := context.Background()
	in.Push(ctx, makeEntry(alloc, 0, [][]byte{{1}}))
	in.Push(ctx, makeEntry(alloc, 1, [][]byte{{2}}))
	in.Push(ctx, model.EvalSentinel())

	if err := w.Run(ctx, in); err != nil {
		t.Fatal(err)
	}
	if sched.Retired() != 2 {
		t.Fatalf("want 2 retired items, got %d", sched.Retired())
	}
}
