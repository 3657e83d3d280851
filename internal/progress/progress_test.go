package progress

import (
	"context"
	"testing"
	"time"

	"github.com/vflow-project/vflow/internal/coordinator"
	"github.com/vflow-project/vflow/internal/registry"
)

func TestReporterUpsertsCurrentCounters(t *testing.T) {
	store := registry.NewMemoryStore()
	sched := coordinator.NewLocalScheduler(1, 4)
	sched.Accept()
	sched.Accept()
	sched.Retire()

	r := New(store, sched, "job1", 0, "127.0.0.1:7070", time.Hour)
	ctx := context.Background()
	if err := r.report(ctx); err != nil {
		t.Fatal(err)
	}

	nodes, err := store.ListNodes(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("want 1 node record, got %d", len(nodes))
	}
	if nodes[0].AcceptedItems != 2 || nodes[0].RetiredItems != 1 {
		t.Fatalf("want accepted=2 retired=1, got accepted=%d retired=%d", nodes[0].AcceptedItems, nodes[0].RetiredItems)
	}
}

func TestReporterStopsOnContextCancel(t *testing.T) {
	store := registry.NewMemoryStore()
	sched := coordinator.NewLocalScheduler(1, 4)
	r := New(store, sched, "job1", 0, "127.0.0.1:7070", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
