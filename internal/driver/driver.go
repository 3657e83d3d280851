// Package driver implements the job driver: the per-node orchestrator
// that builds the pipeline's queues, spawns the load/eval/save worker
// pools, runs the local intake loop against the master coordinator, and
// executes the exact shutdown sentinel sequence.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vflow-project/vflow/internal/coordinator"
	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/evaluator"
	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/observability"
	"github.com/vflow-project/vflow/internal/pipeline/eval"
	"github.com/vflow-project/vflow/internal/pipeline/load"
	"github.com/vflow-project/vflow/internal/pipeline/profile"
	"github.com/vflow-project/vflow/internal/pipeline/save"
	"github.com/vflow-project/vflow/internal/planwork"
	"github.com/vflow-project/vflow/internal/queue"
	"github.com/vflow-project/vflow/internal/storage"
	"github.com/vflow-project/vflow/internal/transport"
)

// Dataset resolves video metadata/paths and reports how many videos the
// job's dataset holds. Every node builds the same global plan from the
// same Dataset, so BuildForVideo's per-video output must be identical
// regardless of which node calls it.
type Dataset interface {
	load.Dataset
	VideoCount() int
}

// Params bundles the tuning constants the driver needs. Rank 0 is always
// the master; every other rank pulls work from it over Transport.
type Params struct {
	WorkItemSize       int
	LoadWorkersPerNode int
	PUsPerNode         int
	SaveWorkersPerNode int
	TasksInQueuePerPU  int
	QueueCapacity      int
	Rank               int
	Size               int
}

// Node runs one job on one cluster node.
type Node struct {
	Params    Params
	Job       model.Job
	Dataset   Dataset
	Factories []evaluator.Factory
	Allocator *device.Allocator
	// NewBackend constructs one fresh storage.Backend per I/O goroutine;
	// each I/O goroutine owns its own backend instance.
	NewBackend func() (storage.Backend, error)
	// Transport is nil for a single-node (Size == 1) run.
	Transport transport.Transport
}

// firstError records the first non-nil error reported to it and is safe
// for concurrent use by every worker goroutine.
type firstError struct {
	mu  sync.Mutex
	err error
}

func (f *firstError) Set(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *firstError) Get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Run builds the plan, drives the pipeline to completion, and persists the
// profile and (on rank 0) the job descriptor and db-metadata registration.
// It returns the first error any stage reported; buffer accounting is
// only checked on a clean run.
func (n *Node) Run(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "driver.run_job",
		attribute.String("job.id", n.Job.ID),
		attribute.String("job.name", n.Job.Name),
		attribute.Int("node.rank", n.Params.Rank),
	)
	defer span.End()

	jobStartNanos := time.Now().UnixNano()

	plan, err := n.buildGlobalPlan()
	if err != nil {
		return fmt.Errorf("driver: building plan: %w", err)
	}

	groups := evaluator.BuildFactoryGroups(n.Factories)
	if len(groups) == 0 {
		return fmt.Errorf("driver: job has no evaluators configured")
	}
	numGroups := len(groups)
	warmupSize := chainWarmupSize(n.Factories)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	fe := &firstError{}
	fail := func(err error) {
		if err == nil {
			return
		}
		fe.Set(err)
		cancel()
	}

	loadQ := queue.New[model.LoadEntry](n.Params.QueueCapacity)
	evalQueues := make([]*queue.Queue[model.EvalEntry], numGroups+1)
	for i := range evalQueues {
		evalQueues[i] = queue.New[model.EvalEntry](n.Params.QueueCapacity)
	}
	saveQ := evalQueues[numGroups]

	var puCounter uint32
	nextPUID := func() uint32 {
		id := puCounter
		puCounter++
		return id
	}
	var recorders []*profile.Recorder

	var loadWG sync.WaitGroup
	for i := 0; i < n.Params.LoadWorkersPerNode; i++ {
		backend, err := n.NewBackend()
		if err != nil {
			return fmt.Errorf("driver: building load backend: %w", err)
		}
		w := load.NewWorker(backend, n.Dataset, n.Allocator, warmupSize)
		loadWG.Add(1)
		go func(w *load.Worker) {
			defer loadWG.Done()
			fail(w.Run(runCtx, loadQ, evalQueues[0]))
		}(w)
	}

	groupWGs := make([]*sync.WaitGroup, numGroups)
	for g, factories := range groups {
		wg := &sync.WaitGroup{}
		groupWGs[g] = wg
		isFirst := g == 0
		isLast := g == numGroups-1
		in, out := evalQueues[g], evalQueues[g+1]
		for p := 0; p < n.Params.PUsPerNode; p++ {
			w := eval.NewWorker(factories, n.Allocator, n.Dataset, n.Params.WorkItemSize, warmupSize, isFirst, isLast)
			rec := profile.NewRecorder(jobStartNanos, nextPUID())
			for _, ev := range w.Evaluators {
				ev.SetProfiler(rec)
			}
			recorders = append(recorders, rec)
			wg.Add(1)
			go func(w *eval.Worker) {
				defer wg.Done()
				fail(w.Run(runCtx, in, out))
			}(w)
		}
	}

	scheduler := coordinator.NewLocalScheduler(n.Params.PUsPerNode, n.Params.TasksInQueuePerPU)
	pathFn := save.DefaultPath(n.Job.ID)
	var saveWG sync.WaitGroup
	for i := 0; i < n.Params.SaveWorkersPerNode; i++ {
		backend, err := n.NewBackend()
		if err != nil {
			return fmt.Errorf("driver: building save backend: %w", err)
		}
		w := save.NewWorker(backend, n.Allocator, pathFn, scheduler)
		saveWG.Add(1)
		go func(w *save.Worker) {
			defer saveWG.Done()
			fail(w.Run(runCtx, saveQ))
		}(w)
	}

	isMaster := n.Params.Rank == 0
	var master *coordinator.Master
	var masterDone chan error
	if isMaster {
		master = coordinator.NewMaster(plan.LoadEntries)
		if n.Params.Size > 1 {
			masterDone = make(chan error, 1)
			go func() { masterDone <- master.Serve(runCtx, n.Transport) }()
		}
	}

	n.intake(runCtx, plan, scheduler, isMaster, master, loadQ, fail)

	// Shut every stage down in order: push sentinels for one stage, join
	// its workers, then move to the next.
	observability.Default.SetGauge("load_queue_depth", nil, float64(loadQ.Len()))
	pushSentinels(runCtx, loadQ, n.Params.LoadWorkersPerNode, model.LoadSentinel())
	loadWG.Wait()

	observability.Default.SetGauge("eval_queue_depth", observability.GroupLabels(0), float64(evalQueues[0].Len()))
	pushSentinels(runCtx, evalQueues[0], n.Params.PUsPerNode, model.EvalSentinel())
	groupWGs[0].Wait()

	for g := 1; g < numGroups; g++ {
		observability.Default.SetGauge("eval_queue_depth", observability.GroupLabels(g), float64(evalQueues[g].Len()))
		pushSentinels(runCtx, evalQueues[g], n.Params.PUsPerNode, model.EvalSentinel())
		groupWGs[g].Wait()
	}

	observability.Default.SetGauge("save_queue_depth", nil, float64(saveQ.Len()))
	pushSentinels(runCtx, saveQ, n.Params.SaveWorkersPerNode, model.EvalSentinel())
	saveWG.Wait()

	if masterDone != nil {
		fail(<-masterDone)
	}

	if err := fe.Get(); err != nil {
		return err
	}

	reportBufferBalance(n.Allocator)
	if err := n.Allocator.CheckBalanced(); err != nil {
		return fmt.Errorf("driver: %w", err)
	}

	jobLabels := map[string]string{"job_id": n.Job.ID}
	observability.Default.IncCounter("driver_jobs_completed_total", jobLabels, 1)
	observability.Default.SetGauge("driver_work_items_accepted", jobLabels, float64(scheduler.Accepted()))
	observability.Default.SetGauge("driver_work_items_retired", jobLabels, float64(scheduler.Retired()))

	var intervals []profile.Interval
	for _, r := range recorders {
		intervals = append(intervals, r.Intervals()...)
	}
	profileBackend, err := n.NewBackend()
	if err != nil {
		return fmt.Errorf("driver: building profile backend: %w", err)
	}
	jobEndNanos := time.Now().UnixNano()
	if err := profile.Write(ctx, profileBackend, n.Job.ID, n.Params.Rank, jobStartNanos, jobEndNanos, intervals); err != nil {
		return fmt.Errorf("driver: writing profile: %w", err)
	}

	if isMaster {
		descBackend, err := n.NewBackend()
		if err != nil {
			return fmt.Errorf("driver: building descriptor backend: %w", err)
		}
		if err := writeDescriptor(ctx, descBackend, n.Job); err != nil {
			return fmt.Errorf("driver: writing job descriptor: %w", err)
		}
		if err := coordinator.RegisterJobCompletion(ctx, descBackend, n.Job.DatasetID, n.Job.ID, n.Job.Name); err != nil {
			return fmt.Errorf("driver: registering job completion: %w", err)
		}
	}

	return nil
}

// buildGlobalPlan concatenates every video's plan in video-index order,
// reindexing WorkItemIndex to run over the whole job — every node derives
// this same plan locally from the same Dataset.
func (n *Node) buildGlobalPlan() (planwork.Plan, error) {
	var plan planwork.Plan
	for v := 0; v < n.Dataset.VideoCount(); v++ {
		meta, err := n.Dataset.Metadata(v)
		if err != nil {
			return planwork.Plan{}, fmt.Errorf("video %d: %w", v, err)
		}
		vp := planwork.BuildForVideo(v, meta, n.Job.Sampling, n.Job.WorkItemSize)
		base := len(plan.LoadEntries)
		for i := range vp.LoadEntries {
			vp.LoadEntries[i].WorkItemIndex = base + i
		}
		plan.WorkItems = append(plan.WorkItems, vp.WorkItems...)
		plan.LoadEntries = append(plan.LoadEntries, vp.LoadEntries...)
	}
	return plan, nil
}

// intake runs this node's local pull loop: gated by the scheduler's
// backlog threshold, it pulls the next planned entry (from the master's
// own cursor on rank 0, or by requesting it over the transport otherwise)
// and pushes it onto the load queue, until the plan is exhausted.
func (n *Node) intake(ctx context.Context, plan planwork.Plan, scheduler *coordinator.LocalScheduler, isMaster bool, master *coordinator.Master, loadQ *queue.Queue[model.LoadEntry], fail func(error)) {
	for {
		for !scheduler.BelowThreshold() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}

		var entry model.LoadEntry
		var ok bool
		if isMaster {
			entry, ok = master.NextForSelf()
		} else {
			idx, got, err := coordinator.RequestWork(n.Transport)
			if err != nil {
				fail(err)
				return
			}
			ok = got
			if ok {
				if idx < 0 || idx >= len(plan.LoadEntries) {
					fail(fmt.Errorf("driver: master returned out-of-range work index %d", idx))
					return
				}
				entry = plan.LoadEntries[idx]
			}
		}
		if !ok {
			return
		}
		scheduler.Accept()
		if err := loadQ.Push(ctx, entry); err != nil {
			fail(err)
			return
		}
		observability.Default.SetGauge("load_queue_depth", nil, float64(loadQ.Len()))
	}
}

// chainWarmupSize returns the max WarmupCount declared across every
// factory in the whole evaluator chain, regardless of which factory group
// it ends up in. Every group's worker is given this same value: only the
// last group acts on it, but all of them need to agree on what it is.
func chainWarmupSize(factories []evaluator.Factory) int {
	max := 0
	for _, f := range factories {
		if w := f.Capabilities().WarmupCount; w > max {
			max = w
		}
	}
	return max
}

// reportBufferBalance exports each device's outstanding alloc-free balance
// as a gauge, so a leak or double-free shows up in the metrics snapshot
// alongside the in-process CheckBalanced error.
func reportBufferBalance(alloc *device.Allocator) {
	for dev, n := range alloc.Balance() {
		observability.Default.SetGauge("device_buffer_balance", map[string]string{
			"device_type": dev.Type.String(),
			"device_id":   fmt.Sprintf("%d", dev.ID),
		}, float64(n))
	}
}

// pushSentinels pushes n copies of sentinel onto q, stopping at the first
// error (a cancelled context from an earlier worker failure makes further
// pushes fail immediately rather than block).
func pushSentinels[T any](ctx context.Context, q *queue.Queue[T], n int, sentinel T) {
	for i := 0; i < n; i++ {
		if err := q.Push(ctx, sentinel); err != nil {
			return
		}
	}
}

// writeDescriptor persists the job-level metadata: work item size,
// sampling spec, and the ordered column descriptors, at
// <db>/jobs/<job>/descriptor.
func writeDescriptor(ctx context.Context, backend storage.Backend, job model.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	path := "jobs/" + job.ID + "/descriptor"
	return storage.RetryWrite(ctx, backend, path, storage.DefaultRetryPolicy(), func(wh storage.WriteHandle) error {
		if _, err := wh.Write(body); err != nil {
			return err
		}
		return wh.Save()
	})
}
