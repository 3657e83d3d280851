// Command vflow-node runs one node's pipeline for a job: rank 0 acts as
// the master coordinator, every other rank pulls work from it.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vflow-project/vflow/internal/adminapi"
	"github.com/vflow-project/vflow/internal/config"
	"github.com/vflow-project/vflow/internal/coordinator"
	"github.com/vflow-project/vflow/internal/dataset"
	"github.com/vflow-project/vflow/internal/device"
	"github.com/vflow-project/vflow/internal/driver"
	"github.com/vflow-project/vflow/internal/evaluator"
	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/observability"
	"github.com/vflow-project/vflow/internal/progress"
	"github.com/vflow-project/vflow/internal/registry"
	"github.com/vflow-project/vflow/internal/storage"
	"github.com/vflow-project/vflow/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	shutdownTrace, err := observability.InitTracingFromEnv("vflow-node")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("build storage backend: %v", err)
	}

	store, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("build registry: %v", err)
	}

	ds, err := dataset.Load(ctx, backend, cfg.DatasetID)
	if err != nil {
		log.Fatalf("load dataset %q: %v", cfg.DatasetID, err)
	}

	job := model.Job{
		Name:         cfg.JobName,
		ID:           cfg.JobID,
		DatasetID:    cfg.DatasetID,
		WorkItemSize: cfg.WorkItemSize,
		Sampling:     samplingSpecFromEnv(),
		Columns:      []model.ColumnDescriptor{{ID: 0, Name: "decoded"}},
	}

	var t transport.Transport
	if cfg.Size > 1 {
		if cfg.Rank == 0 {
			t, err = transport.NewMaster(cfg.ListenAddr, cfg.Size)
		} else {
			t, err = transport.NewWorker(cfg.MasterAddr, cfg.Rank, cfg.Size)
		}
		if err != nil {
			log.Fatalf("build transport: %v", err)
		}
		defer t.Close()
	}

	if cfg.Rank == 0 {
		if err := store.UpsertJob(ctx, registry.JobRecord{ID: job.ID, Name: job.Name, DatasetID: job.DatasetID, Status: "running"}); err != nil {
			log.Printf("registry: recording job start: %v", err)
		}
	}

	scheduler := coordinator.NewLocalScheduler(cfg.PUsPerNode, cfg.TasksInQueuePerPU)
	reporter := progress.New(store, scheduler, job.ID, cfg.Rank, cfg.ListenAddr, 5*time.Second)
	go reporter.Start(ctx)

	if cfg.AdminAddr != "" {
		go func() {
			if err := adminapi.Serve(cfg.AdminAddr, store); err != nil {
				log.Printf("adminapi stopped: %v", err)
			}
		}()
	}

	node := &driver.Node{
		Params: driver.Params{
			WorkItemSize:       cfg.WorkItemSize,
			LoadWorkersPerNode: cfg.LoadWorkersPerNode,
			PUsPerNode:         cfg.PUsPerNode,
			SaveWorkersPerNode: cfg.SaveWorkersPerNode,
			TasksInQueuePerPU:  cfg.TasksInQueuePerPU,
			QueueCapacity:      cfg.QueueCapacity,
			Rank:               cfg.Rank,
			Size:               cfg.Size,
		},
		Job:       job,
		Dataset:   ds,
		Factories: []evaluator.Factory{evaluator.DecodeFactory{Warmup: cfg.WarmupSize}},
		Allocator: device.NewAllocator(),
		NewBackend: func() (storage.Backend, error) {
			return buildBackend(ctx, cfg)
		},
		Transport: t,
	}

	if err := node.Run(ctx); err != nil {
		log.Fatalf("node run failed: %v", err)
	}
	log.Printf("job %s rank %d finished", job.ID, cfg.Rank)
}

func buildBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "minio":
		return storage.NewMinIOBackend(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
	default:
		return storage.NewLocalBackend(cfg.StorageRoot), nil
	}
}

func buildRegistry(cfg config.Config) (registry.Store, error) {
	if cfg.RegistryDSN == "" {
		return registry.NewMemoryStore(), nil
	}
	return registry.NewPostgresStore(cfg.RegistryDSN)
}

// samplingSpecFromEnv builds the job's sampling specification from the
// process environment. It supports the two sampling variants that are
// meaningfully expressible as flat env vars (All, Strided). Gather and
// SequenceGather jobs require a per-video frame/interval list and are
// expected to be driven programmatically through internal/driver.Node
// rather than through this entrypoint.
func samplingSpecFromEnv() model.SamplingSpec {
	tag := strings.ToLower(strings.TrimSpace(os.Getenv("VFLOW_SAMPLING")))
	switch tag {
	case "strided":
		stride, err := strconv.ParseInt(os.Getenv("VFLOW_SAMPLING_STRIDE"), 10, 64)
		if err != nil || stride < 1 {
			stride = 1
		}
		return model.SamplingSpec{Tag: model.SamplingStrided, Stride: stride}
	default:
		return model.SamplingSpec{Tag: model.SamplingAll}
	}
}
