// Package progress periodically reports one node's pipeline liveness
// (accepted/retired item counters, host utilization) to the registry
// using an atomic-counter + ticker Start(ctx) shape and a /proc-based
// utilization reader.
package progress

import (
	"context"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/vflow-project/vflow/internal/coordinator"
	"github.com/vflow-project/vflow/internal/registry"
)

// Reporter posts periodic NodeRecord snapshots to a registry.Store.
type Reporter struct {
	store     registry.Store
	scheduler *coordinator.LocalScheduler
	jobID     string
	rank      int
	addr      string
	interval  time.Duration
}

func New(store registry.Store, scheduler *coordinator.LocalScheduler, jobID string, rank int, addr string, interval time.Duration) *Reporter {
	return &Reporter{store: store, scheduler: scheduler, jobID: jobID, rank: rank, addr: addr, interval: interval}
}

// Start reports on a ticker until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.report(ctx); err != nil {
				log.Printf("progress report failed: %v", err)
			}
		}
	}
}

func (r *Reporter) report(ctx context.Context) error {
	cpuUtil, memUtil := hostUtilization()
	return r.store.UpsertNode(ctx, registry.NodeRecord{
		JobID:         r.jobID,
		Rank:          r.rank,
		Addr:          r.addr,
		AcceptedItems: r.scheduler.Accepted(),
		RetiredItems:  r.scheduler.Retired(),
		CPUUtil:       cpuUtil,
		MemoryUtil:    memUtil,
		Health:        "healthy",
	})
}

func hostUtilization() (float64, float64) {
	return cpuUtilizationPercent(), memoryUtilizationPercent()
}

func cpuUtilizationPercent() float64 {
	// Linux loadavg-based estimate normalized by CPU cores.
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		parts := strings.Fields(string(b))
		if len(parts) > 0 {
			if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
				cpus := float64(runtime.NumCPU())
				if cpus <= 0 {
					cpus = 1
				}
				pct := (v / cpus) * 100.0
				if pct < 0 {
					pct = 0
				}
				if pct > 100 {
					pct = 100
				}
				return pct
			}
		}
	}
	return 0
}

func memoryUtilizationPercent() float64 {
	if b, err := os.ReadFile("/proc/meminfo"); err == nil {
		var totalKB, availKB float64
		for _, line := range strings.Split(string(b), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				totalKB, _ = strconv.ParseFloat(fields[1], 64)
			case "MemAvailable:":
				availKB, _ = strconv.ParseFloat(fields[1], 64)
			}
		}
		if totalKB > 0 && availKB >= 0 {
			used := ((totalKB - availKB) / totalKB) * 100.0
			if used < 0 {
				used = 0
			}
			if used > 100 {
				used = 100
			}
			return used
		}
	}
	return 0
}
