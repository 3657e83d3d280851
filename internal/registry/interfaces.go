// Package registry is a supplemental operational mirror of job
// submissions and per-node liveness — NOT the authoritative work-item
// plan, which stays in-process on the master (internal/coordinator.Master)
// for the lifetime of one job. It exposes a Store interface with two
// implementations, trimmed to what an admin dashboard over this pipeline
// needs.
package registry

import (
	"context"
	"time"
)

// JobRecord is one row of the jobs table.
type JobRecord struct {
	ID        string
	Name      string
	DatasetID string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeRecord is one row of the nodes table: a snapshot of one node's
// pipeline progress within one job.
type NodeRecord struct {
	JobID         string
	Rank          int
	Addr          string
	AcceptedItems int64
	RetiredItems  int64
	CPUUtil       float64
	MemoryUtil    float64
	Health        string
	LastSeen      time.Time
}

// Store is the registry's persistence interface.
type Store interface {
	UpsertJob(ctx context.Context, job JobRecord) error
	ListJobs(ctx context.Context) ([]JobRecord, error)
	UpsertNode(ctx context.Context, node NodeRecord) error
	ListNodes(ctx context.Context, jobID string) ([]NodeRecord, error)
}
