package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store fallback used when no registry DSN
// is configured.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]JobRecord
	// nodes is keyed by (jobID, rank).
	nodes map[nodeKey]NodeRecord
}

type nodeKey struct {
	jobID string
	rank  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]JobRecord),
		nodes: make(map[nodeKey]NodeRecord),
	}
}

func (m *MemoryStore) UpsertJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.jobs[job.ID]; ok {
		job.CreatedAt = existing.CreatedAt
	} else {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *MemoryStore) UpsertNode(_ context.Context, node NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.LastSeen = time.Now().UTC()
	m.nodes[nodeKey{node.JobID, node.Rank}] = node
	return nil
}

func (m *MemoryStore) ListNodes(_ context.Context, jobID string) ([]NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeRecord, 0)
	for k, n := range m.nodes {
		if k.jobID == jobID {
			out = append(out, n)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
