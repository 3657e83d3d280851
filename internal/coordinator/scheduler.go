package coordinator

import "sync/atomic"

// LocalScheduler implements the per-node gating rule used by both the
// master's own intake loop and every worker node's request-for-more-work
// decision: keep accepted_items - retired_items <
// PUS_PER_NODE * TASKS_IN_QUEUE_PER_PU.
type LocalScheduler struct {
	threshold int64
	accepted  atomic.Int64
	retired   atomic.Int64
}

// NewLocalScheduler builds a scheduler gated at pusPerNode *
// tasksInQueuePerPU outstanding items.
func NewLocalScheduler(pusPerNode, tasksInQueuePerPU int) *LocalScheduler {
	s := &LocalScheduler{threshold: int64(pusPerNode) * int64(tasksInQueuePerPU)}
	return s
}

// BelowThreshold reports whether the node should pull more work.
func (s *LocalScheduler) BelowThreshold() bool {
	return s.Backlog() < s.threshold
}

// Accept records that one more item has entered the local pipeline.
func (s *LocalScheduler) Accept() { s.accepted.Add(1) }

// Retire records that the save worker has finished writing one item's
// output; retired_items is a shared atomic counter, writer-many (save
// workers), reader-one (driver).
func (s *LocalScheduler) Retire() { s.retired.Add(1) }

// Backlog returns accepted_items - retired_items.
func (s *LocalScheduler) Backlog() int64 { return s.accepted.Load() - s.retired.Load() }

// Accepted and Retired expose the raw counters for tests and
// observability.
func (s *LocalScheduler) Accepted() int64 { return s.accepted.Load() }
func (s *LocalScheduler) Retired() int64  { return s.retired.Load() }
