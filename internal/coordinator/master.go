// Package coordinator implements master-side work distribution and the
// per-node local scheduling gate: on rank 0, a pull-based work
// distributor speaking a two-message RPC over the cluster transport; on
// every node, the local gating rule that decides when to pull more
// work.
package coordinator

import (
	"context"
	"sync"

	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/transport"
)

// Master holds the authoritative, in-process ordered list of work items.
// It is never replicated; workers only ever see the integer indices it
// hands out.
type Master struct {
	mu      sync.Mutex
	entries []model.LoadEntry
	cursor  int
}

// NewMaster wraps the planner's output as the job-wide work queue.
func NewMaster(entries []model.LoadEntry) *Master {
	return &Master{entries: entries}
}

// NextForSelf hands the master's own local intake loop the next planned
// entry, exactly as if it were a remote worker's request.
func (m *Master) NextForSelf() (model.LoadEntry, bool) {
	return m.next()
}

func (m *Master) next() (model.LoadEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor >= len(m.entries) {
		return model.LoadEntry{}, false
	}
	e := m.entries[m.cursor]
	m.cursor++
	return e, true
}

// Serve answers "need work" requests from every non-master node until the
// plan is exhausted and every worker has received the -1 drain-and-exit
// reply. It blocks until each of the size-1 workers has been sent its
// final reply (or its session failed); it does not wait for the workers
// to disconnect.
func (m *Master) Serve(ctx context.Context, t transport.Transport) error {
	workerCount := t.Size() - 1
	if workerCount <= 0 {
		return nil
	}
	var wg sync.WaitGroup
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		sess, err := t.Accept()
		if err != nil {
			return err
		}
		wg.Add(1)
		go m.serveOne(&wg, sess, errCh)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) serveOne(wg *sync.WaitGroup, sess transport.Session, errCh chan<- error) {
	defer wg.Done()
	defer sess.Close()
	for {
		if _, err := sess.Recv(); err != nil {
			errCh <- err
			return
		}
		entry, ok := m.next()
		if !ok {
			// Plan exhausted: answer -1 and this worker is done for good.
			_ = sess.Send(int32(model.SentinelReplyIndex))
			return
		}
		if err := sess.Send(int32(entry.WorkItemIndex)); err != nil {
			errCh <- err
			return
		}
	}
}

// RequestWork sends a one-integer "need work" request to the master and
// returns the work-item index it replies with, or false if the master
// answered -1 (drain-and-exit).
func RequestWork(t transport.Transport) (int, bool, error) {
	if err := t.SendToMaster(0); err != nil {
		return 0, false, err
	}
	v, err := t.RecvFromMaster()
	if err != nil {
		return 0, false, err
	}
	if int(v) == model.SentinelReplyIndex {
		return 0, false, nil
	}
	return int(v), true, nil
}
