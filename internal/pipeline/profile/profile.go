// Package profile implements the profile output: a per-node, per-job
// binary blob with start/end timestamps and, for each worker goroutine,
// tagged interval records, used for offline performance analysis.
package profile

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"

	"github.com/vflow-project/vflow/internal/evaluator"
	"github.com/vflow-project/vflow/internal/storage"
)

// Interval is one tagged worker-thread interval record.
type Interval struct {
	Kind        string
	PUID        uint32
	StartNanos  int64
	EndNanos    int64
}

// Recorder collects intervals for one node's job run and implements
// evaluator.Profiler so eval workers can feed it directly.
type Recorder struct {
	JobStartNanos int64
	intervals     []Interval
	puID          uint32
}

// NewRecorder builds a recorder for the given PU id, tagging every
// interval it records with that id.
func NewRecorder(jobStartNanos int64, puID uint32) *Recorder {
	return &Recorder{JobStartNanos: jobStartNanos, puID: puID}
}

var _ evaluator.Profiler = (*Recorder)(nil)

// RecordInterval implements evaluator.Profiler.
func (r *Recorder) RecordInterval(kind string, startNanos, endNanos int64) {
	r.intervals = append(r.intervals, Interval{Kind: kind, PUID: r.puID, StartNanos: startNanos, EndNanos: endNanos})
}

// Intervals returns the recorded intervals.
func (r *Recorder) Intervals() []Interval { return r.intervals }

// Encode serializes the header plus every interval record into the
// little-endian binary format: header (job start/end unix-nanos, then a
// uint32 record count) followed by tagged interval records (uint32 kind
// length + kind bytes, pu_id uint32, start int64, end int64).
func Encode(jobStartNanos, jobEndNanos int64, intervals []Interval) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, jobStartNanos)
	binary.Write(&buf, binary.LittleEndian, jobEndNanos)
	binary.Write(&buf, binary.LittleEndian, uint32(len(intervals)))
	for _, iv := range intervals {
		binary.Write(&buf, binary.LittleEndian, uint32(len(iv.Kind)))
		buf.WriteString(iv.Kind)
		binary.Write(&buf, binary.LittleEndian, iv.PUID)
		binary.Write(&buf, binary.LittleEndian, iv.StartNanos)
		binary.Write(&buf, binary.LittleEndian, iv.EndNanos)
	}
	return buf.Bytes()
}

// Write persists the encoded profile at <db>/jobs/<job>/profile/<rank>.
func Write(ctx context.Context, backend storage.Backend, job string, rank int, jobStartNanos, jobEndNanos int64, intervals []Interval) error {
	path := "jobs/" + job + "/profile/" + strconv.Itoa(rank)
	body := Encode(jobStartNanos, jobEndNanos, intervals)
	return storage.RetryWrite(ctx, backend, path, storage.DefaultRetryPolicy(), func(wh storage.WriteHandle) error {
		if _, err := wh.Write(body); err != nil {
			return err
		}
		return wh.Save()
	})
}
