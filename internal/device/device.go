// Package device implements a per-(device_type, device_id) buffer
// allocator and migration primitives: new_buffer, memcpy_buffer,
// delete_buffer, with alloc/free accounting exposed so ownership balance
// can be asserted at job end.
package device

import (
	"fmt"
	"sync"

	"github.com/vflow-project/vflow/internal/model"
)

// Allocator tracks outstanding buffer allocations per device and exposes
// counters for the accounting invariant.
type Allocator struct {
	mu     sync.Mutex
	allocs map[model.Device]int64
	frees  map[model.Device]int64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		allocs: make(map[model.Device]int64),
		frees:  make(map[model.Device]int64),
	}
}

// NewBuffer allocates a buffer of size n bytes on dev.
func (a *Allocator) NewBuffer(dev model.Device, n int) model.Buffer {
	a.mu.Lock()
	a.allocs[dev]++
	a.mu.Unlock()
	return model.Buffer{Device: dev, Data: make([]byte, n)}
}

// DeleteBuffer releases a buffer. It must be called exactly once per
// buffer returned by NewBuffer or MemcpyBuffer.
func (a *Allocator) DeleteBuffer(buf model.Buffer) {
	a.mu.Lock()
	a.frees[buf.Device]++
	a.mu.Unlock()
}

// MemcpyBuffer allocates a new buffer on dst and copies src's contents
// into it. It does not free src; the caller releases the source once all
// migrated copies have been made.
func (a *Allocator) MemcpyBuffer(src model.Buffer, dst model.Device) model.Buffer {
	out := a.NewBuffer(dst, len(src.Data))
	copy(out.Data, src.Data)
	return out
}

// Balance reports allocs - frees per device. A job that ends with any
// non-zero balance has leaked or double-freed a buffer.
func (a *Allocator) Balance() map[model.Device]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[model.Device]int64, len(a.allocs))
	for dev, n := range a.allocs {
		out[dev] = n - a.frees[dev]
	}
	for dev, n := range a.frees {
		if _, ok := out[dev]; !ok {
			out[dev] = -n
		}
	}
	return out
}

// CheckBalanced returns an error naming every device with a non-zero
// alloc/free balance.
func (a *Allocator) CheckBalanced() error {
	bal := a.Balance()
	for dev, n := range bal {
		if n != 0 {
			return fmt.Errorf("device %s: unbalanced buffer accounting, alloc-free=%d", dev, n)
		}
	}
	return nil
}

// MigrateColumn moves every buffer in a column to dst if it is not
// already there, releasing the source buffers. Used for the forced CPU
// normalization step before handoff downstream and for per-evaluator
// input device migration.
func MigrateColumn(a *Allocator, col model.Column, dst model.Device) model.Column {
	out := model.Column{Buffers: make([]model.Buffer, len(col.Buffers))}
	for i, buf := range col.Buffers {
		if buf.Device == dst {
			out.Buffers[i] = buf
			continue
		}
		out.Buffers[i] = a.MemcpyBuffer(buf, dst)
		a.DeleteBuffer(buf)
	}
	return out
}
