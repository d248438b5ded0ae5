// Package alloc implements the per-class Allocations record (spec §4.4,
// C4): monotonic new/free counters plus an optional user callback whose
// return value is retained per-object and handed back on free.
//
// Counters are go.uber.org/atomic values rather than a mutex-guarded
// struct, mirroring the teacher's use of go.uber.org/atomic throughout
// pkg/compactionworker and pkg/ingester: the producer path (spec §4.5)
// increments them from inside an allocator/collector callback, where
// taking a lock that might contend with the consumer is undesirable even
// under the engine's single-threaded-cooperative scheduling model.
package alloc

import (
	"go.uber.org/atomic"

	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// Allocations is one class's allocation bookkeeping. The zero value is not
// usable; use New.
type Allocations struct {
	class   runtimeadapter.ClassRef
	adapter runtimeadapter.Adapter

	newCount  atomic.Uint64
	freeCount atomic.Uint64

	callback atomic.Pointer[runtimeadapter.Callback]
}

// New creates an empty Allocations record for class. adapter is used only
// to fire write barriers when the callback pointer is stored.
func New(class runtimeadapter.ClassRef, adapter runtimeadapter.Adapter) *Allocations {
	return &Allocations{class: class, adapter: adapter}
}

func (a *Allocations) Class() runtimeadapter.ClassRef { return a.class }

func (a *Allocations) NewCount() uint64  { return a.newCount.Load() }
func (a *Allocations) FreeCount() uint64 { return a.freeCount.Load() }

// RetainedCount is saturating(new - free): it clamps to zero rather than
// wrapping when free transiently exceeds new, which happens for objects
// allocated before tracking started (spec §3, §8 property 1).
func (a *Allocations) RetainedCount() uint64 {
	n, f := a.newCount.Load(), a.freeCount.Load()
	if f >= n {
		return 0
	}
	return n - f
}

// IncrementNew bumps the new-allocation counter. Called from the producer
// path (spec §4.5) so a dropped or suppressed event still counts.
func (a *Allocations) IncrementNew() { a.newCount.Inc() }

// IncrementFree bumps the free counter.
func (a *Allocations) IncrementFree() { a.freeCount.Inc() }

// Track attaches callback to this record, replacing any previous one.
// Passing nil detaches it.
func (a *Allocations) Track(callback runtimeadapter.Callback) {
	var p *runtimeadapter.Callback
	if callback != nil {
		p = &callback
	}
	old := a.callback.Swap(p)
	if a.adapter != nil {
		a.adapter.WriteBarrier(a, old, p)
	}
}

// Callback returns the currently attached callback, or nil if none is set.
func (a *Allocations) Callback() runtimeadapter.Callback {
	p := a.callback.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Clear zeroes the counters and drops the callback (spec §4.4).
func (a *Allocations) Clear() {
	a.newCount.Store(0)
	a.freeCount.Store(0)
	a.callback.Store(nil)
}
