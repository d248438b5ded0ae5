// Package capture implements the engine's front-end (spec §4.5, C5): it
// owns a set of tracked classes, an Object Table, and the producer/consumer
// split that converts raw runtime events into Allocations updates, Object
// Table entries, and user callback invocations.
//
// The producer methods (installed as runtimeadapter hooks) run
// synchronously inside the allocator or collector callback and never
// block; the consumer methods run from Events.drain, which the host
// invokes from its deferred-job mechanism, and are the only place user
// callbacks are invoked.
package capture

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/retainwatch/retainwatch/alloc"
	"github.com/retainwatch/retainwatch/internal/configutil"
	"github.com/retainwatch/retainwatch/internal/metrics"
	"github.com/retainwatch/retainwatch/internal/safecall"
	"github.com/retainwatch/retainwatch/internal/xlog"
	"github.com/retainwatch/retainwatch/objtable"
	"github.com/retainwatch/retainwatch/queue"
	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// ErrClearWhileRunning is returned by Clear when Capture is still running
// (spec §7, "recoverable — caller-visible").
var ErrClearWhileRunning = errors.New("capture: cannot clear while running")

// ErrEnumerationInProgress is returned by EachObject when another
// enumeration is already underway. each_object's contract — drain the
// queue, take a strong-reference scope, walk the table — only needs
// mutual exclusion with itself, not with the producer/consumer path, so
// it is guarded by its own semaphore.Weighted(1) rather than widening
// c.mu's scope (spec §4.5 "Enumeration mode").
var ErrEnumerationInProgress = errors.New("capture: another each_object enumeration is already running")

// Statistics is the snapshot returned by Capture.Statistics.
type Statistics struct {
	TrackedCount    int
	ObjectTableSize int
}

// Capture is the front-end described in spec §4.5. The zero value is not
// usable; use New.
type Capture struct {
	events  *Events
	adapter runtimeadapter.Adapter
	config  Config
	logger  log.Logger
	metrics *metrics.Engine

	mu      sync.Mutex
	running bool
	tracked map[runtimeadapter.ClassRef]*alloc.Allocations
	table   *objtable.Table

	newHook  runtimeadapter.HookHandle
	freeHook runtimeadapter.HookHandle

	pausedDepth atomic.Int32
	newCount    atomic.Uint64
	freeCount   atomic.Uint64

	enumSem *semaphore.Weighted
}

// Option configures a Capture at construction time.
type Option func(*Capture)

func WithLogger(l log.Logger) Option     { return func(c *Capture) { c.logger = l } }
func WithMetrics(m *metrics.Engine) Option { return func(c *Capture) { c.metrics = m } }
func WithConfig(cfg Config) Option       { return func(c *Capture) { c.config = cfg } }

// New creates a Capture sharing events' queue and deferred-job
// registration. Its adapter is events' adapter. It returns an error if the
// resolved Config fails Validate, mirroring the teacher's
// compactionworker.New (spec §7 "fatal — engine-internal" covers
// construction-time misconfiguration the same way).
func New(events *Events, opts ...Option) (*Capture, error) {
	c := &Capture{
		events:  events,
		adapter: events.adapter,
		config:  DefaultConfig(),
		tracked: make(map[runtimeadapter.ClassRef]*alloc.Allocations),
		logger:  xlog.WithComponent(xlog.Nop, "capture"),
		enumSem: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.config.Validate(); err != nil {
		return nil, errors.Wrap(err, "capture: invalid config")
	}
	tblOpts := []objtable.Option{objtable.WithLogger(c.logger)}
	if c.config.InitialTableCapacityLog2 > 0 {
		tblOpts = append(tblOpts, objtable.WithInitialCapacityLog2(c.config.InitialTableCapacityLog2))
	}
	if c.metrics != nil {
		tblOpts = append(tblOpts, objtable.WithMetrics(c.metrics))
	}
	c.table = objtable.New(tblOpts...)
	if differs, err := configutil.DiffersFromDefault(c.config, DefaultConfig()); err == nil && differs {
		level.Debug(c.logger).Log("msg", "capture constructed with non-default config")
	}
	return c, nil
}

// Running reports whether the Capture is currently attached to the runtime.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start installs the NEW/FREE event hooks. It returns false if already
// running (spec §7, "recoverable — caller-visible").
func (c *Capture) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	newHook, err := c.adapter.InstallEventHook(c, runtimeadapter.KindNew, c.onRawNew)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to install new-event hook", "err", err)
		return false
	}
	freeHook, err := c.adapter.InstallEventHook(c, runtimeadapter.KindFree, c.onRawFree)
	if err != nil {
		c.adapter.UninstallEventHook(c, newHook)
		level.Error(c.logger).Log("msg", "failed to install free-event hook", "err", err)
		return false
	}
	c.newHook, c.freeHook = newHook, freeHook
	c.running = true
	return true
}

// Stop uninstalls the hooks, drains any buffered events synchronously, and
// clears the running flag. It returns false if not running.
func (c *Capture) Stop() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.adapter.UninstallEventHook(c, c.newHook)
	c.adapter.UninstallEventHook(c, c.freeHook)
	c.running = false
	c.mu.Unlock()

	c.events.DrainNow()
	return true
}

// Clear resets counters, the Object Table, and every tracked class's
// Allocations record. It refuses while running (spec §7): there is no safe
// clear path while events may still arrive.
func (c *Capture) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrClearWhileRunning
	}
	c.newCount.Store(0)
	c.freeCount.Store(0)
	tblOpts := []objtable.Option{objtable.WithLogger(c.logger)}
	if c.metrics != nil {
		tblOpts = append(tblOpts, objtable.WithMetrics(c.metrics))
	}
	c.table = objtable.New(tblOpts...)
	for _, a := range c.tracked {
		a.Clear()
	}
	return nil
}

// Track attaches callback (which may be nil) to class, creating its
// Allocations record lazily if this is the first time class is seen.
func (c *Capture) Track(class runtimeadapter.ClassRef, callback runtimeadapter.Callback) *alloc.Allocations {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.allocationsForLocked(class)
	if callback != nil {
		a.Track(callback)
	}
	return a
}

// Untrack removes class from the tracked set. Its Allocations record
// becomes unreferenced and is left for the host collector to reclaim.
func (c *Capture) Untrack(class runtimeadapter.ClassRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, class)
}

// Tracking reports whether class currently has an Allocations record.
func (c *Capture) Tracking(class runtimeadapter.ClassRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[class]
	return ok
}

// Get returns class's Allocations record, or nil if class is not tracked.
func (c *Capture) Get(class runtimeadapter.ClassRef) *alloc.Allocations {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked[class]
}

// RetainedCountOf returns class's retained count, or 0 if untracked.
func (c *Capture) RetainedCountOf(class runtimeadapter.ClassRef) uint64 {
	c.mu.Lock()
	a := c.tracked[class]
	c.mu.Unlock()
	if a == nil {
		return 0
	}
	return a.RetainedCount()
}

func (c *Capture) NewCount() uint64  { return c.newCount.Load() }
func (c *Capture) FreeCount() uint64 { return c.freeCount.Load() }

// RetainedCount is saturating(new - free) across every tracked class.
func (c *Capture) RetainedCount() uint64 {
	n, f := c.newCount.Load(), c.freeCount.Load()
	if f >= n {
		return 0
	}
	return n - f
}

// Each visits every tracked class's Allocations record, or only class's if
// non-nil.
func (c *Capture) Each(class runtimeadapter.ClassRef, fn func(runtimeadapter.ClassRef, *alloc.Allocations)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if class != nil {
		if a, ok := c.tracked[class]; ok {
			fn(class, a)
		}
		return
	}
	for cls, a := range c.tracked {
		fn(cls, a)
	}
}

// EachObject enumerates live Object Table entries, optionally filtered to
// class. It first drains the shared event queue so the table reflects
// every already-observed allocation, then takes a strong-reference scope
// (objtable.IncrementStrong/DecrementStrong) for the duration of the walk
// so entries cannot be collected mid-enumeration — the in-process
// equivalent of the source's "disable collection, iterate, re-enable"
// sequence, guaranteed to fire on every exit path via defer.
func (c *Capture) EachObject(class runtimeadapter.ClassRef, fn func(object runtimeadapter.ObjectRef, data interface{})) error {
	if !c.enumSem.TryAcquire(1) {
		return ErrEnumerationInProgress
	}
	defer c.enumSem.Release(1)

	c.events.DrainNow()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.IncrementStrong()
	defer c.table.DecrementStrong()
	c.table.Mark(func(obj runtimeadapter.ObjectRef, cls runtimeadapter.ClassRef, data interface{}, _ bool) {
		if class != nil && cls != class {
			return
		}
		fn(obj, data)
	})
	return nil
}

// Statistics returns a snapshot of the tracked-class count and Object Table
// size.
func (c *Capture) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Statistics{TrackedCount: len(c.tracked), ObjectTableSize: c.table.Size()}
}

// allocationsForLocked returns class's Allocations record, creating it
// lazily. Caller must hold c.mu.
func (c *Capture) allocationsForLocked(class runtimeadapter.ClassRef) *alloc.Allocations {
	a, ok := c.tracked[class]
	if !ok {
		a = alloc.New(class, c.adapter)
		c.tracked[class] = a
	}
	return a
}

// onRawNew is the producer-path NEW hook (spec §4.5 "Producer path").
// Counts are updated here, not in the consumer, so a reentrancy drop never
// skews new_count/free_count (spec §5 "Reentrancy policy").
func (c *Capture) onRawNew(raw runtimeadapter.RawEvent) {
	obj, ok := c.adapter.ResolveObject(raw)
	if !ok || !c.adapter.IsTrackable(obj) {
		return
	}
	class, ok := c.adapter.ResolveClass(raw)
	if !ok {
		return
	}

	c.mu.Lock()
	a := c.allocationsForLocked(class)
	c.mu.Unlock()

	c.newCount.Inc()
	a.IncrementNew()
	c.reportRetained(class, a)

	if c.pausedDepth.Load() > 0 {
		// A user callback's own allocation: counted above, but not
		// enqueued, so it cannot recurse into Process NEW.
		return
	}
	c.events.enqueue(runtimeadapter.KindNew, c, class, obj)
}

// onRawFree is the producer-path FREE hook. FREE carries no class (spec
// §3), so its counters are updated in the consumer once the Object Table
// lookup resolves the class; it is always enqueued, even while paused,
// because it may refer to an object allocated outside any callback.
func (c *Capture) onRawFree(raw runtimeadapter.RawEvent) {
	obj, ok := c.adapter.ResolveObject(raw)
	if !ok || !c.adapter.IsTrackable(obj) {
		return
	}
	c.events.enqueue(runtimeadapter.KindFree, c, nil, obj)
}

// processNew is the consumer-path handler for a NEW event (spec §4.5
// "Process NEW").
func (c *Capture) processNew(ev queue.Event) {
	c.pausedDepth.Inc()
	defer c.pausedDepth.Dec()

	c.mu.Lock()
	a := c.allocationsForLocked(ev.Class)
	c.mu.Unlock()

	var data interface{}
	if cb := a.Callback(); cb != nil {
		data = c.invokeCallback(cb, ev.Class, runtimeadapter.CallbackNew, nil)
	}

	c.mu.Lock()
	entry, err := c.table.Insert(ev.Object)
	if err == nil {
		entry.Class = ev.Class
		entry.Data = data
	}
	c.mu.Unlock()
	if err != nil {
		level.Error(c.logger).Log("msg", "object table insert failed", "err", err)
		return
	}
	c.adapter.WriteBarrier(entry, nil, data)
}

// processFree is the consumer-path handler for a FREE event (spec §4.5
// "Process FREE").
func (c *Capture) processFree(ev queue.Event) {
	c.pausedDepth.Inc()
	defer c.pausedDepth.Dec()

	c.mu.Lock()
	entry := c.table.Lookup(ev.Object)
	if entry == nil {
		c.mu.Unlock()
		return
	}
	class, data := entry.Class, entry.Data
	c.table.DeleteEntry(entry)
	c.mu.Unlock()

	c.freeCount.Inc()
	c.mu.Lock()
	a, ok := c.tracked[class]
	c.mu.Unlock()
	if !ok {
		return
	}
	a.IncrementFree()
	c.reportRetained(class, a)

	if cb := a.Callback(); cb != nil && data != nil {
		c.invokeCallback(cb, class, runtimeadapter.CallbackFree, data)
	}
}

// reportRetained publishes class's current retained count to the
// RetainedCount gauge (SPEC_FULL.md §3 DOMAIN STACK: "per-class retained
// gauges"). A no-op when no metrics.Engine was supplied.
func (c *Capture) reportRetained(class runtimeadapter.ClassRef, a *alloc.Allocations) {
	if c.metrics == nil {
		return
	}
	c.metrics.RetainedCount.WithLabelValues(classMetricLabel(class)).Set(float64(a.RetainedCount()))
}

func classMetricLabel(class runtimeadapter.ClassRef) string {
	if s, ok := class.(string); ok {
		return s
	}
	return "unknown"
}

func (c *Capture) invokeCallback(cb runtimeadapter.Callback, class runtimeadapter.ClassRef, event runtimeadapter.CallbackEvent, data interface{}) interface{} {
	var result interface{}
	err := safecall.Invoke(func() {
		result = cb(class, event, data)
	}, func(r interface{}, _ []byte) {
		level.Warn(c.logger).Log("msg", "user callback panicked", "event", event.String(), "err", r)
		if c.metrics != nil {
			c.metrics.CallbackPanics.Inc()
		}
	})
	if err != nil {
		return nil
	}
	return result
}
