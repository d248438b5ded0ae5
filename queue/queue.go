// Package queue implements the engine's event pipeline (spec §4.2, C2): a
// double-buffered producer/consumer queue of allocation/free events. The
// producer side (Enqueue) runs synchronously inside the allocator or
// collector callback and must never block or allocate from the managed
// heap; the consumer side (ProcessAll) runs from the host's deferred-job
// mechanism, where it is safe to invoke user callbacks.
//
// Grounded in the teacher's double-buffer-free style of avoiding managed
// allocation under pressure (pkg/util/arenahelper), this queue grows its
// backing array through an arena when the build is compiled with
// goexperiment.arenas, and falls back to ordinary slice growth otherwise.
package queue

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/retainwatch/retainwatch/internal/arenahelper"
	"github.com/retainwatch/retainwatch/internal/metrics"
	"github.com/retainwatch/retainwatch/internal/safecall"
	"github.com/retainwatch/retainwatch/internal/xlog"
	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// CaptureRef demultiplexes events belonging to different Capture instances
// that share the process-wide event queue (spec §5: "the deferred-job
// handle is a process-wide scarce resource").
type CaptureRef interface{}

// Event is the tagged union described in spec §3. A zero-value Event (Kind
// == KindNone) marks a logically-consumed slot.
type Event struct {
	Kind    runtimeadapter.Kind
	Capture CaptureRef
	Class   runtimeadapter.ClassRef
	Object  runtimeadapter.ObjectRef
}

const defaultInitialCapacity = 256

// Queue is the double buffer itself. The zero value is not usable; use New.
type Queue struct {
	logger  log.Logger
	metrics *metrics.Engine
	arena   *arenahelper.Arena

	// maxCapacity caps total buffered events; 0 means unbounded. Spec
	// leaves this policy to the implementer (§9 Open Questions); this
	// engine caps with drop-newest, documented in DESIGN.md.
	maxCapacity int

	available  []Event
	processing []Event
}

// Option configures a Queue at construction time.
type Option func(*Queue)

func WithLogger(l log.Logger) Option { return func(q *Queue) { q.logger = l } }
func WithMetrics(m *metrics.Engine) Option { return func(q *Queue) { q.metrics = m } }
func WithInitialCapacity(n int) Option {
	return func(q *Queue) { q.available = make([]Event, 0, n) }
}

// WithMaxCapacity bounds the queue so sustained allocation pressure cannot
// grow it unboundedly; events enqueued past the cap are dropped. A dropped
// NEW is still counted, because Capture counts NEWs on the producer path; a
// dropped FREE is not, because free counts are updated by the consumer.
func WithMaxCapacity(n int) Option { return func(q *Queue) { q.maxCapacity = n } }

func New(opts ...Option) *Queue {
	q := &Queue{
		logger: xlog.WithComponent(xlog.Nop, "queue"),
		arena:  arenahelper.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.available == nil {
		q.available = make([]Event, 0, defaultInitialCapacity)
	}
	q.processing = make([]Event, 0, cap(q.available))
	return q
}

// Enqueue appends an event to the producer-side buffer. It is safe to call
// from inside an allocator or collector callback in that it never blocks.
// When the buffer is full it grows through internal/arenahelper, which is an
// ordinary heap allocation unless the build enables goexperiment.arenas.
// It returns false if the event was dropped (queue at its cap), matching
// spec §4.2's "returns false on allocation failure" contract generalized
// to "returns false on drop".
func (q *Queue) Enqueue(kind runtimeadapter.Kind, capture CaptureRef, class runtimeadapter.ClassRef, object runtimeadapter.ObjectRef) bool {
	if q.maxCapacity > 0 && len(q.available) >= q.maxCapacity {
		q.countDrop(kind)
		return false
	}
	if len(q.available) == cap(q.available) {
		next := growCap(cap(q.available))
		if q.maxCapacity > 0 && next > q.maxCapacity {
			next = q.maxCapacity
		}
		q.available = arenahelper.Grow(q.arena, q.available, next)
	}
	q.available = append(q.available, Event{Kind: kind, Capture: capture, Class: class, Object: object})
	q.countEnqueue(kind)
	return true
}

func growCap(c int) int {
	if c == 0 {
		return defaultInitialCapacity
	}
	return c * 2
}

func (q *Queue) countEnqueue(kind runtimeadapter.Kind) {
	if q.metrics != nil {
		q.metrics.EventsEnqueued.WithLabelValues(kind.String()).Inc()
	}
}

func (q *Queue) countDrop(kind runtimeadapter.Kind) {
	if q.metrics != nil {
		q.metrics.EventsDropped.WithLabelValues(kind.String()).Inc()
	}
	level.Warn(q.logger).Log("msg", "event queue at capacity, dropping event", "kind", kind.String())
}

// ProcessAll swaps the double buffer and applies handler to every event in
// insertion order, clearing each slot afterward. It is consumer-only: call
// it only from the deferred-job context. A panic inside handler is caught
// and logged so one bad event cannot poison the rest of the batch (spec
// §4.2, §7).
func (q *Queue) ProcessAll(handler func(Event)) {
	q.available, q.processing = q.processing, q.available
	batch := q.processing

	for i := range batch {
		ev := batch[i]
		if ev.Kind == runtimeadapter.KindNone {
			continue
		}
		err := safecall.Invoke(func() { handler(ev) }, func(r interface{}, _ []byte) {
			level.Error(q.logger).Log("msg", "panic while processing event", "kind", ev.Kind.String(), "err", r)
		})
		if err == nil && q.metrics != nil {
			q.metrics.EventsProcessed.WithLabelValues(ev.Kind.String()).Inc()
		}
		batch[i] = Event{}
	}
	q.processing = batch[:0]
}

// Len reports the number of events currently buffered for production,
// mainly useful for tests and diagnostics.
func (q *Queue) Len() int { return len(q.available) }

// Mark invokes visit for every live managed reference held by not-NONE
// events in both buffers, distinguishing NEW (whose object is live) from
// FREE (whose object is the very value being collected, and so must not be
// marked — spec §4.2 "Marking/relocation"). A host GC integration calls
// this during its mark phase.
func (q *Queue) Mark(visit func(capture CaptureRef, class runtimeadapter.ClassRef, object runtimeadapter.ObjectRef, objectLive bool)) {
	markBuf(q.available, visit)
	markBuf(q.processing, visit)
}

func markBuf(buf []Event, visit func(CaptureRef, runtimeadapter.ClassRef, runtimeadapter.ObjectRef, bool)) {
	for _, ev := range buf {
		if ev.Kind == runtimeadapter.KindNone {
			continue
		}
		visit(ev.Capture, ev.Class, ev.Object, ev.Kind == runtimeadapter.KindNew)
	}
}

// Relocate rewrites every stored ObjectRef through adapter.Relocate,
// called during a compaction pass (spec §4.2, §5).
func (q *Queue) Relocate(adapter runtimeadapter.Adapter) {
	relocateBuf(q.available, adapter)
	relocateBuf(q.processing, adapter)
}

func relocateBuf(buf []Event, adapter runtimeadapter.Adapter) {
	for i := range buf {
		if buf[i].Kind == runtimeadapter.KindNone {
			continue
		}
		buf[i].Object = adapter.Relocate(buf[i].Object)
	}
}
