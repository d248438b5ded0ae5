package capture

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/retainwatch/retainwatch/internal/metrics"
	"github.com/retainwatch/retainwatch/internal/xlog"
	"github.com/retainwatch/retainwatch/queue"
	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// ErrDeferredJobRegistration names the failure of the host runtime to
// register the single deferred-job slot (spec §7, "fatal — engine-internal").
// No function returns it: scheduleDrain logs a failed ScheduleDeferred at
// error level and the event stays queued for a later drain.
var ErrDeferredJobRegistration = errors.New("capture: failed to register deferred job")

// Events is the process-wide singleton that owns the single deferred-job
// registration and the event queue shared by every Capture instance
// attached to the same adapter (spec §5, §9 "Global mutable state"): "the
// deferred-job handle is a process-wide scarce resource: exactly one is
// registered ... multiple Capture instances share it and are demultiplexed
// by the capture field inside each event."
type Events struct {
	adapter runtimeadapter.Adapter
	queue   *queue.Queue
	logger  log.Logger
	metrics *metrics.Engine

	mu      sync.Mutex
	pending bool
}

// EventsOption configures an Events instance at construction time.
type EventsOption func(*Events)

func WithEventsLogger(l log.Logger) EventsOption { return func(e *Events) { e.logger = l } }
func WithEventsMetrics(m *metrics.Engine) EventsOption {
	return func(e *Events) { e.metrics = m }
}
func WithQueueOptions(opts ...queue.Option) EventsOption {
	return func(e *Events) { e.queue = queue.New(opts...) }
}

// NewEvents constructs an Events instance bound to adapter. Most callers
// should use DefaultEvents instead, which lazily initializes exactly one
// instance per process; NewEvents exists for tests that want isolation
// between cases.
func NewEvents(adapter runtimeadapter.Adapter, opts ...EventsOption) *Events {
	e := &Events{
		adapter: adapter,
		logger:  xlog.WithComponent(xlog.Nop, "events"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		qopts := []queue.Option{queue.WithLogger(e.logger)}
		if e.metrics != nil {
			qopts = append(qopts, queue.WithMetrics(e.metrics))
		}
		e.queue = queue.New(qopts...)
	}
	return e
}

var (
	defaultEvents *Events
	defaultOnce   sync.Once
)

// DefaultEvents returns the process-wide Events singleton, constructing it
// on first call with adapter. Subsequent calls ignore their adapter
// argument and return the same instance, matching spec §9's "lazily
// initialized process-scope resource" requirement.
func DefaultEvents(adapter runtimeadapter.Adapter) *Events {
	defaultOnce.Do(func() { defaultEvents = NewEvents(adapter) })
	return defaultEvents
}

func (e *Events) enqueue(kind runtimeadapter.Kind, owner *Capture, class runtimeadapter.ClassRef, object runtimeadapter.ObjectRef) bool {
	ok := e.queue.Enqueue(kind, owner, class, object)
	if ok {
		// Spec §4.5 "Producer path" step 4: every enqueue schedules the
		// deferred consumer; scheduleDrain coalesces repeats so this is
		// cheap even under sustained allocation pressure.
		e.scheduleDrain()
	}
	return ok
}

// scheduleDrain arranges for drain to run via the adapter's single
// deferred-job slot, coalescing repeated requests so at most one drain is
// outstanding at a time.
func (e *Events) scheduleDrain() {
	e.mu.Lock()
	if e.pending {
		e.mu.Unlock()
		return
	}
	e.pending = true
	e.mu.Unlock()

	if err := e.adapter.ScheduleDeferred(e.drain); err != nil {
		e.mu.Lock()
		e.pending = false
		e.mu.Unlock()
		level.Error(e.logger).Log("msg", "failed to register deferred job", "err", err)
	}
}

func (e *Events) drain() {
	e.mu.Lock()
	e.pending = false
	e.mu.Unlock()
	e.queue.ProcessAll(e.dispatch)
}

// DrainNow synchronously processes every buffered event without waiting for
// the host's deferred-job mechanism. Capture.Stop and Capture.EachObject use
// it to guarantee the Object Table reflects every already-observed
// allocation before they proceed.
func (e *Events) DrainNow() { e.drain() }

func (e *Events) dispatch(ev queue.Event) {
	owner, ok := ev.Capture.(*Capture)
	if !ok || owner == nil {
		return
	}
	switch ev.Kind {
	case runtimeadapter.KindNew:
		owner.processNew(ev)
	case runtimeadapter.KindFree:
		owner.processFree(ev)
	}
}

// Mark exposes the shared queue's Mark pass for a host GC integration (spec
// §5 "Mark phase").
func (e *Events) Mark(visit func(capture queue.CaptureRef, class runtimeadapter.ClassRef, object runtimeadapter.ObjectRef, objectLive bool)) {
	e.queue.Mark(visit)
}

// Relocate exposes the shared queue's Relocate pass for a host GC
// integration (spec §5 "Compaction").
func (e *Events) Relocate(adapter runtimeadapter.Adapter) { e.queue.Relocate(adapter) }
