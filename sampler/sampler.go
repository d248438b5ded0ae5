// Package sampler implements the periodic control loop described in spec
// §4.7 (C7): it polls Capture's per-class retained counts, ratchets a
// per-class maximum to detect sustained growth, escalates suspicious
// classes to stack-capturing mode, drives call-tree pruning, and answers
// the analyze() leak-attribution query.
//
// Grounded in the teacher's pkg/compactionworker.Worker control loop: a
// Config struct with RegisterFlags/Validate, a start/stop state machine
// guarding a background goroutine, and go-kit structured logging on every
// recoverable condition.
package sampler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	_ "go.uber.org/automaxprocs" // honors container CPU quota, parity with teacher's pkg/compactionworker

	"github.com/retainwatch/retainwatch/alloc"
	"github.com/retainwatch/retainwatch/calltree"
	"github.com/retainwatch/retainwatch/capture"
	"github.com/retainwatch/retainwatch/internal/configutil"
	"github.com/retainwatch/retainwatch/internal/metrics"
	"github.com/retainwatch/retainwatch/internal/xlog"
	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// FrameFilter reports whether a captured stack frame should be kept. A nil
// filter keeps every frame.
type FrameFilter func(runtimeadapter.Frame) bool

// GCTrigger is an optional capability an Adapter may implement to let the
// Sampler request a full collection before a sample pass (spec §4.7
// "Control loop"). It is deliberately not part of runtimeadapter.Adapter's
// core contract (spec §4.1 only specifies event hooks, barriers, and
// relocation) since most adapters have no use for it. runtimeadapter.Fake
// implements it so tests can observe the requested collections.
type GCTrigger interface {
	CollectGarbage()
}

const captureSkipFrames = 2

// Sampler is the control loop itself. The zero value is not usable; use
// New.
type Sampler struct {
	capture *capture.Capture
	adapter runtimeadapter.Adapter
	config  Config
	filter  FrameFilter
	logger  log.Logger
	metrics *metrics.Engine

	mu        sync.Mutex
	samples   map[runtimeadapter.ClassRef]*Sample
	trees     map[runtimeadapter.ClassRef]*calltree.Tree
	escalated map[runtimeadapter.ClassRef]bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Sampler at construction time.
type Option func(*Sampler)

func WithConfig(cfg Config) Option      { return func(s *Sampler) { s.config = cfg } }
func WithFilter(f FrameFilter) Option   { return func(s *Sampler) { s.filter = f } }
func WithLogger(l log.Logger) Option    { return func(s *Sampler) { s.logger = l } }
func WithMetrics(m *metrics.Engine) Option { return func(s *Sampler) { s.metrics = m } }

// New creates a Sampler polling cap's tracked classes through adapter. It
// returns an error if the resolved Config fails Validate, mirroring the
// teacher's compactionworker.New.
func New(cap *capture.Capture, adapter runtimeadapter.Adapter, opts ...Option) (*Sampler, error) {
	s := &Sampler{
		capture:   cap,
		adapter:   adapter,
		config:    DefaultConfig(),
		samples:   make(map[runtimeadapter.ClassRef]*Sample),
		trees:     make(map[runtimeadapter.ClassRef]*calltree.Tree),
		escalated: make(map[runtimeadapter.ClassRef]bool),
		logger:    xlog.WithComponent(xlog.Nop, "sampler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, errors.Wrap(err, "sampler: invalid config")
	}
	if differs, err := configutil.DiffersFromDefault(s.config, DefaultConfig()); err == nil && differs {
		level.Debug(s.logger).Log("msg", "sampler constructed with non-default config")
	}
	return s, nil
}

// Track ensures class has a Sample state and, if callback is non-nil,
// attaches it through Capture.Track — the same path the sampler's own
// escalation logic uses. The attached callback is the caller's own; it does
// not mark class as escalated, and escalation later replaces it with the
// stack-capturing callback.
func (s *Sampler) Track(class runtimeadapter.ClassRef, callback runtimeadapter.Callback) *alloc.Allocations {
	s.mu.Lock()
	s.sampleForLocked(class)
	s.mu.Unlock()
	return s.capture.Track(class, callback)
}

// Untrack drops class's Sample and Call Tree state and forwards to
// Capture.Untrack.
func (s *Sampler) Untrack(class runtimeadapter.ClassRef) {
	s.mu.Lock()
	delete(s.samples, class)
	delete(s.trees, class)
	delete(s.escalated, class)
	s.mu.Unlock()
	s.capture.Untrack(class)
}

// TreeFor returns the Call Tree backing class's stack-capturing mode, or
// nil until the stack-capturing callback has recorded class's first
// allocation.
func (s *Sampler) TreeFor(class runtimeadapter.ClassRef) *calltree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trees[class]
}

func (s *Sampler) sampleForLocked(class runtimeadapter.ClassRef) *Sample {
	sm, ok := s.samples[class]
	if !ok {
		sm = newSample(class, s.config.SampleThreshold)
		s.samples[class] = sm
	}
	return sm
}

func (s *Sampler) treeForLocked(class runtimeadapter.ClassRef) *calltree.Tree {
	t, ok := s.trees[class]
	if !ok {
		t = calltree.New()
		s.trees[class] = t
	}
	return t
}

// SampleOnce runs a single sampling pass over every class Capture is
// currently tracking (spec §4.7 "Sampler.tick walks Capture's per-class
// Allocations"): it feeds each class's retained count into its Sample
// state, escalates classes that cross IncreasesThreshold, and invokes fn
// (if non-nil) with the updated Sample and whether this pass counted as an
// increase — the `sample! { |sample, increased| }` hook of spec §6.
func (s *Sampler) SampleOnce(fn func(sample *Sample, increased bool)) {
	type observation struct {
		class    runtimeadapter.ClassRef
		retained uint64
	}
	var observations []observation
	s.capture.Each(nil, func(class runtimeadapter.ClassRef, a *alloc.Allocations) {
		observations = append(observations, observation{class: class, retained: a.RetainedCount()})
	})

	for _, ob := range observations {
		s.mu.Lock()
		sm := s.sampleForLocked(ob.class)
		increased := sm.observe(ob.retained)
		shouldEscalate := increased && uint(sm.increases) >= s.config.IncreasesThreshold && !s.escalated[ob.class]
		if shouldEscalate {
			s.escalated[ob.class] = true
		}
		s.mu.Unlock()

		if increased {
			if s.metrics != nil {
				s.metrics.SamplerIncrease.WithLabelValues(classLabel(ob.class)).Inc()
			}
			level.Debug(s.logger).Log("msg", "sampler observed increase", "class", classLabel(ob.class), "retained", ob.retained, "increases", sm.Increases())
		}
		if shouldEscalate {
			s.escalate(ob.class)
		}
		if fn != nil {
			fn(sm, increased)
		}
	}

	s.pruneIfDue()
}

// escalate attaches the stack-capturing callback described in spec §4.7 to
// class's Allocations record.
func (s *Sampler) escalate(class runtimeadapter.ClassRef) {
	level.Info(s.logger).Log("msg", "escalating class to stack capture", "class", classLabel(class))
	if s.metrics != nil {
		s.metrics.SamplerEscalate.WithLabelValues(classLabel(class)).Inc()
	}
	s.capture.Track(class, s.stackCapturingCallback(class))
}

// stackCapturingCallback builds the per-class callback spec §4.7 describes:
// on :new it captures the configured number of frames, filters them,
// inserts them into class's Call Tree, and returns the resulting leaf node
// as data; on :free, if data is a *calltree.Node, it decrements the path.
// Capture.invokeCallback already runs this under panic recovery (spec §7:
// "exceptions in the callback are caught and reported, never propagated"),
// so this closure does not need its own recovery.
func (s *Sampler) stackCapturingCallback(class runtimeadapter.ClassRef) runtimeadapter.Callback {
	return func(cls runtimeadapter.ClassRef, event runtimeadapter.CallbackEvent, data interface{}) interface{} {
		switch event {
		case runtimeadapter.CallbackNew:
			frames := s.adapter.CaptureStack(captureSkipFrames, s.config.Depth)
			frames = s.applyFilter(frames)

			s.mu.Lock()
			tree := s.treeForLocked(class)
			s.mu.Unlock()

			return tree.Record(frames)
		case runtimeadapter.CallbackFree:
			if node, ok := data.(*calltree.Node); ok {
				node.DecrementPath()
			}
		}
		return nil
	}
}

func (s *Sampler) applyFilter(frames []runtimeadapter.Frame) []runtimeadapter.Frame {
	if s.filter == nil {
		return frames
	}
	out := make([]runtimeadapter.Frame, 0, len(frames))
	for _, f := range frames {
		if s.filter(f) {
			out = append(out, f)
		}
	}
	return out
}

// pruneIfDue prunes every Call Tree whose InsertionCount has reached
// PruneThreshold, resetting the counter afterward (spec §4.7 "Pruning").
func (s *Sampler) pruneIfDue() {
	s.mu.Lock()
	trees := make(map[runtimeadapter.ClassRef]*calltree.Tree, len(s.trees))
	for k, v := range s.trees {
		trees[k] = v
	}
	s.mu.Unlock()

	for class, tree := range trees {
		if tree.InsertionCount() < s.config.PruneThreshold {
			continue
		}
		detached := tree.Prune(s.config.PruneLimit)
		tree.ResetInsertionCount()
		if detached > 0 {
			level.Debug(s.logger).Log("msg", "pruned call tree", "class", classLabel(class), "detached", detached)
			if s.metrics != nil {
				s.metrics.TreePruned.WithLabelValues(classLabel(class)).Add(float64(detached))
			}
		}
	}
}

// Start launches the control loop on a background goroutine, sampling
// every interval until Stop is called. It returns false if already
// running (spec §7 "recoverable — caller-visible", mirroring Capture.Start).
func (s *Sampler) Start(interval time.Duration) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(ctx, interval)
	}()
	return true
}

// Stop ends the background control loop started by Start and waits for it
// to exit. It returns false if not running.
func (s *Sampler) Stop() bool {
	if !s.running.CompareAndSwap(true, false) {
		return false
	}
	s.cancel()
	s.wg.Wait()
	return true
}

// Run executes the sampling loop synchronously until ctx is canceled: each
// iteration optionally triggers a full collection, samples once, then
// sleeps for whatever remains of interval (spec §4.7 "Control loop").
// Callers that want their own goroutine lifecycle management call Run
// directly instead of Start/Stop.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	if interval < minRunInterval {
		interval = minRunInterval
	}
	for {
		tickStart := time.Now()
		if s.config.GC {
			if gc, ok := s.adapter.(GCTrigger); ok {
				gc.CollectGarbage()
			}
		}
		s.SampleOnce(nil)

		elapsed := time.Since(tickStart)
		sleep := interval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// AllocationSnapshot is the {new, free, retained} triple spec §6's analyze
// returns under the "allocations" key.
type AllocationSnapshot struct {
	New      uint64
	Free     uint64
	Retained uint64
}

// RootsSnapshot is analyze's optional "allocation_roots" payload.
type RootsSnapshot struct {
	TopPaths []runtimeadapter.Frame
	Hotspots []calltree.FrameCount
}

// Report is what Analyze returns for a class that meets retainedMinimum.
type Report struct {
	Allocations      AllocationSnapshot
	AllocationRoots  *RootsSnapshot
	RetainedAddresses []string
}

// Analyze implements spec §4.7's analyze() query: it returns nil, false if
// class's retained count is below retainedMinimum. allocationRoots, when
// true, includes top_paths/hotspots from class's Call Tree (empty if class
// was never escalated). retainedAddresses, when true, includes up to limit
// hex-string object identities suitable for correlating against an
// external heap dump (spec §6 "Utility: address_of").
func (s *Sampler) Analyze(class runtimeadapter.ClassRef, allocationRoots bool, retainedAddresses bool, addressLimit int, retainedMinimum uint64) (*Report, bool) {
	a := s.capture.Get(class)
	if a == nil {
		return nil, false
	}
	retained := a.RetainedCount()
	if retained < retainedMinimum {
		return nil, false
	}

	report := &Report{
		Allocations: AllocationSnapshot{
			New:      a.NewCount(),
			Free:     a.FreeCount(),
			Retained: retained,
		},
	}

	if allocationRoots {
		if tree := s.TreeFor(class); tree != nil {
			report.AllocationRoots = &RootsSnapshot{
				TopPaths: tree.TopPaths(addressLimit, calltree.ByRetained),
				Hotspots: tree.Hotspots(addressLimit, calltree.ByRetained),
			}
		} else {
			report.AllocationRoots = &RootsSnapshot{}
		}
	}

	if retainedAddresses {
		var addrs []string
		err := s.capture.EachObject(class, func(obj runtimeadapter.ObjectRef, _ interface{}) {
			addrs = append(addrs, runtimeadapter.AddressOf(obj))
		})
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipped retained-address enumeration", "class", classLabel(class), "err", err)
		}
		sort.Strings(addrs)
		if addressLimit > 0 {
			addrs = lo.Subset(addrs, 0, uint(addressLimit))
		}
		report.RetainedAddresses = addrs
	}

	return report, true
}

func classLabel(class runtimeadapter.ClassRef) string {
	if s, ok := class.(string); ok {
		return s
	}
	return "unknown"
}
