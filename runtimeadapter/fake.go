package runtimeadapter

import (
	"sort"
	"sync"
)

// Fake is an in-memory Adapter reference implementation. It does not talk
// to any real allocator or collector — tests and examples drive it by
// calling FireNew/FireFree to simulate allocation events and RunDeferred to
// simulate the host runtime firing the one scheduled deferred job. It also
// lets tests simulate a moving collector via Relocate/SetRelocation, which
// a real non-moving host runtime would never need.
type Fake struct {
	mu sync.Mutex

	nextHandle HookHandle
	newHooks   map[interface{}]map[HookHandle]HookFunc
	freeHooks  map[interface{}]map[HookHandle]HookFunc

	deferredFn      func()
	deferredPending bool

	relocations map[ObjectRef]ObjectRef

	// Resolve/Trackable/Stack are overridable; defaults handle the common
	// case of RawEvent already being an (ObjectRef, ClassRef) pair.
	Resolve    func(raw RawEvent) (ObjectRef, ClassRef, bool)
	Trackable  func(obj interface{}) bool
	StackFrame []Frame

	barriers int // count of WriteBarrier calls, for tests asserting they happened
	gcCalls  int // count of CollectGarbage calls, for sampler tests
}

// Alloc is the default RawEvent shape produced by test code: a concrete
// object identity plus, for NEW events, its class.
type Alloc struct {
	Object ObjectRef
	Class  ClassRef
}

func NewFake() *Fake {
	return &Fake{
		newHooks:    make(map[interface{}]map[HookHandle]HookFunc),
		freeHooks:   make(map[interface{}]map[HookHandle]HookFunc),
		relocations: make(map[ObjectRef]ObjectRef),
		Trackable:   func(interface{}) bool { return true },
	}
}

func (f *Fake) InstallEventHook(owner interface{}, kind Kind, callback HookFunc) (HookHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	h := f.nextHandle
	table := f.tableFor(kind)
	if table[owner] == nil {
		table[owner] = make(map[HookHandle]HookFunc)
	}
	table[owner][h] = callback
	return h, nil
}

func (f *Fake) UninstallEventHook(owner interface{}, handle HookHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, table := range []map[interface{}]map[HookHandle]HookFunc{f.newHooks, f.freeHooks} {
		if m, ok := table[owner]; ok {
			delete(m, handle)
		}
	}
}

func (f *Fake) tableFor(kind Kind) map[interface{}]map[HookHandle]HookFunc {
	if kind == KindFree {
		return f.freeHooks
	}
	return f.newHooks
}

func (f *Fake) ScheduleDeferred(fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deferredFn = fn
	f.deferredPending = true
	return nil
}

// RunDeferred simulates the host runtime firing the single deferred job,
// if one is pending. It returns false if nothing was scheduled.
func (f *Fake) RunDeferred() bool {
	f.mu.Lock()
	fn := f.deferredFn
	pending := f.deferredPending
	f.deferredPending = false
	f.mu.Unlock()
	if !pending || fn == nil {
		return false
	}
	fn()
	return true
}

func (f *Fake) WriteBarrier(_, _, _ interface{}) {
	f.mu.Lock()
	f.barriers++
	f.mu.Unlock()
}

func (f *Fake) Barriers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barriers
}

// SetRelocation registers that old now lives at new, simulating one
// object's movement during a compaction pass.
func (f *Fake) SetRelocation(old, new ObjectRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relocations[old] = new
}

func (f *Fake) Relocate(ref ObjectRef) ObjectRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.relocations[ref]; ok {
		return n
	}
	return ref
}

func (f *Fake) ResolveObject(raw RawEvent) (ObjectRef, bool) {
	if f.Resolve != nil {
		obj, _, ok := f.Resolve(raw)
		return obj, ok
	}
	a, ok := raw.(Alloc)
	if !ok {
		return 0, false
	}
	return a.Object, true
}

func (f *Fake) ResolveClass(raw RawEvent) (ClassRef, bool) {
	if f.Resolve != nil {
		_, class, ok := f.Resolve(raw)
		return class, ok
	}
	a, ok := raw.(Alloc)
	if !ok || a.Class == nil {
		return nil, false
	}
	return a.Class, true
}

func (f *Fake) IsTrackable(obj interface{}) bool {
	if f.Trackable == nil {
		return true
	}
	return f.Trackable(obj)
}

func (f *Fake) CaptureStack(skip, depth int) []Frame {
	frames := f.StackFrame
	if skip >= len(frames) {
		return nil
	}
	frames = frames[:len(frames)-skip]
	if depth > 0 && depth < len(frames) {
		frames = frames[len(frames)-depth:]
	}
	out := make([]Frame, len(frames))
	copy(out, frames)
	return out
}

// FireNew dispatches raw to every NEW hook installed for owner, in
// installation order.
// It mirrors the producer path: synchronous, no managed allocation.
func (f *Fake) FireNew(owner interface{}, raw RawEvent) {
	f.fire(owner, KindNew, raw)
}

// FireFree dispatches raw to every FREE hook installed for owner, in
// installation order.
func (f *Fake) FireFree(owner interface{}, raw RawEvent) {
	f.fire(owner, KindFree, raw)
}

func (f *Fake) fire(owner interface{}, kind Kind, raw RawEvent) {
	f.mu.Lock()
	table := f.tableFor(kind)
	handles := make([]HookHandle, 0, len(table[owner]))
	for h := range table[owner] {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	hooks := make([]HookFunc, 0, len(handles))
	for _, h := range handles {
		hooks = append(hooks, table[owner][h])
	}
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(raw)
	}
}

// CollectGarbage implements the optional sampler.GCTrigger capability so
// tests can assert the Sampler's "collect before sample" config actually
// requests a collection.
func (f *Fake) CollectGarbage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcCalls++
}

// GCCalls reports how many times CollectGarbage has been invoked.
func (f *Fake) GCCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gcCalls
}

var _ Adapter = (*Fake)(nil)
