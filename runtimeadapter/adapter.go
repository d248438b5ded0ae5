// Package runtimeadapter defines the contract the engine requires from the
// host runtime it is attached to (spec §4.1, C1): event hook installation,
// a deferred-job primitive, write barriers, pointer relocation during
// compaction, trackability checks, and stack capture. The engine never
// talks to a live allocator or collector directly — it only ever talks to
// an Adapter, so the core packages (queue, objtable, capture, calltree,
// sampler) are fully testable without a real managed runtime attached.
//
// This package is deliberately thin: attachment glue to any specific host
// runtime is out of scope (spec §1), so only the contract and one in-memory
// reference implementation (Fake) for tests live here.
package runtimeadapter

// ObjectRef is a raw object identity. It is opaque to the engine: two
// ObjectRefs are "the same object" iff they compare equal, and an ObjectRef
// only remains meaningful between Relocate calls reported by the adapter.
type ObjectRef uintptr

// ClassRef identifies a class of objects. The engine does not interpret it
// beyond using it as a map key and as whatever value is handed to a user
// callback and back out through the Call Tree.
type ClassRef interface{}

// Kind tags an Event as a new-allocation or a free notification.
type Kind uint8

const (
	KindNone Kind = iota
	KindNew
	KindFree
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindFree:
		return "free"
	default:
		return "none"
	}
}

// CallbackEvent is the event tag handed to a per-class user callback.
type CallbackEvent uint8

const (
	CallbackNew CallbackEvent = iota
	CallbackFree
)

func (e CallbackEvent) String() string {
	if e == CallbackFree {
		return "free"
	}
	return "new"
}

// Callback is a per-class user capability with two events (spec §9): on
// :new it receives a nil data and may return an opaque value that is
// stored per-object and handed back on :free.
type Callback func(class ClassRef, event CallbackEvent, data interface{}) interface{}

// Frame is one stack frame as captured by the adapter's stack-frame
// inspection primitive. Frames passed to CallTree.Record are ordered
// outer-to-inner (root call first), per spec §4.6.
type Frame struct {
	File  string
	Line  int
	Label string
}

// HookHandle identifies an installed event hook so it can later be
// uninstalled.
type HookHandle uint64

// RawEvent is whatever the host runtime's allocation/free trace hands the
// engine; only the Adapter knows how to turn it into an ObjectRef/ClassRef.
type RawEvent interface{}

// HookFunc is invoked synchronously, inside the allocator or collector
// callback, for every NEW or FREE the host runtime reports.
type HookFunc func(raw RawEvent)

// Adapter is the host-runtime contract described in spec §4.1.
type Adapter interface {
	// InstallEventHook subscribes callback to kind (KindNew or KindFree)
	// events for owner. owner demultiplexes hooks installed by different
	// engine instances sharing the same process-wide adapter.
	InstallEventHook(owner interface{}, kind Kind, callback HookFunc) (HookHandle, error)
	// UninstallEventHook removes a previously installed hook.
	UninstallEventHook(owner interface{}, handle HookHandle)

	// ScheduleDeferred arranges for fn to run exactly once, between
	// allocations rather than inside one. At most one deferred-job slot
	// exists process-wide; callers share it (spec §5).
	ScheduleDeferred(fn func()) error

	// WriteBarrier must be called every time a managed reference stored
	// in engine-owned memory is overwritten with a reference that may not
	// yet be reachable from GC roots.
	WriteBarrier(container, oldField, newField interface{})

	// Relocate returns the current location of ref, identity if the
	// object has not moved since the last compaction pass.
	Relocate(ref ObjectRef) ObjectRef

	// ResolveObject extracts an ObjectRef from a raw trace argument.
	ResolveObject(raw RawEvent) (ObjectRef, bool)
	// ResolveClass extracts a ClassRef from a raw trace argument. Only
	// meaningful for NEW events; FREE carries no class (spec §3).
	ResolveClass(raw RawEvent) (ClassRef, bool)

	// IsTrackable reports whether obj is a normal object kind that may
	// appear in engine events, as opposed to an internal runtime kind.
	IsTrackable(obj interface{}) bool

	// CaptureStack returns up to depth frames, outer-to-inner, skipping
	// the innermost skip frames (engine machinery).
	CaptureStack(skip, depth int) []Frame
}
