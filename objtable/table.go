// Package objtable implements the engine's object table (spec §4.3, C3):
// an open-addressed hash map from raw object identity to {class, data},
// tolerant of a moving collector and safe to read from a free-event
// handler. Its backing arrays are allocated through internal/arenahelper,
// which uses an arena when built with goexperiment.arenas and ordinary heap
// slices otherwise, and it toggles between "weak" (keys unmarked,
// the common case — the collector frees objects whose only reference was
// this table, and the resulting FREE event prunes the entry) and "strong"
// (keys marked, for a scoped enumeration where keys must not die mid-walk).
package objtable

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/retainwatch/retainwatch/internal/arenahelper"
	"github.com/retainwatch/retainwatch/internal/metrics"
	"github.com/retainwatch/retainwatch/internal/xlog"
	"github.com/retainwatch/retainwatch/runtimeadapter"
)

// tombstoneObject is the sentinel value marking a deleted slot. It is
// distinguishable from a live ObjectRef because the engine only ever
// tracks non-zero, adapter-resolved identities, and this sentinel is the
// maximum representable value rather than a plausible pointer.
const tombstoneObject = ^runtimeadapter.ObjectRef(0)

// Entry is one object table slot (spec §3, minimal form — see
// DESIGN.md's Open Question decision to drop the speculative
// "allocations back-reference" field the original kept on some variants).
type Entry struct {
	Object runtimeadapter.ObjectRef
	Class  runtimeadapter.ClassRef
	Data   interface{}
}

func (e *Entry) empty() bool     { return e.Object == 0 }
func (e *Entry) tombstone() bool { return e.Object == tombstoneObject }
func (e *Entry) occupied() bool  { return !e.empty() && !e.tombstone() }

// ErrTableCorrupt is the fatal error surfaced when a probe exceeds the
// hard limit without finding a terminal slot (spec §7, fatal/engine-internal).
var ErrTableCorrupt = errors.New("objtable: probe length exceeded hard limit")

const (
	defaultCapLog2        = 4 // 16 slots
	defaultProbeWarnLimit = 32
	defaultProbeHardLimit = 256
	maxLoadFactor         = 0.5
)

// Table is the object table itself. The zero value is not usable; use New.
type Table struct {
	entries []Entry
	capLog2 uint
	count   int
	tombstones int

	strongRefs uint32

	probeWarnLimit int
	probeHardLimit int

	arena   *arenahelper.Arena
	logger  log.Logger
	metrics *metrics.Engine
}

// Option configures a Table at construction time.
type Option func(*Table)

func WithLogger(l log.Logger) Option     { return func(t *Table) { t.logger = l } }
func WithMetrics(m *metrics.Engine) Option { return func(t *Table) { t.metrics = m } }
func WithInitialCapacityLog2(n uint) Option {
	return func(t *Table) { t.capLog2 = n }
}
func WithProbeLimits(warn, hard int) Option {
	return func(t *Table) { t.probeWarnLimit, t.probeHardLimit = warn, hard }
}

func New(opts ...Option) *Table {
	t := &Table{
		capLog2:        defaultCapLog2,
		probeWarnLimit: defaultProbeWarnLimit,
		probeHardLimit: defaultProbeHardLimit,
		arena:          arenahelper.New(),
		logger:         xlog.WithComponent(xlog.Nop, "objtable"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.entries = arenahelper.MakeSlice[Entry](t.arena, 1<<t.capLog2, 1<<t.capLog2)
	return t
}

func (t *Table) capacity() int { return 1 << t.capLog2 }

// Size returns the number of occupied entries.
func (t *Table) Size() int { return t.count }

// Capacity returns the current backing array size, mostly for tests.
func (t *Table) Capacity() int { return t.capacity() }

func (t *Table) loadFactor(extra int) float64 {
	return float64(t.count+t.tombstones+extra) / float64(t.capacity())
}

// Insert finds a slot for object — reusing a tombstone if the probe
// crosses one — resizes first if the load factor would be exceeded, and
// returns a pointer to the slot for the caller to fill in Class and Data.
// The caller must fill the entry before any further mutating call on the
// table (which may move the backing array).
func (t *Table) Insert(object runtimeadapter.ObjectRef) (*Entry, error) {
	if t.loadFactor(1) > maxLoadFactor {
		if err := t.resize(); err != nil {
			return nil, err
		}
	}
	idx, tombIdx, err := t.probeForInsert(object)
	if err != nil {
		return nil, err
	}
	slot := idx
	if tombIdx >= 0 {
		slot = tombIdx
		t.tombstones--
	}
	e := &t.entries[slot]
	wasEmpty := e.empty()
	wasTombstone := e.tombstone()
	e.Object = object
	e.Class = nil
	e.Data = nil
	if wasEmpty || wasTombstone {
		t.count++
	}
	return e, nil
}

// probeForInsert walks the probe chain for object, returning the index of
// either a matching occupied slot (for replace-in-place semantics) or the
// first empty slot, plus the index of the first tombstone seen so Insert
// can prefer reusing it.
func (t *Table) probeForInsert(object runtimeadapter.ObjectRef) (idx int, tombIdx int, err error) {
	tombIdx = -1
	start := int(hashObject(object, t.capLog2))
	capn := t.capacity()
	probes := 0
	for i := 0; i < capn; i++ {
		pos := (start + i) % capn
		e := &t.entries[pos]
		switch {
		case e.empty():
			return pos, tombIdx, nil
		case e.tombstone():
			if tombIdx < 0 {
				tombIdx = pos
			}
		case e.Object == object:
			return pos, -1, nil
		}
		probes++
		if probes == t.probeWarnLimit {
			if t.metrics != nil {
				t.metrics.TableProbeWarn.Inc()
			}
			level.Warn(t.logger).Log("msg", "object table probe length exceeded soft limit", "probes", probes)
		}
		if probes >= t.probeHardLimit {
			if tombIdx >= 0 {
				return tombIdx, tombIdx, nil
			}
			level.Error(t.logger).Log("msg", "object table probe length exceeded hard limit", "probes", probes)
			return pos, -1, ErrTableCorrupt
		}
	}
	return -1, -1, ErrTableCorrupt
}

// Lookup returns the entry for object, or nil if absent. It never
// dereferences object's referent; identity is compared by value only,
// which is what makes it safe to call with a FREE's object (spec §4.3
// "Safety").
func (t *Table) Lookup(object runtimeadapter.ObjectRef) *Entry {
	if object == 0 || t.count == 0 {
		return nil
	}
	start := int(hashObject(object, t.capLog2))
	capn := t.capacity()
	probes := 0
	for i := 0; i < capn; i++ {
		pos := (start + i) % capn
		e := &t.entries[pos]
		if e.empty() {
			return nil
		}
		if e.occupied() && e.Object == object {
			return e
		}
		probes++
		if probes >= t.probeHardLimit {
			level.Error(t.logger).Log("msg", "object table lookup probe exceeded hard limit", "probes", probes)
			return nil
		}
	}
	return nil
}

// Delete removes the entry for object, if present, turning its slot into
// a tombstone. It reports whether an entry was removed.
func (t *Table) Delete(object runtimeadapter.ObjectRef) bool {
	e := t.Lookup(object)
	if e == nil {
		return false
	}
	t.DeleteEntry(e)
	return true
}

// DeleteEntry turns entry into a tombstone in place. O(1): no probe-chain
// repair, per spec §4.3.
func (t *Table) DeleteEntry(e *Entry) {
	if e == nil || !e.occupied() {
		return
	}
	e.Object = tombstoneObject
	e.Class = nil
	e.Data = nil
	t.count--
	t.tombstones++
}

// resize doubles capacity and rehashes live entries only, dropping all
// tombstones (spec §4.3).
func (t *Table) resize() error {
	old := t.entries
	t.capLog2++
	t.entries = arenahelper.MakeSlice[Entry](t.arena, t.capacity(), t.capacity())
	t.tombstones = 0
	t.count = 0
	if t.metrics != nil {
		t.metrics.TableResizes.Inc()
	}
	for _, e := range old {
		if !e.occupied() {
			continue
		}
		idx, _, err := t.probeForInsert(e.Object)
		if err != nil {
			return err
		}
		t.entries[idx] = e
		t.count++
	}
	return nil
}

// IncrementStrong puts the table into (possibly nested) strong-reference
// mode: Mark will report object keys as live references until a matching
// DecrementStrong brings the counter back to zero.
func (t *Table) IncrementStrong() { t.strongRefs++ }

// DecrementStrong reverses one IncrementStrong call.
func (t *Table) DecrementStrong() {
	if t.strongRefs > 0 {
		t.strongRefs--
	}
}

// Strong reports whether the table is currently in strong-reference mode.
func (t *Table) Strong() bool { return t.strongRefs > 0 }

// Mark visits every occupied entry. Class and Data are always reported;
// Object (the key) is reported as live only while the table is in strong
// mode — otherwise the table is "weak by default" and relies on the host
// collector reclaiming keys with no other referents (spec §4.3).
func (t *Table) Mark(visit func(object runtimeadapter.ObjectRef, class runtimeadapter.ClassRef, data interface{}, objectMarked bool)) {
	strong := t.Strong()
	for _, e := range t.entries {
		if !e.occupied() {
			continue
		}
		visit(e.Object, e.Class, e.Data, strong)
	}
}

// Compact relocates every live key through adapter and, if any key
// actually moved, rehashes the whole table into a fresh backing array
// (since keys are pointer-derived, their hash bucket changes when they
// move). The fresh backing array comes from internal/arenahelper, which is
// an ordinary heap allocation unless the build enables goexperiment.arenas.
func (t *Table) Compact(adapter runtimeadapter.Adapter) error {
	moved := false
	for i := range t.entries {
		e := &t.entries[i]
		if !e.occupied() {
			continue
		}
		newObj := adapter.Relocate(e.Object)
		if newObj != e.Object {
			moved = true
		}
		e.Object = newObj
	}
	if !moved {
		return nil
	}
	old := t.entries
	t.entries = arenahelper.MakeSlice[Entry](t.arena, t.capacity(), t.capacity())
	t.tombstones = 0
	t.count = 0
	for _, e := range old {
		if !e.occupied() {
			continue
		}
		idx, _, err := t.probeForInsert(e.Object)
		if err != nil {
			return err
		}
		t.entries[idx] = e
		t.count++
	}
	return nil
}
