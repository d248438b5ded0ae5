package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retainwatch/retainwatch/runtimeadapter"
)

func TestEnqueueProcessAllFIFOOrder(t *testing.T) {
	q := New(WithInitialCapacity(4))
	for i := 0; i < 10; i++ {
		ok := q.Enqueue(runtimeadapter.KindNew, "cap", "classA", runtimeadapter.ObjectRef(i+1))
		require.True(t, ok)
	}

	var seen []runtimeadapter.ObjectRef
	q.ProcessAll(func(ev Event) { seen = append(seen, ev.Object) })

	require.Len(t, seen, 10)
	for i, obj := range seen {
		assert.Equal(t, runtimeadapter.ObjectRef(i+1), obj)
	}
	assert.Equal(t, 0, q.Len())
}

func TestProcessAllClearsSlotsAndHandlesNewArrivalsSeparately(t *testing.T) {
	q := New()
	q.Enqueue(runtimeadapter.KindNew, "cap", "C", 1)

	var firstPass []runtimeadapter.ObjectRef
	q.ProcessAll(func(ev Event) {
		firstPass = append(firstPass, ev.Object)
		// Simulate an event arriving while the consumer is still
		// draining the old batch: it must land in the new available
		// side, not be seen by this pass.
		q.Enqueue(runtimeadapter.KindNew, "cap", "C", 2)
	})
	assert.Equal(t, []runtimeadapter.ObjectRef{1}, firstPass)
	assert.Equal(t, 1, q.Len())

	var secondPass []runtimeadapter.ObjectRef
	q.ProcessAll(func(ev Event) { secondPass = append(secondPass, ev.Object) })
	assert.Equal(t, []runtimeadapter.ObjectRef{2}, secondPass)
}

func TestEnqueueDropsAtCapacityButStillReportsFalse(t *testing.T) {
	q := New(WithInitialCapacity(2), WithMaxCapacity(2))
	assert.True(t, q.Enqueue(runtimeadapter.KindNew, "cap", "C", 1))
	assert.True(t, q.Enqueue(runtimeadapter.KindNew, "cap", "C", 2))
	assert.False(t, q.Enqueue(runtimeadapter.KindNew, "cap", "C", 3))
	assert.Equal(t, 2, q.Len())
}

func TestProcessAllContainsPanics(t *testing.T) {
	q := New()
	q.Enqueue(runtimeadapter.KindNew, "cap", "C", 1)
	q.Enqueue(runtimeadapter.KindNew, "cap", "C", 2)

	var processed []runtimeadapter.ObjectRef
	require.NotPanics(t, func() {
		q.ProcessAll(func(ev Event) {
			if ev.Object == 1 {
				panic("boom")
			}
			processed = append(processed, ev.Object)
		})
	})
	assert.Equal(t, []runtimeadapter.ObjectRef{2}, processed)
}

func TestMarkSkipsFreeObjectButNotNewObject(t *testing.T) {
	q := New()
	q.Enqueue(runtimeadapter.KindNew, "cap", "C", 1)
	q.Enqueue(runtimeadapter.KindFree, "cap", "C", 2)

	type seen struct {
		object runtimeadapter.ObjectRef
		live   bool
	}
	var got []seen
	q.Mark(func(_ CaptureRef, _ runtimeadapter.ClassRef, object runtimeadapter.ObjectRef, live bool) {
		got = append(got, seen{object, live})
	})
	require.Len(t, got, 2)
	assert.True(t, got[0].live)
	assert.False(t, got[1].live)
}

func TestRelocateRewritesBufferedObjects(t *testing.T) {
	q := New()
	q.Enqueue(runtimeadapter.KindNew, "cap", "C", 1)

	fake := runtimeadapter.NewFake()
	fake.SetRelocation(1, 100)
	q.Relocate(fake)

	var got runtimeadapter.ObjectRef
	q.ProcessAll(func(ev Event) { got = ev.Object })
	assert.Equal(t, runtimeadapter.ObjectRef(100), got)
}
