package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/retainwatch/retainwatch/runtimeadapter"
)

func TestCountersStartAtZero(t *testing.T) {
	a := New("Widget", nil)
	assert.Equal(t, uint64(0), a.NewCount())
	assert.Equal(t, uint64(0), a.FreeCount())
	assert.Equal(t, uint64(0), a.RetainedCount())
}

func TestRetainedCountTracksNewMinusFree(t *testing.T) {
	a := New("Widget", nil)
	a.IncrementNew()
	a.IncrementNew()
	a.IncrementNew()
	a.IncrementFree()
	assert.Equal(t, uint64(3), a.NewCount())
	assert.Equal(t, uint64(1), a.FreeCount())
	assert.Equal(t, uint64(2), a.RetainedCount())
}

func TestRetainedCountSaturatesAtZero(t *testing.T) {
	a := New("Widget", nil)
	// A free for an object allocated before tracking started.
	a.IncrementFree()
	assert.Equal(t, uint64(0), a.RetainedCount())
}

func TestTrackAttachesAndDetachesCallback(t *testing.T) {
	fake := runtimeadapter.NewFake()
	a := New("Widget", fake)
	assert.Nil(t, a.Callback())

	var calls []runtimeadapter.CallbackEvent
	cb := func(_ runtimeadapter.ClassRef, ev runtimeadapter.CallbackEvent, _ interface{}) interface{} {
		calls = append(calls, ev)
		return nil
	}
	a.Track(cb)
	attached := a.Callback()
	attached(nil, runtimeadapter.CallbackNew, nil)
	assert.Equal(t, []runtimeadapter.CallbackEvent{runtimeadapter.CallbackNew}, calls)

	a.Track(nil)
	assert.Nil(t, a.Callback())
}

func TestClearResetsCountersAndCallback(t *testing.T) {
	a := New("Widget", nil)
	a.IncrementNew()
	a.IncrementNew()
	a.IncrementFree()
	a.Track(func(_ runtimeadapter.ClassRef, _ runtimeadapter.CallbackEvent, _ interface{}) interface{} { return nil })

	a.Clear()
	assert.Equal(t, uint64(0), a.NewCount())
	assert.Equal(t, uint64(0), a.FreeCount())
	assert.Nil(t, a.Callback())
}
