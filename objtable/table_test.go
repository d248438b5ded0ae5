package objtable

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retainwatch/retainwatch/runtimeadapter"
)

func TestInsertLookupDelete(t *testing.T) {
	tbl := New()
	e, err := tbl.Insert(42)
	require.NoError(t, err)
	e.Class = "Widget"
	e.Data = "payload"

	got := tbl.Lookup(42)
	require.NotNil(t, got)
	assert.Equal(t, "Widget", got.Class)
	assert.Equal(t, "payload", got.Data)
	assert.Equal(t, 1, tbl.Size())

	require.True(t, tbl.Delete(42))
	assert.Nil(t, tbl.Lookup(42))
	assert.Equal(t, 0, tbl.Size())
}

func TestLookupUnknownObjectReturnsNil(t *testing.T) {
	tbl := New()
	assert.Nil(t, tbl.Lookup(999))
}

func TestInsertRandomKeysSizeMatchesNetInsertions(t *testing.T) {
	tbl := New()
	rng := rand.New(rand.NewSource(1))
	live := map[runtimeadapter.ObjectRef]bool{}

	for i := 0; i < 5000; i++ {
		obj := runtimeadapter.ObjectRef(rng.Intn(2000) + 1)
		if rng.Intn(2) == 0 {
			if !live[obj] {
				_, err := tbl.Insert(obj)
				require.NoError(t, err)
				live[obj] = true
			}
		} else {
			if live[obj] {
				require.True(t, tbl.Delete(obj))
				delete(live, obj)
			}
		}
	}

	assert.Equal(t, len(live), tbl.Size())
	for obj := range live {
		assert.NotNil(t, tbl.Lookup(obj))
	}
}

func TestLoadFactorStaysBoundedIncludingTombstones(t *testing.T) {
	tbl := New(WithInitialCapacityLog2(4))
	for i := 1; i <= 200; i++ {
		_, err := tbl.Insert(runtimeadapter.ObjectRef(i))
		require.NoError(t, err)
		if i%2 == 0 {
			tbl.Delete(runtimeadapter.ObjectRef(i))
		}
		assert.LessOrEqual(t, tbl.loadFactor(0), maxLoadFactor+1e-9)
	}
}

func TestResizeDropsTombstones(t *testing.T) {
	tbl := New(WithInitialCapacityLog2(4))
	for i := 1; i <= 8; i++ {
		_, err := tbl.Insert(runtimeadapter.ObjectRef(i))
		require.NoError(t, err)
	}
	for i := 1; i <= 4; i++ {
		tbl.Delete(runtimeadapter.ObjectRef(i))
	}
	require.Greater(t, tbl.tombstones, 0)

	// Enough inserts to force at least one resize.
	for i := 100; i < 110; i++ {
		_, err := tbl.Insert(runtimeadapter.ObjectRef(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, tbl.tombstones)
}

func TestMarkReportsObjectOnlyInStrongMode(t *testing.T) {
	tbl := New()
	e, err := tbl.Insert(7)
	require.NoError(t, err)
	e.Class = "C"
	e.Data = "D"

	var sawObject bool
	tbl.Mark(func(_ runtimeadapter.ObjectRef, _ runtimeadapter.ClassRef, _ interface{}, marked bool) {
		sawObject = marked
	})
	assert.False(t, sawObject)

	tbl.IncrementStrong()
	tbl.Mark(func(_ runtimeadapter.ObjectRef, _ runtimeadapter.ClassRef, _ interface{}, marked bool) {
		sawObject = marked
	})
	assert.True(t, sawObject)
	tbl.DecrementStrong()
	assert.False(t, tbl.Strong())
}

func TestCompactRelocatesAndRehashes(t *testing.T) {
	tbl := New()
	e, err := tbl.Insert(1)
	require.NoError(t, err)
	e.Class = "C"

	fake := runtimeadapter.NewFake()
	fake.SetRelocation(1, 1<<20)
	require.NoError(t, tbl.Compact(fake))

	assert.Nil(t, tbl.Lookup(1))
	got := tbl.Lookup(1 << 20)
	require.NotNil(t, got)
	assert.Equal(t, "C", got.Class)
}

func TestCompactNoopWhenNothingMoved(t *testing.T) {
	tbl := New()
	_, err := tbl.Insert(5)
	require.NoError(t, err)
	fake := runtimeadapter.NewFake()
	require.NoError(t, tbl.Compact(fake))
	assert.NotNil(t, tbl.Lookup(5))
}
