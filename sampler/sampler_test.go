package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/retainwatch/retainwatch/capture"
	"github.com/retainwatch/retainwatch/runtimeadapter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSampler(t *testing.T, opts ...Option) (*Sampler, *capture.Capture, *runtimeadapter.Fake) {
	t.Helper()
	fake := runtimeadapter.NewFake()
	events := capture.NewEvents(fake)
	cap, err := capture.New(events)
	require.NoError(t, err)
	require.True(t, cap.Start())
	s, err := New(cap, fake, opts...)
	require.NoError(t, err)
	return s, cap, fake
}

func allocate(fake *runtimeadapter.Fake, cap *capture.Capture, class runtimeadapter.ClassRef, start, count int) {
	for i := 0; i < count; i++ {
		fake.FireNew(cap, runtimeadapter.Alloc{Object: runtimeadapter.ObjectRef(start + i), Class: class})
	}
	fake.RunDeferred()
}

func TestSampleOnceRatchetsMaxObservedOnlyBeyondThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleThreshold = 100
	cfg.IncreasesThreshold = 1000 // avoid escalating in this test
	s, cap, fake := newTestSampler(t, WithConfig(cfg))

	allocate(fake, cap, "Hash", 1, 50)
	s.SampleOnce(nil)
	sm := s.samples["Hash"]
	require.NotNil(t, sm)
	assert.Equal(t, uint64(0), sm.MaxObserved())
	assert.Equal(t, uint32(0), sm.Increases())

	allocate(fake, cap, "Hash", 100, 200) // retained now 250, delta 250 > 100
	var increased bool
	s.SampleOnce(func(_ *Sample, inc bool) { increased = inc })
	assert.True(t, increased)
	assert.Equal(t, uint64(250), sm.MaxObserved())
	assert.Equal(t, uint32(1), sm.Increases())
}

func TestSamplerEscalatesAfterIncreasesThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleThreshold = 1000
	cfg.IncreasesThreshold = 2
	s, cap, fake := newTestSampler(t, WithConfig(cfg))

	allocate(fake, cap, "Hash", 1, 1500)
	s.SampleOnce(nil)
	allocate(fake, cap, "Hash", 2000, 1500)
	s.SampleOnce(nil)

	sm := s.samples["Hash"]
	require.NotNil(t, sm)
	assert.Equal(t, uint32(2), sm.Increases())

	a := cap.Get("Hash")
	require.NotNil(t, a)
	assert.NotNil(t, a.Callback(), "sampler should have installed a stack-capturing callback")
}

func TestEscalatedClassPopulatesCallTree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleThreshold = 10
	cfg.IncreasesThreshold = 1
	s, cap, fake := newTestSampler(t, WithConfig(cfg))
	fake.StackFrame = []runtimeadapter.Frame{
		{File: "engine.go", Line: 1, Label: "internal"},
		{File: "app.go", Line: 42, Label: "handler"},
	}

	// The first batch ratchets the Sample past its threshold and triggers
	// escalation, but it was already applied before the callback existed,
	// so it never reaches the Call Tree. A second batch, allocated after
	// escalation, is what the callback actually captures.
	allocate(fake, cap, "Hash", 1, 50)
	s.SampleOnce(nil)
	require.NotNil(t, cap.Get("Hash").Callback())

	allocate(fake, cap, "Hash", 1000, 10)

	tree := s.TreeFor("Hash")
	require.NotNil(t, tree)
	assert.Equal(t, uint64(10), tree.RetainedAllocations())

	fake.FireFree(cap, runtimeadapter.Alloc{Object: 1000})
	fake.RunDeferred()
	assert.Equal(t, uint64(9), tree.RetainedAllocations())
	assert.Equal(t, uint64(10), tree.TotalAllocations())
}

func TestAnalyzeBelowRetainedMinimumReturnsFalse(t *testing.T) {
	cfg := DefaultConfig()
	s, cap, fake := newTestSampler(t, WithConfig(cfg))
	allocate(fake, cap, "Hash", 1, 5)

	_, ok := s.Analyze("Hash", false, false, 0, 10)
	assert.False(t, ok)
}

func TestAnalyzeReportsAllocationSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	s, cap, fake := newTestSampler(t, WithConfig(cfg))
	allocate(fake, cap, "Hash", 1, 5)
	fake.FireFree(cap, runtimeadapter.Alloc{Object: 1})
	fake.RunDeferred()

	report, ok := s.Analyze("Hash", false, true, 10, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(5), report.Allocations.New)
	assert.Equal(t, uint64(1), report.Allocations.Free)
	assert.Equal(t, uint64(4), report.Allocations.Retained)
	assert.Len(t, report.RetainedAddresses, 4)
	assert.Equal(t, runtimeadapter.AddressOf(2), report.RetainedAddresses[0])
}

func TestPruneIfDueResetsInsertionCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleThreshold = 0
	cfg.IncreasesThreshold = 1
	cfg.PruneLimit = 2
	cfg.PruneThreshold = 3
	s, cap, fake := newTestSampler(t, WithConfig(cfg))

	// The first allocation's SampleOnce call escalates the class (installing
	// the stack-capturing callback), so it is the next three allocations —
	// not this loop's first one — that actually reach the Call Tree.
	frameSets := [][]runtimeadapter.Frame{
		{{File: "a.go", Line: 1}},
		{{File: "b.go", Line: 2}},
		{{File: "c.go", Line: 3}},
		{{File: "d.go", Line: 4}},
	}
	for i, fs := range frameSets {
		fake.StackFrame = fs
		allocate(fake, cap, "Hash", i+1, 1)
		s.SampleOnce(nil)
	}

	tree := s.TreeFor("Hash")
	require.NotNil(t, tree)
	assert.Equal(t, uint64(0), tree.InsertionCount(), "prune should have fired and reset the counter once PruneThreshold insertions accumulated")
	assert.Equal(t, uint64(3), tree.TotalAllocations())
}

func TestRunInvokesGCTriggerWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GC = true
	s, _, fake := newTestSampler(t, WithConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx, 5*time.Millisecond)

	assert.Greater(t, fake.GCCalls(), 0)
}
