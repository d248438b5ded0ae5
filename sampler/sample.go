package sampler

import "github.com/retainwatch/retainwatch/runtimeadapter"

// Sample is one class's ratcheting-maximum leak-detection state (spec §3,
// C7). The zero value is not usable; use newSample.
type Sample struct {
	target    runtimeadapter.ClassRef
	threshold uint64

	current      uint64
	maxObserved  uint64
	increases    uint32
	samplesTaken uint64
}

func newSample(target runtimeadapter.ClassRef, threshold uint64) *Sample {
	return &Sample{target: target, threshold: threshold}
}

// Target returns the class this Sample tracks.
func (s *Sample) Target() runtimeadapter.ClassRef { return s.target }

// Current returns the retained count recorded by the most recent observe.
func (s *Sample) Current() uint64 { return s.current }

// MaxObserved is non-decreasing: it only rises when an observed count
// exceeds it by more than the configured threshold (spec §3 invariant).
func (s *Sample) MaxObserved() uint64 { return s.maxObserved }

// Increases counts how many times MaxObserved has ratcheted upward.
func (s *Sample) Increases() uint32 { return s.increases }

// SamplesTaken counts every observe call, whether or not it increased.
func (s *Sample) SamplesTaken() uint64 { return s.samplesTaken }

// observe records current as this tick's retained count and reports
// whether it counts as a ratcheting increase: current exceeds the running
// maximum by more than threshold (spec §3, §4.7, §8 property 7).
func (s *Sample) observe(current uint64) (increased bool) {
	s.current = current
	s.samplesTaken++
	if s.threshold > 0 && current > s.maxObserved && current-s.maxObserved > s.threshold {
		s.maxObserved = current
		s.increases++
		return true
	}
	if s.threshold == 0 && current > s.maxObserved {
		s.maxObserved = current
		s.increases++
		return true
	}
	return false
}
