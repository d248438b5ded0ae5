package sampler

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config holds the construction-time knobs for a Sampler, following the
// teacher's pattern of a small, self-validating, yaml-tagged config struct
// plus a RegisterFlags method (pkg/compactionworker.Config).
type Config struct {
	// Depth bounds how many stack frames an escalated class's callback
	// captures per allocation (spec §4.7 "Escalation").
	Depth int `yaml:"stack_depth"`
	// IncreasesThreshold is the number of ratcheting increases (spec §4.7
	// "Sample") a class must accumulate before the sampler escalates it to
	// stack-capturing mode.
	IncreasesThreshold uint `yaml:"increases_threshold"`
	// SampleThreshold is the per-Sample threshold a retained count must
	// exceed the running maximum by to count as an increase (spec §3
	// "Sample" invariant).
	SampleThreshold uint64 `yaml:"sample_threshold"`
	// PruneLimit is the max-children bound passed to CallTree.Prune.
	PruneLimit int `yaml:"prune_limit"`
	// PruneThreshold is the InsertionCount at which a class's tree is
	// pruned (spec §4.7 "Pruning").
	PruneThreshold uint64 `yaml:"prune_threshold"`
	// GC, when true, requests a full collection at the start of every Run
	// tick before sampling (spec §4.7 "Control loop"). Off by default
	// because it distorts allocation timing.
	GC bool `yaml:"collect_before_sample"`
}

// DefaultConfig matches the values spec §4.7 gives as examples (threshold
// 1000, increases_threshold 10).
func DefaultConfig() Config {
	return Config{
		Depth:              32,
		IncreasesThreshold: 10,
		SampleThreshold:    1000,
		PruneLimit:         64,
		PruneThreshold:     10000,
		GC:                 false,
	}
}

// RegisterFlags wires Config fields onto f with prefix, mirroring the
// teacher's RegisterFlags convention even though this engine ships no CLI.
func (c *Config) RegisterFlags(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	f.IntVar(&c.Depth, prefix+"stack-depth", d.Depth, "number of stack frames captured per escalated allocation")
	f.UintVar(&c.IncreasesThreshold, prefix+"increases-threshold", d.IncreasesThreshold, "ratcheting increases required before a class is escalated to stack capture")
	f.Uint64Var(&c.SampleThreshold, prefix+"sample-threshold", d.SampleThreshold, "retained-count delta over the running maximum that counts as an increase")
	f.IntVar(&c.PruneLimit, prefix+"prune-limit", d.PruneLimit, "max children kept per call tree node on prune")
	f.Uint64Var(&c.PruneThreshold, prefix+"prune-threshold", d.PruneThreshold, "insertions before a class's call tree is pruned")
	f.BoolVar(&c.GC, prefix+"collect-before-sample", d.GC, "request a full collection before every sample pass")
}

// Validate rejects nonsensical configuration before it reaches New.
func (c *Config) Validate() error {
	if c.Depth <= 0 {
		return errors.New("sampler: stack_depth must be positive")
	}
	if c.IncreasesThreshold == 0 {
		return errors.New("sampler: increases_threshold must be positive")
	}
	if c.PruneLimit <= 0 {
		return errors.New("sampler: prune_limit must be positive")
	}
	return nil
}

// minRunInterval is a floor applied by Run so a misconfigured interval of 0
// cannot spin the control loop hot.
const minRunInterval = time.Millisecond
