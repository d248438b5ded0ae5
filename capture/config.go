package capture

import (
	"flag"

	"github.com/pkg/errors"
)

// Config holds the construction-time knobs for a Capture, following the
// teacher's pattern of small, self-validating, yaml-tagged config structs
// (pkg/compactionworker.Config).
//
// The shared event queue's capacity is configured where it is owned — on
// Events, via WithQueueOptions(queue.WithMaxCapacity(...)) — not here:
// Capture does not own the queue (spec §5, §9 "Global mutable state"), so a
// per-Capture cap would be a knob with no effect on the queue every Capture
// actually shares.
type Config struct {
	// InitialTableCapacityLog2 sizes the Object Table's initial backing
	// array as 2^n entries.
	InitialTableCapacityLog2 uint `yaml:"initial_table_capacity_log2"`
}

// DefaultConfig returns a Config with the same defaults RegisterFlags
// wires onto a flag.FlagSet, for callers constructing a Config literal
// instead of parsing flags.
func DefaultConfig() Config {
	return Config{InitialTableCapacityLog2: 4}
}

// RegisterFlags wires Config fields onto f with prefix, mirroring the
// teacher's RegisterFlags convention even though this engine ships no CLI.
func (c *Config) RegisterFlags(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	f.UintVar(&c.InitialTableCapacityLog2, prefix+"initial-table-capacity-log2", d.InitialTableCapacityLog2, "log2 of the object table's initial capacity")
}

// Validate rejects nonsensical configuration before it reaches New.
func (c *Config) Validate() error {
	if c.InitialTableCapacityLog2 > 32 {
		return errors.New("capture: initial_table_capacity_log2 is implausibly large")
	}
	return nil
}
