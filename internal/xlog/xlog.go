// Package xlog provides the engine's default logger plumbing, adapted from
// the teacher's pkg/util/logger.go: a nop logger by default, replaced by
// whatever github.com/go-kit/log.Logger the embedding application supplies.
package xlog

import (
	"github.com/go-kit/log"
)

// Nop is the default logger used by every component until a caller
// supplies its own via that component's WithLogger option.
var Nop = log.NewNopLogger()

// WithComponent tags every line logged through l with a component name,
// mirroring the teacher's LoggerWith* helpers.
func WithComponent(l log.Logger, component string) log.Logger {
	if l == nil {
		l = Nop
	}
	return log.With(l, "component", component)
}
