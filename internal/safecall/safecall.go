// Package safecall contains the recover() idiom shared by every boundary
// where user-supplied code (a per-class callback) runs inside engine
// machinery that must not let a panic escape: the event queue's consumer
// pass and Capture's per-class callback invocation (which is also how the
// sampler's escalated stack-capturing callback runs).
package safecall

import (
	"fmt"
	"runtime/debug"
)

// Invoke runs fn and converts a panic into an error instead of letting it
// unwind past the caller. onRecover, if non-nil, is called with the
// recovered value and a stack trace before Invoke returns its error.
func Invoke(fn func(), onRecover func(recovered interface{}, stack []byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if onRecover != nil {
				onRecover(r, stack)
			}
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	fn()
	return nil
}
