//go:build goexperiment.arenas

// Package arenahelper backs the object table and event queue with
// unmanaged-allocation-flavored storage, so their growth never triggers a
// managed allocation from inside an allocator or collector callback.
package arenahelper

import "arena"

// Arena wraps a Go arena. A nil *Arena degrades to ordinary heap allocation.
type Arena struct {
	a *arena.Arena
}

func New() *Arena {
	return &Arena{arena.NewArena()}
}

func (a *Arena) Free() {
	if a == nil || a.a == nil {
		return
	}
	a.a.Free()
	a.a = nil
}

func MakeSlice[T any](a *Arena, length, capacity int) []T {
	if a == nil || a.a == nil {
		return make([]T, length, capacity)
	}
	return arena.MakeSlice[T](a.a, length, capacity)
}

// Grow returns a slice with capacity at least n, copying over data.
// Used by the event queue when it outgrows its current buffer.
func Grow[T any](a *Arena, data []T, n int) []T {
	if n <= cap(data) {
		return data
	}
	next := MakeSlice[T](a, len(data), n)
	copy(next, data)
	return next
}
