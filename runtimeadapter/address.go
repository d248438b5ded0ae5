package runtimeadapter

import "strconv"

// AddressOf renders obj as a "0x…" hex string (spec §6 utility), stable
// under a non-moving window and changing consistently with any parallel
// call to Adapter.Relocate on the same reference (spec §8 property 9). It
// is suitable only for correlating against an external heap dump — the
// engine never dereferences the value itself.
func AddressOf(obj ObjectRef) string {
	return "0x" + strconv.FormatUint(uint64(obj), 16)
}
