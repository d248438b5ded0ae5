package objtable

import "github.com/retainwatch/retainwatch/runtimeadapter"

// fibMultiplier is the 64-bit golden-ratio constant used for Fibonacci
// hashing (spec §4.3: "hash = Fibonacci-mixed bits of the object pointer
// with alignment bits shifted off").
const fibMultiplier = 0x9E3779B97F4A7C15

// alignShift drops the low bits of a pointer that are always zero because
// of typical heap alignment, so they don't waste entropy in the mix.
const alignShift = 3

// hashObject mixes obj's bits and folds the result down to capLog2 bits,
// i.e. an index in [0, 2^capLog2).
func hashObject(obj runtimeadapter.ObjectRef, capLog2 uint) uint64 {
	x := uint64(obj) >> alignShift
	x *= fibMultiplier
	return x >> (64 - capLog2)
}
