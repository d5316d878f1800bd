package state

import "time"

type Pair[Ty1, Ty2 any] struct {
	V1 Ty1
	V2 Ty2
}

// SeqnoGt compares two 32-bit destination sequence numbers using rollover arithmetic
func SeqnoGt(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqnoGe is the rollover-safe a >= b
func SeqnoGe(a, b uint32) bool {
	return int32(a-b) >= 0
}

func MaxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
