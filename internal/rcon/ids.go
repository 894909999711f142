package rcon

import (
	"math"

	"github.com/energizer-project/rconsole/internal/protocol"
)

// idAllocator hands out request ids: 1, 2, ... up to MaxInt32, then back
// to 1. The auth failure sentinel and ids still in use are skipped.
type idAllocator struct {
	last int32
}

func (a *idAllocator) next(inUse func(int32) bool) int32 {
	for {
		if a.last <= 0 || a.last == math.MaxInt32 {
			a.last = 0
		}
		a.last++
		if a.last == protocol.AuthFailedID {
			continue
		}
		if inUse == nil || !inUse(a.last) {
			return a.last
		}
	}
}
