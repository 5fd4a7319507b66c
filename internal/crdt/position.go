package crdt

import (
	"math"
	"math/rand"
)

// A segment is one level of a dense position identifier. Ordering is by
// digit first, then by authoring site, so concurrently allocated positions
// never compare equal across sites.
type segment struct {
	digit uint32
	site  uint64
}

// Position identifies an atom's place in the document. Positions form a
// dense total order: between any two a third can always be allocated, so
// inserts never need to shift their neighbors.
type Position []segment

const maxDigit = math.MaxUint32

// Bounds the random step when allocating inside a large gap, keeping
// identifiers short for left-to-right typing.
const allocStep = 64

// Compare orders positions segment by segment; a strict prefix sorts
// before its extensions.
func (p Position) Compare(q Position) int {
	for i := 0; i < len(p) && i < len(q); i++ {
		if p[i].digit != q[i].digit {
			if p[i].digit < q[i].digit {
				return -1
			}
			return 1
		}
		if p[i].site != q[i].site {
			if p[i].site < q[i].site {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// positionBetween allocates a fresh position strictly between left and
// right for the given site. Either bound may be empty, meaning the start
// (left) or the open end (right) of the document. Requires left < right.
//
// The walk copies boundary segments until it finds a level with room for a
// new digit. Generated positions always end in a digit >= 1, which the
// left-exhausted branches below rely on.
func positionBetween(left, right Position, site uint64) Position {
	pos := make(Position, 0, len(left)+1)
	onLeft, onRight := true, true

	for depth := 0; ; depth++ {
		lo := int64(0)
		if onLeft && depth < len(left) {
			lo = int64(left[depth].digit)
		}
		hi := int64(maxDigit) + 1
		if onRight && depth < len(right) {
			hi = int64(right[depth].digit)
		}

		if gap := hi - lo - 1; gap > 0 {
			step := gap
			if step > allocStep {
				step = allocStep
			}
			d := uint32(lo + 1 + rand.Int63n(step))
			return append(pos, segment{digit: d, site: site})
		}

		if onLeft && depth < len(left) {
			pos = append(pos, left[depth])
			if onRight && (depth >= len(right) || right[depth] != left[depth]) {
				onRight = false
			}
			continue
		}

		// Left is exhausted and right's digit here is 0 or 1, so there is
		// no room at this level. Slip under right and diverge.
		if hi == 1 || right[depth].site > site {
			pos = append(pos, segment{digit: 0, site: site})
			onLeft, onRight = false, false
			continue
		}
		pos = append(pos, right[depth])
		onLeft = false
	}
}
