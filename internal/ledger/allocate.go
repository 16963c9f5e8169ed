package ledger

import (
	"math/bits"
	"sort"
)

// Allocate splits amount across weights in proportion, using largest remainders so the parts
// always sum to amount exactly. Ties go to the earlier weight. With no positive weight the
// whole amount lands on the first slot.
func Allocate(amount int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	if len(weights) == 0 || amount <= 0 {
		return out
	}

	var total uint64
	for _, w := range weights {
		if w > 0 {
			total += uint64(w)
		}
	}
	if total == 0 {
		out[0] = amount
		return out
	}

	type rem struct {
		idx int
		r   uint64
	}
	rems := make([]rem, 0, len(weights))
	var allocated int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		// amount*w never overflows 128 bits and the quotient fits since w <= total
		hi, lo := bits.Mul64(uint64(amount), uint64(w))
		q, r := bits.Div64(hi, lo, total)
		out[i] = int64(q)
		allocated += int64(q)
		rems = append(rems, rem{idx: i, r: r})
	}

	sort.SliceStable(rems, func(a, b int) bool { return rems[a].r > rems[b].r })
	for left := amount - allocated; left > 0; left-- {
		out[rems[0].idx]++
		rems = rems[1:]
	}
	return out
}
