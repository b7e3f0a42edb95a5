package sequence

// improve2Opt applies a 2-opt pass over an open tour whose first node is fixed.
// A candidate replaces the current tour only when it is strictly shorter.
func improve2Opt(dist [][]float64, tour []int, iterations int) ([]int, float64) {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), tour...)
	bestLen := tourLength(dist, best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				d := tourLength(dist, cand)
				if d+1e-9 < bestLen {
					best = cand
					bestLen = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best, bestLen
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// tourLength sums the legs of an open tour.
func tourLength(dist [][]float64, tour []int) float64 {
	total := 0.0
	for i := 0; i+1 < len(tour); i++ {
		total += dist[tour[i]][tour[i+1]]
	}
	return total
}
