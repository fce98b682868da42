package cluster

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// kmeansPlusPlus picks k initial centers from rows with greedy k-means++:
// each step draws 2+ln(k) candidates proportionally to the current squared
// distance and keeps the one that lowers the potential the most.
func kmeansPlusPlus(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	m := len(rows)
	trials := 2 + int(math.Log(float64(k)))

	centers := make([][]float64, 0, k)
	first := rows[rng.Intn(m)]
	centers = append(centers, append([]float64(nil), first...))

	closest := make([]float64, m)
	for i, x := range rows {
		closest[i] = sqDist(x, first)
	}
	pot := floats.Sum(closest)

	cum := make([]float64, m)
	cand := make([]float64, m)
	best := make([]float64, m)

	for len(centers) < k {
		floats.CumSum(cum, closest)

		bestIdx, bestPot := -1, math.Inf(1)
		for t := 0; t < trials; t++ {
			var idx int
			if pot > 0 {
				idx = sort.SearchFloat64s(cum, rng.Float64()*pot)
				if idx >= m {
					idx = m - 1
				}
			} else {
				idx = rng.Intn(m)
			}

			for i, x := range rows {
				cand[i] = math.Min(closest[i], sqDist(x, rows[idx]))
			}
			if p := floats.Sum(cand); p < bestPot {
				bestIdx, bestPot = idx, p
				copy(best, cand)
			}
		}

		centers = append(centers, append([]float64(nil), rows[bestIdx]...))
		copy(closest, best)
		pot = bestPot
	}

	return centers
}
