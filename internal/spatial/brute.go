package spatial

import "sort"

type bruteSearcher struct {
	coords [][]float64
}

func (s *bruteSearcher) candidates(q, k int, buf []int) []int {
	type cand struct {
		idx  int
		dist float64
	}
	all := make([]cand, len(s.coords))
	for i, c := range s.coords {
		all[i] = cand{idx: i, dist: sqDist(s.coords[q], c)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].idx < all[j].idx
	})
	for _, c := range all[:k] {
		buf = append(buf, c.idx)
	}
	return buf
}
