package spatial

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
)

type quadPoint struct {
	p   orb.Point
	idx int
}

func (q quadPoint) Point() orb.Point { return q.p }

type quadtreeSearcher struct {
	tree   *quadtree.Quadtree
	points []quadPoint
	buf    []orb.Pointer
}

func newQuadtreeSearcher(coords [][]float64) (*quadtreeSearcher, error) {
	points := make([]quadPoint, len(coords))
	mp := make(orb.MultiPoint, len(coords))
	for i, c := range coords {
		p := orb.Point{c[0], c[1]}
		points[i] = quadPoint{p: p, idx: i}
		mp[i] = p
	}

	tree := quadtree.New(mp.Bound())
	for _, p := range points {
		if err := tree.Add(p); err != nil {
			return nil, fmt.Errorf("failed to add point %d to quadtree: %w", p.idx, err)
		}
	}

	return &quadtreeSearcher{tree: tree, points: points}, nil
}

func (s *quadtreeSearcher) candidates(q, k int, buf []int) []int {
	s.buf = s.tree.KNearest(s.buf[:0], s.points[q].p, k)
	for _, p := range s.buf {
		buf = append(buf, p.(quadPoint).idx)
	}
	return buf
}
