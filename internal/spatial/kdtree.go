package spatial

import (
	"gonum.org/v1/gonum/spatial/kdtree"
)

// kdPoint carries its position in the input so results survive the tree's
// in-place partitioning.
type kdPoint struct {
	coord kdtree.Point
	idx   int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	return p.coord[d] - q.coord[d]
}

func (p kdPoint) Dims() int { return len(p.coord) }

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return p.coord.Distance(c.(kdPoint).coord)
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p kdPoints) Len() int                      { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int        { return kdPlane{dim: d, kdPoints: p}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// kdPlane orders points along one dimension, breaking ties by input index so
// the tree shape depends only on the input.
type kdPlane struct {
	dim kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	a, b := p.kdPoints[i], p.kdPoints[j]
	if a.coord[p.dim] != b.coord[p.dim] {
		return a.coord[p.dim] < b.coord[p.dim]
	}
	return a.idx < b.idx
}

func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{dim: p.dim, kdPoints: p.kdPoints[start:end]}
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

type kdtreeSearcher struct {
	tree   *kdtree.Tree
	points []kdPoint
}

func newKDTreeSearcher(coords [][]float64) *kdtreeSearcher {
	points := make([]kdPoint, len(coords))
	for i, c := range coords {
		points[i] = kdPoint{coord: kdtree.Point(c), idx: i}
	}

	// kdtree.New reorders its input, keep the query-side slice untouched.
	build := make(kdPoints, len(points))
	copy(build, points)

	return &kdtreeSearcher{
		tree:   kdtree.New(build, false),
		points: points,
	}
}

func (s *kdtreeSearcher) candidates(q, k int, buf []int) []int {
	keep := kdtree.NewNKeeper(k)
	s.tree.NearestSet(keep, s.points[q])
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		buf = append(buf, cd.Comparable.(kdPoint).idx)
	}
	return buf
}
